// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"database/sql"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// reshapeContext carries the lookup tables joined into every long-form
// measurement row. All maps are read-only during the reshape phase.
type reshapeContext struct {
	Persons   personMap
	Obs       observationMap
	Specimens specimenMap
}

// buildRow derives one measurement row for (identifier, person). The second
// return value is false when the row does not survive filtering: the
// identifier has no concept id, the person source value is unknown, or the
// person has no specimen record.
func (ctx *reshapeContext) buildRow(id, personSourceValue string, conceptID int64) (measurementRow, bool) {
	if conceptID == 0 {
		return measurementRow{}, false
	}
	person, ok := ctx.Persons[personSourceValue]
	if !ok {
		return measurementRow{}, false
	}
	specimenID, ok := ctx.Specimens[person.PersonID]
	if !ok {
		return measurementRow{}, false
	}

	row := measurementRow{
		PersonID:                   person.PersonID,
		MeasurementConceptID:       conceptID,
		MeasurementSourceValue:     id,
		MeasurementSourceConceptID: conceptID,
		MeasurementTime:            person.MeasurementTime,
		MeasurementTypeConceptID:   person.MeasurementTypeConceptID,
		OperatorConceptID:          person.OperatorConceptID,
		UnitConceptID:              person.UnitConceptID,
		UnitSourceValue:            person.UnitSourceValue,
		RangeLow:                   person.RangeLow,
		RangeHigh:                  person.RangeHigh,
		MeasEventFieldConceptID:    person.MeasEventFieldConceptID,
		ValueSourceValue:           person.ValueSourceValue,
		specimenID:                 specimenID,
	}
	if obsRef, ok := ctx.Obs[person.PersonID]; ok {
		row.MeasurementEventID = nullInt(obsRef.MeasurementEventID)
		row.VisitOccurrenceID = obsRef.VisitOccurrenceID
		row.VisitDetailID = obsRef.VisitDetailID
		row.ProviderID = obsRef.ProviderID
		row.MeasurementDate = obsRef.ObservationDate
	}
	if person.MeasurementDate.Valid {
		row.MeasurementDate = person.MeasurementDate.String
	}
	row.MeasurementDatetime = row.MeasurementDate
	return row, true
}

// assignMeasurementIDs numbers the surviving rows sequentially from startID,
// in pre-filter row order, so ids are stable with respect to input ordering
// and compact with respect to survivors.
func assignMeasurementIDs(rows []measurementRow, startID int64) {
	for i := range rows {
		rows[i].MeasurementID = startID + int64(i)
	}
}

// buildFactRelationships emits exactly two linkage rows per measurement: all
// measurement-to-specimen rows first, then the reverse direction.
func buildFactRelationships(measurements []measurementRow) []factRelationshipRow {
	rows := make([]factRelationshipRow, 0, 2*len(measurements))
	for i := range measurements {
		rows = append(rows, factRelationshipRow{
			DomainConceptID1:      domainConceptMeasurement,
			FactID1:               measurements[i].MeasurementID,
			DomainConceptID2:      domainConceptSpecimen,
			FactID2:               measurements[i].specimenID,
			RelationshipConceptID: relationshipMeasToSpec,
		})
	}
	for i := range measurements {
		rows = append(rows, factRelationshipRow{
			DomainConceptID1:      domainConceptSpecimen,
			FactID1:               measurements[i].specimenID,
			DomainConceptID2:      domainConceptMeasurement,
			FactID2:               measurements[i].MeasurementID,
			RelationshipConceptID: relationshipSpecToMeas,
		})
	}
	return rows
}

// expressionMatrix is a wide gene-by-sample matrix. Missing cells are NaN.
type expressionMatrix struct {
	IDColumn string
	IDs      []string
	Samples  []string
	Values   [][]float64
}

// zscores standardizes one gene's values across all samples using the
// population standard deviation. A zero deviation, or fewer than one finite
// value, leaves every z-score NaN.
func zscores(values []float64) []float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(finite) == 0 {
		return out
	}
	mean := stat.Mean(finite, nil)
	std := stat.PopStdDev(finite, nil)
	if std == 0 {
		return out
	}
	for i, v := range values {
		if !math.IsNaN(v) {
			out[i] = (v - mean) / std
		}
	}
	return out
}

// classifyZScore maps a z-score to the value_as_concept_id for its class.
// The boundary is strict: exactly ±1 classifies as reference.
func classifyZScore(z float64) sql.NullInt64 {
	switch {
	case math.IsNaN(z):
		return sql.NullInt64{}
	case z > 1:
		return nullInt(conceptHigh)
	case z < -1:
		return nullInt(conceptLow)
	default:
		return nullInt(conceptReference)
	}
}

// generateExpressionMeasurements melts the wide expression matrix into OMOP
// measurement rows plus their fact_relationship linkage. Long-form rows are
// visited sample-major (every gene for the first sample, then the next
// sample), matching the melt order the ids were historically assigned in.
func generateExpressionMeasurements(m *expressionMatrix, concepts conceptMapping, ctx *reshapeContext, startID int64) ([]measurementRow, []factRelationshipRow) {
	z := make([][]float64, len(m.IDs))
	for i := range m.IDs {
		z[i] = zscores(m.Values[i])
	}

	var rows []measurementRow
	for j, sample := range m.Samples {
		for i, id := range m.IDs {
			row, ok := ctx.buildRow(id, sample, concepts[id])
			if !ok {
				continue
			}
			if v := m.Values[i][j]; !math.IsNaN(v) {
				row.ValueAsNumber = nullFloat(v)
			}
			row.ValueAsConceptID = classifyZScore(z[i][j])
			rows = append(rows, row)
		}
	}
	assignMeasurementIDs(rows, startID)
	return rows, buildFactRelationships(rows)
}

// generateGenomicMeasurements melts a genotype table into OMOP measurement
// rows plus their fact_relationship linkage. Allele presence maps to fixed
// codes: positive 1/9191, negative 0/9189, Missing -1 with a null concept
// and a "./." source value.
func generateGenomicMeasurements(t *genotypeTable, concepts conceptMapping, ctx *reshapeContext, startID int64) ([]measurementRow, []factRelationshipRow) {
	var rows []measurementRow
	for j, sample := range t.Samples {
		for _, grow := range t.Rows {
			row, ok := ctx.buildRow(grow.ID, sample, concepts[grow.ID])
			if !ok {
				continue
			}
			call := grow.Calls[j]
			switch call.Status {
			case genotypePositive:
				row.ValueAsNumber = nullFloat(1)
				row.ValueAsConceptID = nullInt(conceptPositive)
				row.ValueSourceValue = nullStr(strings.Join(call.Alleles, "/"))
			case genotypeNegative:
				row.ValueAsNumber = nullFloat(0)
				row.ValueAsConceptID = nullInt(conceptNegative)
				row.ValueSourceValue = nullStr(strings.Join(call.Alleles, "/"))
			default:
				row.ValueAsNumber = nullFloat(-1)
				row.ValueAsConceptID = sql.NullInt64{}
				row.ValueSourceValue = nullStr("./.")
			}
			rows = append(rows, row)
		}
	}
	assignMeasurementIDs(rows, startID)
	return rows, buildFactRelationships(rows)
}
