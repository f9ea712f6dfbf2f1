// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"database/sql"
	"strconv"
)

// Fixed OMOP concept codes used when deriving measurement and
// fact_relationship rows.
const (
	domainConceptMeasurement = 1147330
	domainConceptSpecimen    = 1147306

	relationshipMeasToSpec = 32668
	relationshipSpecToMeas = 32669

	// value_as_concept_id for expression z-score classes
	conceptHigh      = 4084765 // high or elevated, > 1 sd
	conceptLow       = 4083207 // low, < -1 sd
	conceptReference = 4084764 // within reference range

	// value_as_concept_id for allele presence
	conceptPositive = 9191
	conceptNegative = 9189

	// defaults applied when neither a flag nor a person-file column
	// provides a value: meas_event_field is observation.observation_id,
	// the type concepts are "lab", the observation concept is "variant
	// analysis method" with value "gene expression array", obs_event_field
	// is specimen.specimen_id, and the specimen concept is "peripheral
	// blood"
	defaultMeasEventFieldConceptID  = 1147165
	defaultMeasurementTypeConceptID = 32856
	defaultExpressionUnitConceptID  = 37533750
	defaultObservationConceptID     = 21495062
	defaultObservationTypeConceptID = 32856
	defaultObsValueAsConceptID      = 42531068
	defaultObsValueSourceValue      = "Gene Expression Array"
	defaultObsEventFieldConceptID   = 1147049
	defaultSpecimenConceptID        = 4047495
	defaultSpecimenTypeConceptID    = 32856
)

var measurementColumns = []string{
	"measurement_id", "person_id", "measurement_concept_id", "measurement_date",
	"measurement_datetime", "measurement_time", "measurement_type_concept_id",
	"operator_concept_id", "value_as_number", "value_as_concept_id",
	"unit_concept_id", "range_low", "range_high", "provider_id",
	"visit_occurrence_id", "visit_detail_id", "measurement_source_value",
	"measurement_source_concept_id", "unit_source_value", "value_source_value",
	"measurement_event_id", "meas_event_field_concept_id",
}

// measurementRow is one OMOP CDM measurement record. specimenID is the
// specimen the row was joined against; it feeds the fact_relationship
// builder and is not serialized.
type measurementRow struct {
	MeasurementID              int64
	PersonID                   int64
	MeasurementConceptID       int64
	MeasurementDate            string
	MeasurementDatetime        string
	MeasurementTime            sql.NullString
	MeasurementTypeConceptID   sql.NullInt64
	OperatorConceptID          sql.NullInt64
	ValueAsNumber              sql.NullFloat64
	ValueAsConceptID           sql.NullInt64
	UnitConceptID              sql.NullInt64
	RangeLow                   sql.NullFloat64
	RangeHigh                  sql.NullFloat64
	ProviderID                 sql.NullInt64
	VisitOccurrenceID          sql.NullInt64
	VisitDetailID              sql.NullInt64
	MeasurementSourceValue     string
	MeasurementSourceConceptID int64
	UnitSourceValue            sql.NullString
	ValueSourceValue           sql.NullString
	MeasurementEventID         sql.NullInt64
	MeasEventFieldConceptID    sql.NullInt64

	specimenID int64
}

func (r *measurementRow) csvRecord() []string {
	return []string{
		strconv.FormatInt(r.MeasurementID, 10),
		strconv.FormatInt(r.PersonID, 10),
		strconv.FormatInt(r.MeasurementConceptID, 10),
		r.MeasurementDate,
		r.MeasurementDatetime,
		csvString(r.MeasurementTime),
		csvInt(r.MeasurementTypeConceptID),
		csvInt(r.OperatorConceptID),
		csvFloat(r.ValueAsNumber),
		csvInt(r.ValueAsConceptID),
		csvInt(r.UnitConceptID),
		csvFloat(r.RangeLow),
		csvFloat(r.RangeHigh),
		csvInt(r.ProviderID),
		csvInt(r.VisitOccurrenceID),
		csvInt(r.VisitDetailID),
		r.MeasurementSourceValue,
		strconv.FormatInt(r.MeasurementSourceConceptID, 10),
		csvString(r.UnitSourceValue),
		csvString(r.ValueSourceValue),
		csvInt(r.MeasurementEventID),
		csvInt(r.MeasEventFieldConceptID),
	}
}

func (r *measurementRow) sqlArgs() []interface{} {
	return []interface{}{
		r.MeasurementID, r.PersonID, r.MeasurementConceptID, r.MeasurementDate,
		r.MeasurementDatetime, r.MeasurementTime, r.MeasurementTypeConceptID,
		r.OperatorConceptID, r.ValueAsNumber, r.ValueAsConceptID,
		r.UnitConceptID, r.RangeLow, r.RangeHigh, r.ProviderID,
		r.VisitOccurrenceID, r.VisitDetailID, r.MeasurementSourceValue,
		r.MeasurementSourceConceptID, r.UnitSourceValue, r.ValueSourceValue,
		r.MeasurementEventID, r.MeasEventFieldConceptID,
	}
}

var factRelationshipColumns = []string{
	"domain_concept_id_1", "fact_id_1", "domain_concept_id_2", "fact_id_2",
	"relationship_concept_id",
}

type factRelationshipRow struct {
	DomainConceptID1      int64
	FactID1               int64
	DomainConceptID2      int64
	FactID2               int64
	RelationshipConceptID int64
}

func (r *factRelationshipRow) csvRecord() []string {
	return []string{
		strconv.FormatInt(r.DomainConceptID1, 10),
		strconv.FormatInt(r.FactID1, 10),
		strconv.FormatInt(r.DomainConceptID2, 10),
		strconv.FormatInt(r.FactID2, 10),
		strconv.FormatInt(r.RelationshipConceptID, 10),
	}
}

func (r *factRelationshipRow) sqlArgs() []interface{} {
	return []interface{}{
		r.DomainConceptID1, r.FactID1, r.DomainConceptID2, r.FactID2,
		r.RelationshipConceptID,
	}
}

var observationColumns = []string{
	"observation_id", "person_id", "observation_concept_id", "observation_date",
	"observation_datetime", "observation_type_concept_id", "value_as_number",
	"value_as_string", "value_as_concept_id", "qualifier_concept_id",
	"unit_concept_id", "provider_id", "visit_occurrence_id", "visit_detail_id",
	"observation_source_value", "observation_source_concept_id",
	"unit_source_value", "qualifier_source_value", "value_source_value",
	"observation_event_id", "obs_event_field_concept_id",
}

type observationRow struct {
	ObservationID              int64
	PersonID                   int64
	ObservationConceptID       int64
	ObservationDate            string
	ObservationDatetime        string
	ObservationTypeConceptID   int64
	ValueAsNumber              sql.NullFloat64
	ValueAsString              sql.NullString
	ValueAsConceptID           int64
	QualifierConceptID         sql.NullInt64
	UnitConceptID              sql.NullInt64
	ProviderID                 sql.NullInt64
	VisitOccurrenceID          sql.NullInt64
	VisitDetailID              sql.NullInt64
	ObservationSourceValue     string
	ObservationSourceConceptID sql.NullInt64
	UnitSourceValue            sql.NullString
	QualifierSourceValue       sql.NullString
	ValueSourceValue           string
	ObservationEventID         sql.NullInt64
	ObsEventFieldConceptID     int64
}

func (r *observationRow) csvRecord() []string {
	return []string{
		strconv.FormatInt(r.ObservationID, 10),
		strconv.FormatInt(r.PersonID, 10),
		strconv.FormatInt(r.ObservationConceptID, 10),
		r.ObservationDate,
		r.ObservationDatetime,
		strconv.FormatInt(r.ObservationTypeConceptID, 10),
		csvFloat(r.ValueAsNumber),
		csvString(r.ValueAsString),
		strconv.FormatInt(r.ValueAsConceptID, 10),
		csvInt(r.QualifierConceptID),
		csvInt(r.UnitConceptID),
		csvInt(r.ProviderID),
		csvInt(r.VisitOccurrenceID),
		csvInt(r.VisitDetailID),
		r.ObservationSourceValue,
		csvInt(r.ObservationSourceConceptID),
		csvString(r.UnitSourceValue),
		csvString(r.QualifierSourceValue),
		r.ValueSourceValue,
		csvInt(r.ObservationEventID),
		strconv.FormatInt(r.ObsEventFieldConceptID, 10),
	}
}

func (r *observationRow) sqlArgs() []interface{} {
	return []interface{}{
		r.ObservationID, r.PersonID, r.ObservationConceptID, r.ObservationDate,
		r.ObservationDatetime, r.ObservationTypeConceptID, r.ValueAsNumber,
		r.ValueAsString, r.ValueAsConceptID, r.QualifierConceptID,
		r.UnitConceptID, r.ProviderID, r.VisitOccurrenceID, r.VisitDetailID,
		r.ObservationSourceValue, r.ObservationSourceConceptID,
		r.UnitSourceValue, r.QualifierSourceValue, r.ValueSourceValue,
		r.ObservationEventID, r.ObsEventFieldConceptID,
	}
}

var specimenColumns = []string{
	"specimen_id", "person_id", "specimen_concept_id", "specimen_date",
	"specimen_datetime", "specimen_type_concept_id", "quantity",
	"unit_concept_id", "anatomic_site_concept_id", "disease_status_concept_id",
	"specimen_source_id", "specimen_source_value", "unit_source_value",
	"anatomic_site_source_value", "disease_status_source_value",
}

type specimenRow struct {
	SpecimenID              int64
	PersonID                int64
	SpecimenConceptID       int64
	SpecimenDate            string
	SpecimenDatetime        string
	SpecimenTypeConceptID   int64
	Quantity                sql.NullFloat64
	UnitConceptID           sql.NullInt64
	AnatomicSiteConceptID   sql.NullInt64
	DiseaseStatusConceptID  sql.NullInt64
	SpecimenSourceID        sql.NullString
	SpecimenSourceValue     sql.NullString
	UnitSourceValue         sql.NullString
	AnatomicSiteSourceValue sql.NullString
	DiseaseStatusSourceValue sql.NullString
}

func (r *specimenRow) csvRecord() []string {
	return []string{
		strconv.FormatInt(r.SpecimenID, 10),
		strconv.FormatInt(r.PersonID, 10),
		strconv.FormatInt(r.SpecimenConceptID, 10),
		r.SpecimenDate,
		r.SpecimenDatetime,
		strconv.FormatInt(r.SpecimenTypeConceptID, 10),
		csvFloat(r.Quantity),
		csvInt(r.UnitConceptID),
		csvInt(r.AnatomicSiteConceptID),
		csvInt(r.DiseaseStatusConceptID),
		csvString(r.SpecimenSourceID),
		csvString(r.SpecimenSourceValue),
		csvString(r.UnitSourceValue),
		csvString(r.AnatomicSiteSourceValue),
		csvString(r.DiseaseStatusSourceValue),
	}
}

func (r *specimenRow) sqlArgs() []interface{} {
	return []interface{}{
		r.SpecimenID, r.PersonID, r.SpecimenConceptID, r.SpecimenDate,
		r.SpecimenDatetime, r.SpecimenTypeConceptID, r.Quantity,
		r.UnitConceptID, r.AnatomicSiteConceptID, r.DiseaseStatusConceptID,
		r.SpecimenSourceID, r.SpecimenSourceValue, r.UnitSourceValue,
		r.AnatomicSiteSourceValue, r.DiseaseStatusSourceValue,
	}
}

func csvInt(v sql.NullInt64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatInt(v.Int64, 10)
}

func csvFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'g', -1, 64)
}

func csvString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func nullInt(v int64) sql.NullInt64       { return sql.NullInt64{Int64: v, Valid: true} }
func nullFloat(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }
func nullStr(v string) sql.NullString     { return sql.NullString{String: v, Valid: true} }
