// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"database/sql"
	"math"

	"gopkg.in/check.v1"
)

type reshapeSuite struct{}

var _ = check.Suite(&reshapeSuite{})

func testContext() *reshapeContext {
	return &reshapeContext{
		Persons: personMap{
			"s1": &personRecord{PersonID: 101, SourceValue: "s1", UnitConceptID: nullInt(37533750)},
			"s2": &personRecord{PersonID: 102, SourceValue: "s2"},
			"s3": &personRecord{PersonID: 103, SourceValue: "s3"}, // no specimen
		},
		Obs: observationMap{
			101: {MeasurementEventID: 11, ObservationDate: "2024-01-15", VisitOccurrenceID: nullInt(7)},
			102: {MeasurementEventID: 12, ObservationDate: "2024-01-16"},
		},
		Specimens: specimenMap{101: 501, 102: 502},
	}
}

func (s *reshapeSuite) TestBuildRowJoins(c *check.C) {
	ctx := testContext()
	row, ok := ctx.buildRow("GENE1", "s1", 999)
	c.Assert(ok, check.Equals, true)
	c.Check(row.PersonID, check.Equals, int64(101))
	c.Check(row.MeasurementConceptID, check.Equals, int64(999))
	c.Check(row.MeasurementSourceConceptID, check.Equals, int64(999))
	c.Check(row.MeasurementSourceValue, check.Equals, "GENE1")
	c.Check(row.UnitConceptID, check.Equals, nullInt(37533750))
	c.Check(row.MeasurementEventID, check.Equals, nullInt(11))
	c.Check(row.VisitOccurrenceID, check.Equals, nullInt(7))
	c.Check(row.MeasurementDate, check.Equals, "2024-01-15")
	c.Check(row.MeasurementDatetime, check.Equals, "2024-01-15")
	c.Check(row.specimenID, check.Equals, int64(501))

	// a person-level measurement_date overrides the observation date
	ctx.Persons["s1"].MeasurementDate = nullStr("2023-12-31")
	row, ok = ctx.buildRow("GENE1", "s1", 999)
	c.Assert(ok, check.Equals, true)
	c.Check(row.MeasurementDate, check.Equals, "2023-12-31")
	c.Check(row.MeasurementDatetime, check.Equals, "2023-12-31")
}

func (s *reshapeSuite) TestBuildRowFilters(c *check.C) {
	ctx := testContext()
	_, ok := ctx.buildRow("GENE1", "s1", 0) // unmapped concept
	c.Check(ok, check.Equals, false)
	_, ok = ctx.buildRow("GENE1", "unknown", 999) // unknown person
	c.Check(ok, check.Equals, false)
	_, ok = ctx.buildRow("GENE1", "s3", 999) // person without specimen
	c.Check(ok, check.Equals, false)
}

func (s *reshapeSuite) TestZScores(c *check.C) {
	z := zscores([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	// population mean 5, population std 2
	c.Check(z[0], check.Equals, -1.5)
	c.Check(z[1], check.Equals, -0.5)
	c.Check(z[7], check.Equals, 2.0)

	// NaN cells are skipped in the statistics and stay NaN
	z = zscores([]float64{1, math.NaN(), 3})
	c.Check(z[0], check.Equals, -1.0)
	c.Check(math.IsNaN(z[1]), check.Equals, true)
	c.Check(z[2], check.Equals, 1.0)

	// zero deviation leaves every score NaN
	for _, z := range zscores([]float64{5, 5, 5}) {
		c.Check(math.IsNaN(z), check.Equals, true)
	}
	for _, z := range zscores([]float64{math.NaN(), math.NaN()}) {
		c.Check(math.IsNaN(z), check.Equals, true)
	}
}

func (s *reshapeSuite) TestClassifyZScore(c *check.C) {
	c.Check(classifyZScore(1.5), check.Equals, nullInt(conceptHigh))
	c.Check(classifyZScore(-1.5), check.Equals, nullInt(conceptLow))
	c.Check(classifyZScore(0), check.Equals, nullInt(conceptReference))
	// the boundary is strict: exactly +-1 is within reference range
	c.Check(classifyZScore(1), check.Equals, nullInt(conceptReference))
	c.Check(classifyZScore(-1), check.Equals, nullInt(conceptReference))
	c.Check(classifyZScore(math.Nextafter(1, 2)), check.Equals, nullInt(conceptHigh))
	c.Check(classifyZScore(math.NaN()), check.Equals, sql.NullInt64{})
}

func (s *reshapeSuite) TestGenerateExpressionMeasurements(c *check.C) {
	ctx := testContext()
	m := &expressionMatrix{
		IDColumn: "gene",
		IDs:      []string{"GENE1", "GENE2", "GENE3"},
		Samples:  []string{"s1", "s2", "s3"},
		Values: [][]float64{
			{2, 4, 9},
			{1, 1, 1},
			{3, 5, 7},
		},
	}
	concepts := conceptMapping{"GENE1": 111, "GENE2": 222, "GENE3": 0}
	rows, factRows := generateExpressionMeasurements(m, concepts, ctx, 10)

	// before filtering there are 3x3 candidate rows; GENE3 is unmapped and
	// s3 has no specimen, leaving 2 genes x 2 samples
	c.Assert(rows, check.HasLen, 4)
	c.Check(factRows, check.HasLen, 8)

	// melt order is sample-major and ids are compact from the start id
	c.Check(rows[0].MeasurementSourceValue, check.Equals, "GENE1")
	c.Check(rows[0].PersonID, check.Equals, int64(101))
	c.Check(rows[1].MeasurementSourceValue, check.Equals, "GENE2")
	c.Check(rows[1].PersonID, check.Equals, int64(101))
	c.Check(rows[2].MeasurementSourceValue, check.Equals, "GENE1")
	c.Check(rows[2].PersonID, check.Equals, int64(102))
	for i, row := range rows {
		c.Check(row.MeasurementID, check.Equals, int64(10+i))
	}

	// GENE1 values 2,4,9: mean 5, population std ~2.94
	c.Check(rows[0].ValueAsNumber, check.Equals, nullFloat(2))
	c.Check(rows[0].ValueAsConceptID, check.Equals, nullInt(conceptLow))
	c.Check(rows[2].ValueAsNumber, check.Equals, nullFloat(4))
	c.Check(rows[2].ValueAsConceptID, check.Equals, nullInt(conceptReference))

	// GENE2 has zero deviation: the value survives, the class is null
	c.Check(rows[1].ValueAsNumber, check.Equals, nullFloat(1))
	c.Check(rows[1].ValueAsConceptID, check.Equals, sql.NullInt64{})
}

func (s *reshapeSuite) TestFactRelationshipBlocks(c *check.C) {
	ctx := testContext()
	m := &expressionMatrix{
		IDs:     []string{"GENE1"},
		Samples: []string{"s1", "s2"},
		Values:  [][]float64{{2, 4}},
	}
	rows, factRows := generateExpressionMeasurements(m, conceptMapping{"GENE1": 111}, ctx, 1)
	c.Assert(rows, check.HasLen, 2)
	c.Assert(factRows, check.HasLen, 4)

	// all forward rows first, then all reverse rows
	c.Check(factRows[0], check.DeepEquals, factRelationshipRow{
		DomainConceptID1:      domainConceptMeasurement,
		FactID1:               1,
		DomainConceptID2:      domainConceptSpecimen,
		FactID2:               501,
		RelationshipConceptID: relationshipMeasToSpec,
	})
	c.Check(factRows[1].FactID1, check.Equals, int64(2))
	c.Check(factRows[1].FactID2, check.Equals, int64(502))
	c.Check(factRows[2], check.DeepEquals, factRelationshipRow{
		DomainConceptID1:      domainConceptSpecimen,
		FactID1:               501,
		DomainConceptID2:      domainConceptMeasurement,
		FactID2:               1,
		RelationshipConceptID: relationshipSpecToMeas,
	})
	c.Check(factRows[3].FactID1, check.Equals, int64(502))
}

func (s *reshapeSuite) TestGenerateGenomicMeasurements(c *check.C) {
	ctx := testContext()
	table := &genotypeTable{
		Samples: []string{"s1", "s2", "s3"},
		Rows: []genotypeRow{{
			ID:        "rs1_G",
			ConceptID: 777,
			Calls: []genotypeCall{
				{Alleles: []string{"A", "G"}, Status: genotypePositive},
				{Alleles: []string{"A", "A"}, Status: genotypeNegative},
				{Status: genotypeMissing},
			},
		}},
	}
	rows, factRows := generateGenomicMeasurements(table, table.conceptIDs(), ctx, 1)
	// s3 has no specimen and is dropped
	c.Assert(rows, check.HasLen, 2)
	c.Check(factRows, check.HasLen, 4)

	c.Check(rows[0].MeasurementConceptID, check.Equals, int64(777))
	c.Check(rows[0].ValueAsNumber, check.Equals, nullFloat(1))
	c.Check(rows[0].ValueAsConceptID, check.Equals, nullInt(conceptPositive))
	c.Check(rows[0].ValueSourceValue, check.Equals, nullStr("A/G"))

	c.Check(rows[1].ValueAsNumber, check.Equals, nullFloat(0))
	c.Check(rows[1].ValueAsConceptID, check.Equals, nullInt(conceptNegative))
	c.Check(rows[1].ValueSourceValue, check.Equals, nullStr("A/A"))
}

func (s *reshapeSuite) TestGenomicMissingCall(c *check.C) {
	ctx := testContext()
	table := &genotypeTable{
		Samples: []string{"s1"},
		Rows: []genotypeRow{{
			ID:        "rs1_G",
			ConceptID: 777,
			Calls:     []genotypeCall{{Status: genotypeMissing}},
		}},
	}
	rows, _ := generateGenomicMeasurements(table, table.conceptIDs(), ctx, 1)
	c.Assert(rows, check.HasLen, 1)
	c.Check(rows[0].ValueAsNumber, check.Equals, nullFloat(-1))
	c.Check(rows[0].ValueAsConceptID, check.Equals, sql.NullInt64{})
	c.Check(rows[0].ValueSourceValue, check.Equals, nullStr("./."))
}
