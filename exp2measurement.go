// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"bufio"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// expConverter implements the expression2measurement subcommand: annotated
// expression matrix in, OMOP measurement and fact_relationship tables out.
type expConverter struct{}

func (cmd *expConverter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	personFilename := flags.String("person", "", "person `file` containing person_source_value mappings (.csv)")
	inputFilename := flags.String("in", "", "annotated expression matrix `file` (.csv, see annotate-expression)")
	obsFilename := flags.String("obs", "", "observation table `file` (.csv)")
	specimenFilename := flags.String("specimen", "", "specimen table `file` (.csv)")
	outputFilename := flags.String("o", "", "output `file` for the measurement table")
	outfactFilename := flags.String("outfact", "", "output `file` for the fact_relationship table")
	mefid := flags.Int64("mefid", 0, "override `concept id` for meas_event_field_concept_id")
	mtid := flags.Int64("mtid", 0, "override `concept id` for measurement_type_concept_id")
	uid := flags.Int64("uid", 0, "override `concept id` for unit_concept_id")
	uvalue := flags.String("uvalue", "", "override `value` for unit_source_value")
	startID := flags.Int64("start", 1, "first measurement_id to assign")
	dbwrite := flags.Bool("dbwrite", false, "also insert the generated tables into the database")
	npyFilename := flags.String("output-zscore-npy", "", "also write the gene-by-sample z-score matrix to `file` (.npy)")
	if len(args) == 0 {
		flags.Usage()
		return 1
	}
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *personFilename == "" || *inputFilename == "" || *obsFilename == "" ||
		*specimenFilename == "" || *outputFilename == "" || *outfactFilename == "" {
		flags.Usage()
		err = fmt.Errorf("-person, -in, -obs, -specimen, -o and -outfact are required")
		return 1
	}
	flagsSet := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })

	var db *omopDB
	if *dbwrite {
		if db, err = openOMOPDB(); err != nil {
			return 1
		}
		defer db.Close()
	}

	ctx, personTable, err := loadMeasurementContext(*personFilename, *obsFilename, *specimenFilename, db)
	if err != nil {
		return 1
	}
	ctx.Persons.overrideInt(personTable.hasColumn("unit_concept_id"), flagsSet["uid"], *uid,
		defaultExpressionUnitConceptID, "unit_concept_id",
		func(p *personRecord, v sql.NullInt64) { p.UnitConceptID = v })
	ctx.Persons.overrideString(personTable.hasColumn("unit_source_value"), flagsSet["uvalue"], *uvalue,
		"unit_source_value",
		func(p *personRecord, v sql.NullString) { p.UnitSourceValue = v })
	ctx.Persons.overrideInt(personTable.hasColumn("meas_event_field_concept_id"), flagsSet["mefid"], *mefid,
		defaultMeasEventFieldConceptID, "meas_event_field_concept_id",
		func(p *personRecord, v sql.NullInt64) { p.MeasEventFieldConceptID = v })
	ctx.Persons.overrideInt(personTable.hasColumn("measurement_type_concept_id"), flagsSet["mtid"], *mtid,
		defaultMeasurementTypeConceptID, "measurement_type_concept_id",
		func(p *personRecord, v sql.NullInt64) { p.MeasurementTypeConceptID = v })

	matrix, concepts, err := loadAnnotatedExpression(*inputFilename)
	if err != nil {
		return 1
	}

	measurements, factRows := generateExpressionMeasurements(matrix, concepts, ctx, *startID)
	log.Infof("generated %d measurement rows and %d fact_relationship rows from %d genes x %d samples",
		len(measurements), len(factRows), len(matrix.IDs), len(matrix.Samples))

	if *npyFilename != "" {
		if err = writeZScoreNpy(*npyFilename, matrix); err != nil {
			return 1
		}
	}
	if err = writeCSVFile(stdout, *outputFilename, measurementColumns, measurementCSV(measurements)); err != nil {
		return 1
	}
	if err = writeCSVFile(stdout, *outfactFilename, factRelationshipColumns, factRelationshipCSV(factRows)); err != nil {
		return 1
	}

	if *dbwrite {
		err = insertMeasurementTables(db, measurements, factRows)
		if err != nil {
			return 1
		}
	}
	log.Info("finished creating expression measurement and fact_relationship tables")
	return 0
}

// insertMeasurementTables writes both generated tables, one transaction
// each. A failed table is logged and rolled back; the other table is still
// attempted so the caller can retry just the failed one.
func insertMeasurementTables(db *omopDB, measurements []measurementRow, factRows []factRelationshipRow) error {
	var firstErr error
	if err := db.insertRows("measurement", measurementColumns, measurementArgs(measurements)); err != nil {
		log.Error(err)
		firstErr = err
	}
	if err := db.insertRows("fact_relationship", factRelationshipColumns, factRelationshipArgs(factRows)); err != nil {
		log.Error(err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeZScoreNpy exports the standardized matrix row-major, one row per
// gene, in the order of the input file.
func writeZScoreNpy(filename string, m *expressionMatrix) error {
	out, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(out)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		out.Close()
		return err
	}
	npw.Shape = []int{len(m.IDs), len(m.Samples)}
	data := make([]float64, 0, len(m.IDs)*len(m.Samples))
	for i := range m.IDs {
		data = append(data, zscores(m.Values[i])...)
	}
	if err := npw.WriteFloat64(data); err != nil {
		out.Close()
		return err
	}
	if err := bufw.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
