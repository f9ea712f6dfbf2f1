// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"database/sql"
	"flag"
	"fmt"
	"io"

	"github.com/brentp/xopen"
	log "github.com/sirupsen/logrus"
)

// vcfConverter implements the vcf2measurement subcommand: OMOP-annotated VCF
// in, OMOP measurement and fact_relationship tables out.
type vcfConverter struct{}

func (cmd *vcfConverter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	personFilename := flags.String("person", "", "person `file` containing person_source_value mappings (.csv)")
	inputFilename := flags.String("in", "", "OMOP-annotated VCF `file` (.vcf or .vcf.gz, see annotate-vcf)")
	obsFilename := flags.String("obs", "", "observation table `file` (.csv)")
	specimenFilename := flags.String("specimen", "", "specimen table `file` (.csv)")
	outputFilename := flags.String("o", "", "output `file` for the measurement table")
	outfactFilename := flags.String("outfact", "", "output `file` for the fact_relationship table")
	mefid := flags.Int64("mefid", 0, "override `concept id` for meas_event_field_concept_id")
	mtid := flags.Int64("mtid", 0, "override `concept id` for measurement_type_concept_id")
	startID := flags.Int64("start", 1, "first measurement_id to assign")
	dbwrite := flags.Bool("dbwrite", false, "also insert the generated tables into the database")
	assumeGTFirst := flags.Bool("assume-gt-first", false, "read the first FORMAT sub-field as the genotype when GT is absent")
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
	ctx.Persons.overrideInt(personTable.hasColumn("meas_event_field_concept_id"), flagsSet["mefid"], *mefid,
		defaultMeasEventFieldConceptID, "meas_event_field_concept_id",
		func(p *personRecord, v sql.NullInt64) { p.MeasEventFieldConceptID = v })
	ctx.Persons.overrideInt(personTable.hasColumn("measurement_type_concept_id"), flagsSet["mtid"], *mtid,
		defaultMeasurementTypeConceptID, "measurement_type_concept_id",
		func(p *personRecord, v sql.NullInt64) { p.MeasurementTypeConceptID = v })

	fh, err := xopen.Ropen(*inputFilename)
	if err != nil {
		return 1
	}
	table, err := convertVCFGenotypes(fh, *assumeGTFirst)
	fh.Close()
	if err != nil {
		return 1
	}
	log.Infof("normalized %d variant-allele rows across %d samples", len(table.Rows), len(table.Samples))

	measurements, factRows := generateGenomicMeasurements(table, table.conceptIDs(), ctx, *startID)
	log.Infof("generated %d measurement rows and %d fact_relationship rows",
		len(measurements), len(factRows))

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
	log.Info("finished creating genomic measurement and fact_relationship tables")
	return 0
}
