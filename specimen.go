// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// specimenCreator implements the create-specimen subcommand: person file in,
// OMOP specimen table out.
type specimenCreator struct{}

func (cmd *specimenCreator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "person `file` containing person_source_value mappings (.csv)")
	outputFilename := flags.String("o", "", "output `file` for the specimen table")
	scid := flags.Int64("scid", 0, "override `concept id` for specimen_concept_id")
	sctid := flags.Int64("sctid", 0, "override `concept id` for specimen_type_concept_id")
	prefix := flags.String("prefix", "", "`prefix` prepended to each specimen_id to form specimen_source_id")
	startID := flags.Int64("start", 1, "first specimen_id to assign when the input has no specimen_id column")
	dbwrite := flags.Bool("dbwrite", false, "also insert the generated table into the database")
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
	if *inputFilename == "" || *outputFilename == "" {
		flags.Usage()
		err = fmt.Errorf("-in and -o are required")
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

	persons, t, err := loadPersonMap(*inputFilename, db)
	if err != nil {
		return 1
	}
	rows, err := generateSpecimenTable(t, persons, specimenOptions{
		ConceptID:    *scid,
		ConceptIDSet: flagsSet["scid"],
		TypeID:       *sctid,
		TypeIDSet:    flagsSet["sctid"],
		SourcePrefix: *prefix,
		StartID:      *startID,
	})
	if err != nil {
		return 1
	}
	log.Infof("generated %d specimen rows", len(rows))

	if err = writeCSVFile(stdout, *outputFilename, specimenColumns, specimenCSV(rows)); err != nil {
		return 1
	}
	if *dbwrite {
		if err = db.insertRows("specimen", specimenColumns, specimenArgs(rows)); err != nil {
			return 1
		}
	}
	log.Info("finished creating specimen table")
	return 0
}

type specimenOptions struct {
	ConceptID    int64
	ConceptIDSet bool
	TypeID       int64
	TypeIDSet    bool
	SourcePrefix string
	StartID      int64
}

// resolveConceptColumn returns the concept id for one cell, applying flag >
// column > default precedence.
func resolveConceptColumn(t *csvTable, row []string, name string, flagSet bool, flagVal, defaultVal int64) (int64, error) {
	if flagSet {
		return flagVal, nil
	}
	if cell := t.get(row, name); cell != "" {
		v, err := parseNullInt(cell)
		if err != nil {
			return 0, fmt.Errorf("bad %s %q: %w", name, cell, err)
		}
		return v.Int64, nil
	}
	return defaultVal, nil
}

// generateSpecimenTable derives one specimen row per person-file row, in file
// order. specimen_id comes from the input column when present, otherwise it is
// assigned sequentially from opts.StartID.
func generateSpecimenTable(t *csvTable, persons personMap, opts specimenOptions) ([]specimenRow, error) {
	if opts.ConceptIDSet && t.hasColumn("specimen_concept_id") {
		log.Warn("specimen_concept_id given as both a flag and an input column; the flag value overrides the column")
	}
	if opts.TypeIDSet && t.hasColumn("specimen_type_concept_id") {
		log.Warn("specimen_type_concept_id given as both a flag and an input column; the flag value overrides the column")
	}
	hasID := t.hasColumn("specimen_id")
	today := time.Now().Format("2006-01-02")
	rows := make([]specimenRow, 0, len(t.Rows))
	for n, row := range t.Rows {
		p, ok := persons[t.get(row, "person_source_value")]
		if !ok {
			return nil, fmt.Errorf("no person record for data row %d", n+1)
		}
		r := specimenRow{PersonID: p.PersonID}
		if hasID {
			id, err := strconv.ParseInt(t.get(row, "specimen_id"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad specimen_id in data row %d: %w", n+1, err)
			}
			r.SpecimenID = id
		} else {
			r.SpecimenID = opts.StartID + int64(n)
		}
		var err error
		if r.SpecimenConceptID, err = resolveConceptColumn(t, row, "specimen_concept_id", opts.ConceptIDSet, opts.ConceptID, defaultSpecimenConceptID); err != nil {
			return nil, fmt.Errorf("data row %d: %w", n+1, err)
		}
		if r.SpecimenTypeConceptID, err = resolveConceptColumn(t, row, "specimen_type_concept_id", opts.TypeIDSet, opts.TypeID, defaultSpecimenTypeConceptID); err != nil {
			return nil, fmt.Errorf("data row %d: %w", n+1, err)
		}
		if r.SpecimenDate = t.get(row, "specimen_date"); r.SpecimenDate == "" {
			r.SpecimenDate = today
		}
		if r.SpecimenDatetime = t.get(row, "specimen_datetime"); r.SpecimenDatetime == "" {
			r.SpecimenDatetime = r.SpecimenDate
		}
		if r.Quantity, err = parseNullFloat(t.get(row, "quantity")); err != nil {
			return nil, fmt.Errorf("bad quantity in data row %d: %w", n+1, err)
		}
		if r.UnitConceptID, err = parseNullInt(t.get(row, "unit_concept_id")); err != nil {
			return nil, fmt.Errorf("bad unit_concept_id in data row %d: %w", n+1, err)
		}
		if r.AnatomicSiteConceptID, err = parseNullInt(t.get(row, "anatomic_site_concept_id")); err != nil {
			return nil, fmt.Errorf("bad anatomic_site_concept_id in data row %d: %w", n+1, err)
		}
		if r.DiseaseStatusConceptID, err = parseNullInt(t.get(row, "disease_status_concept_id")); err != nil {
			return nil, fmt.Errorf("bad disease_status_concept_id in data row %d: %w", n+1, err)
		}
		r.SpecimenSourceValue = parseNullString(t.get(row, "specimen_source_value"))
		r.UnitSourceValue = parseNullString(t.get(row, "unit_source_value"))
		r.AnatomicSiteSourceValue = parseNullString(t.get(row, "anatomic_site_source_value"))
		r.DiseaseStatusSourceValue = parseNullString(t.get(row, "disease_status_source_value"))
		if sid := t.get(row, "specimen_source_id"); sid != "" {
			r.SpecimenSourceID = nullStr(opts.SourcePrefix + sid)
		} else if opts.SourcePrefix != "" {
			r.SpecimenSourceID = nullStr(opts.SourcePrefix + strconv.FormatInt(r.SpecimenID, 10))
		}
		rows = append(rows, r)
	}
	return rows, nil
}
