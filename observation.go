// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"flag"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// observationCreator implements the create-observation subcommand: person file
// plus specimen table in, OMOP observation table out. Each observation is
// linked to the person's specimen through observation_event_id.
type observationCreator struct{}

func (cmd *observationCreator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "person `file` containing person_source_value mappings (.csv)")
	specimenFilename := flags.String("specimen", "", "specimen table `file` (.csv, see create-specimen)")
	outputFilename := flags.String("o", "", "output `file` for the observation table")
	cid := flags.Int64("cid", defaultObservationConceptID, "`concept id` for observation_concept_id")
	otid := flags.Int64("otid", defaultObservationTypeConceptID, "`concept id` for observation_type_concept_id")
	vid := flags.Int64("vid", defaultObsValueAsConceptID, "`concept id` for value_as_concept_id")
	vsource := flags.String("vsource", defaultObsValueSourceValue, "`value` for value_source_value")
	oefid := flags.Int64("oefid", defaultObsEventFieldConceptID, "`concept id` for obs_event_field_concept_id")
	startID := flags.Int64("start", 1, "first observation_id to assign")
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
	if *inputFilename == "" || *specimenFilename == "" || *outputFilename == "" {
		flags.Usage()
		err = fmt.Errorf("-in, -specimen and -o are required")
		return 1
	}

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
	specimens, err := loadSpecimenMap(*specimenFilename)
	if err != nil {
		return 1
	}
	rows, err := generateObservationTable(t, persons, specimens, observationOptions{
		ConceptID:        *cid,
		TypeConceptID:    *otid,
		ValueConceptID:   *vid,
		ValueSourceValue: *vsource,
		EventFieldID:     *oefid,
		StartID:          *startID,
	})
	if err != nil {
		return 1
	}
	log.Infof("generated %d observation rows", len(rows))

	if err = writeCSVFile(stdout, *outputFilename, observationColumns, observationCSV(rows)); err != nil {
		return 1
	}
	if *dbwrite {
		if err = db.insertRows("observation", observationColumns, observationArgs(rows)); err != nil {
			return 1
		}
	}
	log.Info("finished creating observation table")
	return 0
}

type observationOptions struct {
	ConceptID        int64
	TypeConceptID    int64
	ValueConceptID   int64
	ValueSourceValue string
	EventFieldID     int64
	StartID          int64
}

// generateObservationTable derives one observation row per person-file row, in
// file order, with sequential ids from opts.StartID. observation_event_id is
// the person's specimen_id; a person without a specimen row is an error here,
// because the downstream measurement join would silently drop them.
func generateObservationTable(t *csvTable, persons personMap, specimens specimenMap, opts observationOptions) ([]observationRow, error) {
	today := time.Now().Format("2006-01-02")
	rows := make([]observationRow, 0, len(t.Rows))
	for n, row := range t.Rows {
		p, ok := persons[t.get(row, "person_source_value")]
		if !ok {
			return nil, fmt.Errorf("no person record for data row %d", n+1)
		}
		specimenID, ok := specimens[p.PersonID]
		if !ok {
			return nil, fmt.Errorf("no specimen for person_source_value %q (person_id %d)", p.SourceValue, p.PersonID)
		}
		r := observationRow{
			ObservationID:            opts.StartID + int64(n),
			PersonID:                 p.PersonID,
			ObservationConceptID:     opts.ConceptID,
			ObservationTypeConceptID: opts.TypeConceptID,
			ValueAsConceptID:         opts.ValueConceptID,
			ValueSourceValue:         opts.ValueSourceValue,
			ObservationEventID:       nullInt(specimenID),
			ObsEventFieldConceptID:   opts.EventFieldID,
			ObservationSourceValue:   p.SourceValue,
		}
		if r.ObservationDate = t.get(row, "observation_date"); r.ObservationDate == "" {
			r.ObservationDate = today
		}
		if r.ObservationDatetime = t.get(row, "observation_datetime"); r.ObservationDatetime == "" {
			r.ObservationDatetime = r.ObservationDate
		}
		var err error
		if r.VisitOccurrenceID, err = parseNullInt(t.get(row, "visit_occurrence_id")); err != nil {
			return nil, fmt.Errorf("bad visit_occurrence_id in data row %d: %w", n+1, err)
		}
		if r.VisitDetailID, err = parseNullInt(t.get(row, "visit_detail_id")); err != nil {
			return nil, fmt.Errorf("bad visit_detail_id in data row %d: %w", n+1, err)
		}
		if r.ProviderID, err = parseNullInt(t.get(row, "provider_id")); err != nil {
			return nil, fmt.Errorf("bad provider_id in data row %d: %w", n+1, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}
