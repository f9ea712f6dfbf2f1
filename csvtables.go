// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/brentp/xopen"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// csvTable is a CSV file loaded into memory with column presence resolved
// once, so downstream code never probes for columns row by row.
type csvTable struct {
	Columns []string
	Rows    [][]string
	index   map[string]int
}

func loadCSVTable(filename string) (*csvTable, error) {
	f, err := xopen.Ropen(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rdr := csv.NewReader(f)
	rdr.FieldsPerRecord = -1
	records, err := rdr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: empty file", filename)
	}
	t := &csvTable{Columns: records[0], Rows: records[1:], index: map[string]int{}}
	for i, col := range t.Columns {
		t.index[strings.TrimSpace(col)] = i
	}
	return t, nil
}

func (t *csvTable) hasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// get returns the trimmed cell value for the named column, or "" when the
// column is absent, the row is short, or the cell holds a null marker.
func (t *csvTable) get(row []string, name string) string {
	i, ok := t.index[name]
	if !ok || i >= len(row) {
		return ""
	}
	return normalizeNull(row[i])
}

// normalizeNull maps the null spellings that show up in exported frames to
// the empty string.
func normalizeNull(s string) string {
	s = strings.TrimSpace(s)
	switch s {
	case "NA", "No Data", "null", "None", "nan", "NaN":
		return ""
	}
	return s
}

func parseNullInt(s string) (sql.NullInt64, error) {
	if s == "" {
		return sql.NullInt64{}, nil
	}
	// exported integer columns sometimes carry a float suffix (e.g. "32856.0")
	if i := strings.IndexByte(s, '.'); i >= 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return sql.NullInt64{}, err
	}
	return nullInt(v), nil
}

func parseNullFloat(s string) (sql.NullFloat64, error) {
	if s == "" {
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, err
	}
	return nullFloat(v), nil
}

func parseNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return nullStr(s)
}

// personRecord carries the per-person measurement metadata resolved from the
// person file (plus flag overrides and defaults) before the reshape phase.
type personRecord struct {
	PersonID    int64
	SourceValue string

	UnitConceptID            sql.NullInt64
	UnitSourceValue          sql.NullString
	MeasurementTypeConceptID sql.NullInt64
	MeasEventFieldConceptID  sql.NullInt64
	OperatorConceptID        sql.NullInt64
	RangeLow                 sql.NullFloat64
	RangeHigh                sql.NullFloat64
	MeasurementTime          sql.NullString
	MeasurementDate          sql.NullString
	ValueSourceValue         sql.NullString
}

// personMap indexes person records by person_source_value. Read-only during
// the reshape phase.
type personMap map[string]*personRecord

// loadPersonMap reads the person file. person_source_value is required;
// person_id is taken from the file when present, otherwise looked up in the
// database person table (db may be nil, in which case the column is
// mandatory).
func loadPersonMap(filename string, db *omopDB) (personMap, *csvTable, error) {
	t, err := loadCSVTable(filename)
	if err != nil {
		return nil, nil, err
	}
	if !t.hasColumn("person_source_value") {
		return nil, nil, fmt.Errorf("%s: person file must contain a person_source_value column", filename)
	}
	var dbIDs map[string]int64
	if !t.hasColumn("person_id") {
		if db == nil {
			return nil, nil, fmt.Errorf("%s: person file has no person_id column and no database is configured for lookup", filename)
		}
		var sourceValues []string
		for _, row := range t.Rows {
			sourceValues = append(sourceValues, t.get(row, "person_source_value"))
		}
		dbIDs, err = db.lookupPersonIDs(sourceValues)
		if err != nil {
			return nil, nil, err
		}
	}
	pm := make(personMap, len(t.Rows))
	for n, row := range t.Rows {
		p := &personRecord{SourceValue: t.get(row, "person_source_value")}
		if p.SourceValue == "" {
			return nil, nil, fmt.Errorf("%s: empty person_source_value in data row %d", filename, n+1)
		}
		if dbIDs != nil {
			id, ok := dbIDs[p.SourceValue]
			if !ok {
				return nil, nil, fmt.Errorf("%s: no person table entry for person_source_value %q", filename, p.SourceValue)
			}
			p.PersonID = id
		} else {
			p.PersonID, err = strconv.ParseInt(t.get(row, "person_id"), 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: bad person_id in data row %d: %w", filename, n+1, err)
			}
		}
		if p.UnitConceptID, err = parseNullInt(t.get(row, "unit_concept_id")); err != nil {
			return nil, nil, fmt.Errorf("%s: bad unit_concept_id for %s: %w", filename, p.SourceValue, err)
		}
		p.UnitSourceValue = parseNullString(t.get(row, "unit_source_value"))
		if p.MeasurementTypeConceptID, err = parseNullInt(t.get(row, "measurement_type_concept_id")); err != nil {
			return nil, nil, fmt.Errorf("%s: bad measurement_type_concept_id for %s: %w", filename, p.SourceValue, err)
		}
		if p.MeasEventFieldConceptID, err = parseNullInt(t.get(row, "meas_event_field_concept_id")); err != nil {
			return nil, nil, fmt.Errorf("%s: bad meas_event_field_concept_id for %s: %w", filename, p.SourceValue, err)
		}
		if p.OperatorConceptID, err = parseNullInt(t.get(row, "operator_concept_id")); err != nil {
			return nil, nil, fmt.Errorf("%s: bad operator_concept_id for %s: %w", filename, p.SourceValue, err)
		}
		if p.RangeLow, err = parseNullFloat(t.get(row, "range_low")); err != nil {
			return nil, nil, fmt.Errorf("%s: bad range_low for %s: %w", filename, p.SourceValue, err)
		}
		if p.RangeHigh, err = parseNullFloat(t.get(row, "range_high")); err != nil {
			return nil, nil, fmt.Errorf("%s: bad range_high for %s: %w", filename, p.SourceValue, err)
		}
		p.MeasurementTime = parseNullString(t.get(row, "measurement_time"))
		p.MeasurementDate = parseNullString(t.get(row, "measurement_date"))
		p.ValueSourceValue = parseNullString(t.get(row, "value_source_value"))
		pm[p.SourceValue] = p
	}
	return pm, t, nil
}

// overrideInt applies a flag override, then the file column, then a default,
// for one integer concept-id field across all person records. flagSet
// reports whether the flag was given on the command line.
func (pm personMap) overrideInt(colPresent, flagSet bool, flagVal, defaultVal int64, name string, set func(*personRecord, sql.NullInt64)) {
	switch {
	case flagSet:
		if colPresent {
			log.Warnf("%s given as both a flag and a person file column; the flag value overrides the column", name)
		}
		for _, p := range pm {
			set(p, nullInt(flagVal))
		}
	case !colPresent:
		for _, p := range pm {
			set(p, nullInt(defaultVal))
		}
	}
}

func (pm personMap) overrideString(colPresent, flagSet bool, flagVal string, name string, set func(*personRecord, sql.NullString)) {
	if !flagSet {
		return
	}
	if colPresent {
		log.Warnf("%s given as both a flag and a person file column; the flag value overrides the column", name)
	}
	for _, p := range pm {
		set(p, nullStr(flagVal))
	}
}

// observationRef is the observation-table context joined into measurement
// rows for one person.
type observationRef struct {
	MeasurementEventID int64 // observation_id
	ObservationDate    string
	VisitOccurrenceID  sql.NullInt64
	VisitDetailID      sql.NullInt64
	ProviderID         sql.NullInt64
}

type observationMap map[int64]observationRef

func loadObservationMap(filename string) (observationMap, error) {
	t, err := loadCSVTable(filename)
	if err != nil {
		return nil, err
	}
	for _, col := range []string{"observation_id", "person_id", "observation_date"} {
		if !t.hasColumn(col) {
			return nil, fmt.Errorf("%s: observation file must contain observation_id, person_id and observation_date columns", filename)
		}
	}
	om := make(observationMap, len(t.Rows))
	for n, row := range t.Rows {
		personID, err := strconv.ParseInt(t.get(row, "person_id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad person_id in data row %d: %w", filename, n+1, err)
		}
		ref := observationRef{ObservationDate: t.get(row, "observation_date")}
		if ref.MeasurementEventID, err = strconv.ParseInt(t.get(row, "observation_id"), 10, 64); err != nil {
			return nil, fmt.Errorf("%s: bad observation_id in data row %d: %w", filename, n+1, err)
		}
		if ref.VisitOccurrenceID, err = parseNullInt(t.get(row, "visit_occurrence_id")); err != nil {
			return nil, fmt.Errorf("%s: bad visit_occurrence_id in data row %d: %w", filename, n+1, err)
		}
		if ref.VisitDetailID, err = parseNullInt(t.get(row, "visit_detail_id")); err != nil {
			return nil, fmt.Errorf("%s: bad visit_detail_id in data row %d: %w", filename, n+1, err)
		}
		if ref.ProviderID, err = parseNullInt(t.get(row, "provider_id")); err != nil {
			return nil, fmt.Errorf("%s: bad provider_id in data row %d: %w", filename, n+1, err)
		}
		om[personID] = ref
	}
	return om, nil
}

// specimenMap maps person_id to specimen_id.
type specimenMap map[int64]int64

func loadSpecimenMap(filename string) (specimenMap, error) {
	t, err := loadCSVTable(filename)
	if err != nil {
		return nil, err
	}
	if !t.hasColumn("specimen_id") || !t.hasColumn("person_id") {
		return nil, fmt.Errorf("%s: specimen file must contain specimen_id and person_id columns", filename)
	}
	sm := make(specimenMap, len(t.Rows))
	for n, row := range t.Rows {
		personID, err := strconv.ParseInt(t.get(row, "person_id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad person_id in data row %d: %w", filename, n+1, err)
		}
		specimenID, err := strconv.ParseInt(t.get(row, "specimen_id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad specimen_id in data row %d: %w", filename, n+1, err)
		}
		sm[personID] = specimenID
	}
	return sm, nil
}

// loadMeasurementContext loads the person, observation and specimen inputs
// shared by both measurement converters. The returned csvTable is the person
// table, so callers can apply flag overrides based on column presence.
func loadMeasurementContext(personFilename, obsFilename, specimenFilename string, db *omopDB) (*reshapeContext, *csvTable, error) {
	persons, personTable, err := loadPersonMap(personFilename, db)
	if err != nil {
		return nil, nil, err
	}
	obs, err := loadObservationMap(obsFilename)
	if err != nil {
		return nil, nil, err
	}
	specimens, err := loadSpecimenMap(specimenFilename)
	if err != nil {
		return nil, nil, err
	}
	return &reshapeContext{Persons: persons, Obs: obs, Specimens: specimens}, personTable, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// openOutput opens filename for writing, transparently compressing when the
// name ends in .gz. "-" writes to stdout.
func openOutput(stdout io.Writer, filename string) (io.WriteCloser, error) {
	if filename == "-" {
		return nopCloser{stdout}, nil
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(filename, ".gz") {
		return &gzWriteCloser{pgzip.NewWriter(f), f}, nil
	}
	return f, nil
}

type gzWriteCloser struct {
	*pgzip.Writer
	f *os.File
}

func (w *gzWriteCloser) Close() error {
	if err := w.Writer.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func writeCSVFile(stdout io.Writer, filename string, header []string, records [][]string) error {
	out, err := openOutput(stdout, filename)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		out.Close()
		return err
	}
	if err := w.WriteAll(records); err != nil {
		out.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func measurementCSV(rows []measurementRow) [][]string {
	records := make([][]string, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].csvRecord())
	}
	return records
}

func factRelationshipCSV(rows []factRelationshipRow) [][]string {
	records := make([][]string, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].csvRecord())
	}
	return records
}

func observationCSV(rows []observationRow) [][]string {
	records := make([][]string, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].csvRecord())
	}
	return records
}

func specimenCSV(rows []specimenRow) [][]string {
	records := make([][]string, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].csvRecord())
	}
	return records
}
