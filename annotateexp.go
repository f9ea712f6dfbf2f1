// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
)

// expAnnotator implements the annotate-expression subcommand: it attaches a
// concept_id column to a wide gene-by-sample expression matrix by querying
// the concept API for every gene in the first column.
type expAnnotator struct{}

func (cmd *expAnnotator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "input `file` with genes in rows and samples in columns (.csv or .csv.gz)")
	outputFilename := flags.String("o", "", "output `file` for the annotated expression matrix")
	apiURL := flags.String("api", "", "concept mapping API base `url`")
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
	if *inputFilename == "" || *outputFilename == "" || *apiURL == "" {
		flags.Usage()
		err = fmt.Errorf("-in, -o and -api are required")
		return 1
	}

	t, err := loadCSVTable(*inputFilename)
	if err != nil {
		return 1
	}
	if len(t.Columns) < 2 {
		err = fmt.Errorf("%s: expected an identifier column plus at least one sample column", *inputFilename)
		return 1
	}

	genes := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) > 0 {
			genes = append(genes, row[0])
		}
	}
	cc := newConceptClient(*apiURL, nil)
	mapping := cc.mapGeneConceptIDs(genes)

	header := append([]string{t.Columns[0], "concept_id"}, t.Columns[1:]...)
	records := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) == 0 {
			continue
		}
		conceptCell := ""
		if id := mapping[row[0]]; id != 0 {
			conceptCell = strconv.FormatInt(id, 10)
		}
		records = append(records, append([]string{row[0], conceptCell}, row[1:]...))
	}
	err = writeCSVFile(stdout, *outputFilename, header, records)
	if err != nil {
		return 1
	}
	return 0
}

// loadAnnotatedExpression reads the matrix produced by annotate-expression:
// first column identifier, second column concept_id, remaining columns one
// per sample. Unparseable or empty cells become NaN.
func loadAnnotatedExpression(filename string) (*expressionMatrix, conceptMapping, error) {
	t, err := loadCSVTable(filename)
	if err != nil {
		return nil, nil, err
	}
	if len(t.Columns) < 2 || t.Columns[1] != "concept_id" {
		return nil, nil, fmt.Errorf("%s: second column must be 'concept_id' (run annotate-expression first)", filename)
	}
	m := &expressionMatrix{
		IDColumn: t.Columns[0],
		Samples:  t.Columns[2:],
	}
	concepts := make(conceptMapping, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) == 0 {
			continue
		}
		id := row[0]
		m.IDs = append(m.IDs, id)
		conceptID, _ := strconv.ParseInt(t.get(row, "concept_id"), 10, 64)
		concepts[id] = conceptID
		values := make([]float64, len(m.Samples))
		for j := range m.Samples {
			values[j] = math.NaN()
			if j+2 < len(row) {
				if v, err := strconv.ParseFloat(normalizeNull(row[j+2]), 64); err == nil {
					values[j] = v
				}
			}
		}
		m.Values = append(m.Values, values)
	}
	return m, concepts, nil
}
