// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// tableInserter implements the insert-table subcommand: any previously
// generated CSV table in, one bulk database insert out. The CSV header names
// the target columns; empty cells become SQL NULL.
type tableInserter struct{}

func (cmd *tableInserter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "table `file` to insert (.csv or .csv.gz)")
	table := flags.String("table", "", "target `table` name, e.g. measurement")
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
	if *inputFilename == "" || *table == "" {
		flags.Usage()
		err = fmt.Errorf("-in and -table are required")
		return 1
	}

	t, err := loadCSVTable(*inputFilename)
	if err != nil {
		return 1
	}
	db, err := openOMOPDB()
	if err != nil {
		return 1
	}
	defer db.Close()

	rows := make([][]interface{}, 0, len(t.Rows))
	for _, row := range t.Rows {
		rowArgs := make([]interface{}, len(t.Columns))
		for i := range t.Columns {
			if i < len(row) {
				if cell := normalizeNull(row[i]); cell != "" {
					rowArgs[i] = cell
				}
			}
		}
		rows = append(rows, rowArgs)
	}
	log.Infof("inserting %d rows from %s into %s", len(rows), *inputFilename, *table)
	if err = db.insertRows(*table, t.Columns, rows); err != nil {
		return 1
	}
	return 0
}
