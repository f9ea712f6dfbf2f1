// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/brentp/xopen"
)

// expressionStats implements the stats-expression subcommand: summarize how
// much of an annotated expression matrix (see annotate-expression) is mapped
// to OMOP concepts.
type expressionStats struct{}

func (cmd *expressionStats) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "annotated expression `file` (.csv, see annotate-expression)")
	outputFilename := flags.String("o", "-", "output `file`")
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
	if *inputFilename == "" {
		flags.Usage()
		err = fmt.Errorf("-in is required")
		return 1
	}

	var ret struct {
		Genes    int
		Mapped   int
		Unmapped int
		Subjects int
	}
	t, err := loadCSVTable(*inputFilename)
	if err != nil {
		return 1
	}
	if len(t.Columns) < 2 {
		err = fmt.Errorf("%s: expected an identifier column plus concept_id, got %d columns", *inputFilename, len(t.Columns))
		return 1
	}
	if t.Columns[1] != "concept_id" {
		err = fmt.Errorf("%s: second column is %q, want concept_id", *inputFilename, t.Columns[1])
		return 1
	}
	ret.Genes = len(t.Rows)
	ret.Subjects = len(t.Columns) - 2
	for _, row := range t.Rows {
		if len(row) > 1 && strings.TrimSpace(row[1]) != "" {
			ret.Mapped++
		} else {
			ret.Unmapped++
		}
	}
	err = writeStats(stdout, *outputFilename, &ret)
	if err != nil {
		return 1
	}
	return 0
}

// genomicStats implements the stats-genomic subcommand: summarize the
// OMOP_Concept_IDs and OMOP_Error annotations of an annotated VCF (see
// annotate-vcf).
type genomicStats struct{}

func (cmd *genomicStats) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "annotated VCF `file` (.vcf or .vcf.gz, see annotate-vcf)")
	outputFilename := flags.String("o", "-", "output `file`")
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
	if *inputFilename == "" {
		flags.Usage()
		err = fmt.Errorf("-in is required")
		return 1
	}

	fh, err := xopen.Ropen(*inputFilename)
	if err != nil {
		return 1
	}
	ret, err := genomicStatsOf(fh)
	fh.Close()
	if err != nil {
		return 1
	}
	err = writeStats(stdout, *outputFilename, ret)
	if err != nil {
		return 1
	}
	return 0
}

type genomicStatsResult struct {
	Records         int
	Samples         int
	MappedAlleles   int
	UnmappedAlleles int
	Errors          int
}

func genomicStatsOf(input io.Reader) (*genomicStatsResult, error) {
	var ret genomicStatsResult
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 1<<20), 1<<28)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#CHROM") {
			if fields := strings.Split(line, "\t"); len(fields) > 9 {
				ret.Samples = len(fields) - 9
			}
			continue
		} else if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return nil, fmt.Errorf("malformed record with %d fields: %q", len(fields), line)
		}
		ret.Records++
		info := fields[7]
		if infoValue(info, infoError) != "" {
			ret.Errors++
		}
		ids := infoValue(info, infoConceptIDs)
		if ids == "" {
			continue
		}
		for _, tok := range strings.Split(ids, ",") {
			if strings.TrimSpace(tok) == unmappedSentinel {
				ret.UnmappedAlleles++
			} else {
				ret.MappedAlleles++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func writeStats(stdout io.Writer, filename string, v interface{}) error {
	output, err := openOutput(stdout, filename)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "\t")
	if err := enc.Encode(v); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}
