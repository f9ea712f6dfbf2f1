// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"annotate-expression":    &expAnnotator{},
		"annotate-vcf":           &vcfAnnotator{},
		"expression2measurement": &expConverter{},
		"vcf2measurement":        &vcfConverter{},
		"create-specimen":        &specimenCreator{},
		"create-observation":     &observationCreator{},
		"insert-table":           &tableInserter{},
		"stats-expression":       &expressionStats{},
		"stats-genomic":          &genomicStats{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
