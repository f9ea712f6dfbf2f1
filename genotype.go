// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type genotypeStatus int

const (
	genotypeMissing genotypeStatus = iota
	genotypePositive
	genotypeNegative
)

func (s genotypeStatus) String() string {
	switch s {
	case genotypePositive:
		return "positive"
	case genotypeNegative:
		return "negative"
	default:
		return "Missing"
	}
}

// genotypeCall is one sample's decoded genotype evaluated against a tested
// allele. Alleles holds the literal allele strings in genotype order, with
// "." standing in for an index that could not be resolved against REF/ALT.
// A Missing call has no allele decomposition.
type genotypeCall struct {
	Alleles []string
	Status  genotypeStatus
}

// String renders the call in the annotated-matrix encoding, e.g.
// "A/G_positive" or "Missing".
func (c genotypeCall) String() string {
	if c.Status == genotypeMissing {
		return "Missing"
	}
	return strings.Join(c.Alleles, "/") + "_" + c.Status.String()
}

// parseGenotypeCall inverts String. The status token is the part after the
// last underscore, so allele literals containing underscores survive the
// round trip.
func parseGenotypeCall(s string) genotypeCall {
	if s == "" || s == "Missing" {
		return genotypeCall{Status: genotypeMissing}
	}
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		switch s[i+1:] {
		case "positive":
			return genotypeCall{Alleles: strings.Split(s[:i], "/"), Status: genotypePositive}
		case "negative":
			return genotypeCall{Alleles: strings.Split(s[:i], "/"), Status: genotypeNegative}
		}
	}
	return genotypeCall{Status: genotypeMissing}
}

// decodeGenotype maps a raw GT string to literal alleles using the ordered
// list [REF] + ALT. Missing encodings (-1, ., ./. in either separator style)
// and genotypes without a separator return nil. Out-of-range or non-numeric
// allele indices resolve to ".".
func decodeGenotype(raw string, alleles []string) []string {
	gt := strings.ReplaceAll(strings.TrimSpace(raw), "|", "/")
	switch gt {
	case "-1", ".", "./.":
		return nil
	}
	if !strings.Contains(gt, "/") {
		return nil
	}
	indices := strings.Split(gt, "/")
	decoded := make([]string, len(indices))
	for i, tok := range indices {
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= len(alleles) {
			decoded[i] = "."
			continue
		}
		decoded[i] = alleles[idx]
	}
	return decoded
}

// evaluateGenotype scores a decoded genotype against the allele under test:
// positive when present, negative when absent, Missing when the genotype had
// no allele decomposition.
func evaluateGenotype(decoded []string, allele string) genotypeCall {
	if decoded == nil {
		return genotypeCall{Status: genotypeMissing}
	}
	status := genotypeNegative
	for _, a := range decoded {
		if a == allele {
			status = genotypePositive
			break
		}
	}
	return genotypeCall{Alleles: decoded, Status: status}
}

// genotypeRow is one (variant, tested allele) pair across all samples.
type genotypeRow struct {
	ID        string // "{variant_id}_{allele}"
	ConceptID int64
	Calls     []genotypeCall
}

// genotypeTable is the row = variant-allele, column = sample matrix produced
// from an annotated VCF.
type genotypeTable struct {
	Samples []string
	Rows    []genotypeRow
}

// conceptIDs builds the row-id to concept-id mapping for the reshape phase.
func (t *genotypeTable) conceptIDs() conceptMapping {
	m := make(conceptMapping, len(t.Rows))
	for _, row := range t.Rows {
		m[row.ID] = row.ConceptID
	}
	return m
}

// convertVCFGenotypes streams an OMOP-annotated VCF into a genotype table.
// Sample order comes from the #CHROM header line (column 10 onward); concept
// ids come from the OMOP_Concept_IDs INFO annotation, one id per REF/ALT
// allele in order, "-" marking an unmapped allele. Rows for unmapped alleles
// are not emitted. When FORMAT carries no GT sub-field the record is an
// error unless assumeGTFirst is set, which restores the historical behavior
// of reading the first sub-field.
func convertVCFGenotypes(rdr io.Reader, assumeGTFirst bool) (*genotypeTable, error) {
	table := &genotypeTable{}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<28)
	lineno := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineno++
		if strings.HasPrefix(line, "#CHROM") {
			header := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
			if len(header) > 9 {
				table.Samples = header[9:]
			}
			continue
		} else if strings.HasPrefix(line, "#") {
			continue
		}
		if table.Samples == nil {
			return nil, fmt.Errorf("line %d: data line before #CHROM header", lineno)
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 9 {
			return nil, fmt.Errorf("line %d: malformed VCF record (%d fields)", lineno, len(fields))
		}
		varID, ref, alt := fields[2], fields[3], fields[4]
		info, format := fields[7], fields[8]

		gtIndex := -1
		for i, sub := range strings.Split(format, ":") {
			if sub == "GT" {
				gtIndex = i
				break
			}
		}
		if gtIndex < 0 {
			if !assumeGTFirst {
				return nil, fmt.Errorf("line %d: FORMAT has no GT sub-field (rerun with -assume-gt-first to read the first sub-field)", lineno)
			}
			gtIndex = 0
		}

		altAlleles := strings.Split(alt, ",")
		alleles := append([]string{ref}, altAlleles...)

		decoded := make([][]string, len(table.Samples))
		for i, sampleField := range fields[9:] {
			if i >= len(decoded) {
				return nil, fmt.Errorf("line %d: more sample columns than #CHROM header names", lineno)
			}
			subs := strings.Split(sampleField, ":")
			if gtIndex >= len(subs) {
				continue // no GT value: stays missing
			}
			decoded[i] = decodeGenotype(subs[gtIndex], alleles)
		}

		ids := strings.Split(infoValue(info, infoConceptIDs), ",")
		refID := "-"
		var altIDs []string
		if len(ids) >= 1 {
			refID = ids[0]
		}
		if len(ids) > 1 {
			altIDs = ids[1:]
		}

		if conceptID, err := strconv.ParseInt(refID, 10, 64); err == nil {
			table.Rows = append(table.Rows, makeGenotypeRow(varID, ref, conceptID, decoded))
		}
		for i, altAllele := range altAlleles {
			if i >= len(altIDs) {
				break
			}
			conceptID, err := strconv.ParseInt(altIDs[i], 10, 64)
			if err != nil {
				continue
			}
			table.Rows = append(table.Rows, makeGenotypeRow(varID, altAllele, conceptID, decoded))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if table.Samples == nil {
		return nil, fmt.Errorf("input has no #CHROM header line")
	}
	return table, nil
}

func makeGenotypeRow(varID, allele string, conceptID int64, decoded [][]string) genotypeRow {
	row := genotypeRow{
		ID:        varID + "_" + allele,
		ConceptID: conceptID,
		Calls:     make([]genotypeCall, len(decoded)),
	}
	for i, d := range decoded {
		row.Calls[i] = evaluateGenotype(d, allele)
	}
	return row
}

// infoValue extracts one key's value from a raw VCF INFO field.
func infoValue(info, key string) string {
	for _, item := range strings.Split(info, ";") {
		if eq := strings.IndexByte(item, '='); eq >= 0 && item[:eq] == key {
			return item[eq+1:]
		}
	}
	return ""
}
