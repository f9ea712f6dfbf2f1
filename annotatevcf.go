// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brentp/vcfgo"
	"github.com/brentp/xopen"
	log "github.com/sirupsen/logrus"
)

const (
	infoConceptIDs = "OMOP_Concept_IDs"
	infoError      = "OMOP_Error"
	infoVRSIDs     = "VRS_Allele_IDs"

	unmappedSentinel = "-"
)

// vcfEscaper encodes the characters that are reserved inside a VCF INFO
// value, for error messages stored in OMOP_Error.
var vcfEscaper = strings.NewReplacer(
	"%", "%25",
	";", "%3B",
	",", "%2C",
	"\r", "%0D",
	"\n", "%0A",
)

// vcfAnnotator implements the annotate-vcf subcommand: for every record it
// resolves the VRS_Allele_IDs INFO entries to OMOP concept ids and writes
// them back as an OMOP_Concept_IDs INFO entry (one id per REF/ALT allele,
// "-" when unmapped), and/or collects the whole mapping into a gob artifact.
type vcfAnnotator struct{}

func (cmd *vcfAnnotator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("in", "", "input VCF `file` carrying VRS_Allele_IDs INFO annotations (.vcf or .vcf.gz)")
	outputFilename := flags.String("o", "", "output `file` for the annotated VCF")
	mappingFilename := flags.String("output-mapping", "", "also save the VRS-id-to-concept-id mapping to `file` (gob)")
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
	if *inputFilename == "" || *apiURL == "" {
		flags.Usage()
		err = fmt.Errorf("-in and -api are required")
		return 1
	}
	if *outputFilename == "" && *mappingFilename == "" {
		err = fmt.Errorf("at least one of -o and -output-mapping is required")
		return 1
	}

	fh, err := xopen.Ropen(*inputFilename)
	if err != nil {
		return 1
	}
	defer fh.Close()
	rdr, err := vcfgo.NewReader(fh, true)
	if err != nil {
		return 1
	}

	cc := newConceptClient(*apiURL, nil)
	mapping, variants := annotateVariants(rdr, cc)

	if *outputFilename != "" {
		rdr.Header.Infos[infoConceptIDs] = &vcfgo.Info{
			Id:          infoConceptIDs,
			Number:      "R",
			Type:        "String",
			Description: "The mapped OMOP Genomic concept_id corresponding to the GT indexes of the REF and ALT alleles",
		}
		rdr.Header.Infos[infoError] = &vcfgo.Info{
			Id:          infoError,
			Number:      ".",
			Type:        "String",
			Description: "If an error occurred during mapping to OMOP concept id, the error message",
		}
		out, err2 := openOutput(stdout, *outputFilename)
		if err2 != nil {
			err = err2
			return 1
		}
		wtr, err2 := vcfgo.NewWriter(out, rdr.Header)
		if err2 != nil {
			out.Close()
			err = err2
			return 1
		}
		for _, v := range variants {
			wtr.WriteVariant(v)
		}
		if err = out.Close(); err != nil {
			return 1
		}
		log.Infof("wrote %d annotated records to %s", len(variants), *outputFilename)
	}

	if *mappingFilename != "" {
		out, err2 := openOutput(stdout, *mappingFilename)
		if err2 != nil {
			err = err2
			return 1
		}
		if err = saveConceptMapping(out, mapping); err != nil {
			out.Close()
			return 1
		}
		if err = out.Close(); err != nil {
			return 1
		}
		log.Infof("saved mapping for %d VRS allele ids to %s", len(mapping), *mappingFilename)
	}
	return 0
}

// annotateVariants reads every record, annotates them concurrently, and
// returns them in original input order. Records are processed under an
// outer throttle and each record's allele lookups under an inner one, so at
// most vcfAnnotateWorkers * conceptLookupWorkers requests are in flight
// against the API. The batch always runs to completion: per-allele failures
// become "-" entries, never an abort.
func annotateVariants(rdr *vcfgo.Reader, cc *conceptClient) (conceptMapping, []*vcfgo.Variant) {
	var variants []*vcfgo.Variant
	for {
		v := rdr.Read()
		if v == nil {
			break
		}
		variants = append(variants, v)
		rdr.Clear()
	}

	start := time.Now()
	log.Infof("annotating %d VCF records", len(variants))
	mapping := conceptMapping{}
	var mappingMtx sync.Mutex

	outer := throttle{Max: conceptLookupWorkers}
	for _, v := range variants {
		v := v
		outer.Acquire()
		go func() {
			defer outer.Release()
			annotateRecord(v, cc, mapping, &mappingMtx)
		}()
	}
	outer.Wait()

	elapsed := time.Since(start)
	log.Infof("annotated %d records in %v (%.1f records/s)",
		len(variants), elapsed.Round(time.Millisecond), float64(len(variants))/elapsed.Seconds())
	return mapping, variants
}

// annotateRecord resolves one record's VRS allele ids and sets the
// OMOP_Concept_IDs INFO entry, or OMOP_Error when the record carries no
// usable allele ids. Failed lookups become the "-" sentinel.
func annotateRecord(v *vcfgo.Variant, cc *conceptClient, mapping conceptMapping, mtx *sync.Mutex) {
	raw := infoValue(string(v.Info().Bytes()), infoVRSIDs)
	if raw == "" {
		v.Info().Set(infoError, vcfEscaper.Replace("record has no "+infoVRSIDs+" INFO field"))
		return
	}
	vrsIDs := strings.Split(raw, ",")

	inner := throttle{Max: conceptLookupWorkers}
	if len(vrsIDs) < inner.Max {
		inner.Max = len(vrsIDs)
	}
	results := make([]int64, len(vrsIDs))
	for i, vrsID := range vrsIDs {
		if vrsID == unmappedSentinel || vrsID == "" {
			continue
		}
		i, vrsID := i, vrsID
		inner.Acquire()
		go func() {
			defer inner.Release()
			results[i] = cc.lookup(cc.synonymURL(vrsID), vrsID)
		}()
	}
	inner.Wait()

	tokens := make([]string, len(vrsIDs))
	mtx.Lock()
	for i, vrsID := range vrsIDs {
		if results[i] == 0 {
			tokens[i] = unmappedSentinel
		} else {
			tokens[i] = strconv.FormatInt(results[i], 10)
		}
		if vrsID != unmappedSentinel && vrsID != "" {
			mapping[vrsID] = results[i]
		}
	}
	mtx.Unlock()
	v.Info().Set(infoConceptIDs, strings.Join(tokens, ","))
}
