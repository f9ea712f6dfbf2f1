// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"bytes"
	"net/http/httptest"
	"os"

	"gopkg.in/check.v1"
)

type annotateSuite struct{}

var _ = check.Suite(&annotateSuite{})

const vrsVCF = `##fileformat=VCFv4.2
##INFO=<ID=VRS_Allele_IDs,Number=R,Type=String,Description="VRS allele ids for REF and ALT">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
1	100	rs1	A	G	.	PASS	VRS_Allele_IDs=ga4gh:VA.ref1,ga4gh:VA.alt1
1	200	rs2	C	T	.	PASS	VRS_Allele_IDs=ga4gh:VA.ref2,ga4gh:VA.alt2
1	300	rs3	G	GA	.	PASS	DP=9
`

func (s *annotateSuite) TestAnnotateVCF(c *check.C) {
	srv := httptest.NewServer(conceptAPIStub(map[string]int64{
		"ga4gh:VA.ref1": 35977588,
		"ga4gh:VA.alt1": 36714896,
		"ga4gh:VA.alt2": 35977591,
	}))
	defer srv.Close()

	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/in.vcf", []byte(vrsVCF), 0644)
	c.Assert(err, check.IsNil)

	var stderr bytes.Buffer
	exited := (&vcfAnnotator{}).RunCommand("annotate-vcf", []string{
		"-in", tmpdir + "/in.vcf",
		"-o", tmpdir + "/out.vcf",
		"-output-mapping", tmpdir + "/mapping.gob",
		"-api", srv.URL + "/",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	out, err := os.ReadFile(tmpdir + "/out.vcf")
	c.Assert(err, check.IsNil)
	c.Check(string(out), check.Matches, `(?ms).*##INFO=<ID=OMOP_Concept_IDs,.*`)
	c.Check(string(out), check.Matches, `(?ms).*OMOP_Concept_IDs=35977588,36714896.*`)
	// unmapped alleles become "-" entries, record order is preserved
	c.Check(string(out), check.Matches, `(?ms).*OMOP_Concept_IDs=-,35977591.*`)
	// a record without VRS ids carries an error, not concept ids
	c.Check(string(out), check.Matches, `(?ms).*OMOP_Error=.*`)

	f, err := os.Open(tmpdir + "/mapping.gob")
	c.Assert(err, check.IsNil)
	defer f.Close()
	mapping, err := loadConceptMapping(f)
	c.Assert(err, check.IsNil)
	c.Check(mapping, check.DeepEquals, conceptMapping{
		"ga4gh:VA.ref1": 35977588,
		"ga4gh:VA.alt1": 36714896,
		"ga4gh:VA.ref2": 0,
		"ga4gh:VA.alt2": 35977591,
	})
}

func (s *annotateSuite) TestAnnotateVCFRequiresOutput(c *check.C) {
	var stderr bytes.Buffer
	exited := (&vcfAnnotator{}).RunCommand("annotate-vcf", []string{
		"-in", "x.vcf", "-api", "http://127.0.0.1:1/",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*-o.*-output-mapping.*`)
}

func (s *annotateSuite) TestVCFEscaper(c *check.C) {
	c.Check(vcfEscaper.Replace("a;b,c%d\r\n"), check.Equals, "a%3Bb%2Cc%25d%0D%0A")
}

func (s *annotateSuite) TestAnnotateExpression(c *check.C) {
	srv := httptest.NewServer(conceptAPIStub(map[string]int64{
		"BRCA2": 4084765,
		"TP53":  4083207,
	}))
	defer srv.Close()

	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/in.csv", []byte("gene,S1,S2\nBRCA2,1.5,2.5\nNOSUCH,3.5,4.5\nTP53,5.5,\n"), 0644)
	c.Assert(err, check.IsNil)

	var stderr bytes.Buffer
	exited := (&expAnnotator{}).RunCommand("annotate-expression", []string{
		"-in", tmpdir + "/in.csv",
		"-o", tmpdir + "/out.csv",
		"-api", srv.URL + "/",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	out, err := os.ReadFile(tmpdir + "/out.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(out), check.Equals,
		"gene,concept_id,S1,S2\nBRCA2,4084765,1.5,2.5\nNOSUCH,,3.5,4.5\nTP53,4083207,5.5,\n")

	m, concepts, err := loadAnnotatedExpression(tmpdir + "/out.csv")
	c.Assert(err, check.IsNil)
	c.Check(m.IDs, check.DeepEquals, []string{"BRCA2", "NOSUCH", "TP53"})
	c.Check(m.Samples, check.DeepEquals, []string{"S1", "S2"})
	c.Check(concepts["BRCA2"], check.Equals, int64(4084765))
	c.Check(concepts["NOSUCH"], check.Equals, int64(0))
	c.Check(m.Values[0], check.DeepEquals, []float64{1.5, 2.5})
}
