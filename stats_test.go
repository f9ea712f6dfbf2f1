// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type statsSuite struct{}

var _ = check.Suite(&statsSuite{})

func (s *statsSuite) TestGenomicStats(c *check.C) {
	in := `##fileformat=VCFv4.2
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
1	100	rs1	A	G	.	.	OMOP_Concept_IDs=11,22
1	200	rs2	C	T	.	.	OMOP_Concept_IDs=-,33
1	300	rs3	G	GA	.	.	OMOP_Error=record%20has%20no%20ids
`
	ret, err := genomicStatsOf(strings.NewReader(in))
	c.Assert(err, check.IsNil)
	c.Check(ret.Records, check.Equals, 3)
	c.Check(ret.Samples, check.Equals, 0)
	c.Check(ret.MappedAlleles, check.Equals, 3)
	c.Check(ret.UnmappedAlleles, check.Equals, 1)
	c.Check(ret.Errors, check.Equals, 1)
}

func (s *statsSuite) TestGenomicStatsSamples(c *check.C) {
	in := "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tS1\tS2\n" +
		"1\t100\trs1\tA\tG\t.\t.\tOMOP_Concept_IDs=11,22\tGT\t0/1\t1/1\n"
	ret, err := genomicStatsOf(strings.NewReader(in))
	c.Assert(err, check.IsNil)
	c.Check(ret.Samples, check.Equals, 2)
	c.Check(ret.Records, check.Equals, 1)
}

func (s *statsSuite) TestExpressionStatsCommand(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/in.csv",
		[]byte("gene,concept_id,S1,S2\nBRCA2,4084765,1.5,2.5\nNOSUCH,,3.5,4.5\n"), 0644)
	c.Assert(err, check.IsNil)

	var stdout, stderr bytes.Buffer
	exited := (&expressionStats{}).RunCommand("stats-expression", []string{
		"-in", tmpdir + "/in.csv",
	}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	var ret struct {
		Genes, Mapped, Unmapped, Subjects int
	}
	c.Assert(json.Unmarshal(stdout.Bytes(), &ret), check.IsNil)
	c.Check(ret.Genes, check.Equals, 2)
	c.Check(ret.Mapped, check.Equals, 1)
	c.Check(ret.Unmapped, check.Equals, 1)
	c.Check(ret.Subjects, check.Equals, 2)
}

func (s *statsSuite) TestExpressionStatsRejectsUnannotated(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/in.csv", []byte("gene,S1\nBRCA2,1.5\n"), 0644)
	c.Assert(err, check.IsNil)

	var stderr bytes.Buffer
	exited := (&expressionStats{}).RunCommand("stats-expression", []string{
		"-in", tmpdir + "/in.csv",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*want concept_id.*`)
}
