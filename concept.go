// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// conceptMapping maps a domain key (gene symbol or VRS allele id) to its
// OMOP concept id. 0 means the key could not be mapped: the API returned
// non-200, the body had no concept_id, or the request failed. Immutable once
// returned from a mapping run.
type conceptMapping map[string]int64

const (
	conceptLookupWorkers = 8
	conceptLookupTimeout = 10 * time.Second
)

// retryingHTTPClient returns the shared transport for concept lookups: up to
// 5 attempts with backoff doubling from 500ms, retrying server-side (5xx)
// failures and transport errors only. 4xx and malformed bodies are final.
func retryingHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = conceptLookupTimeout
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 500, nil
	}
	return rc.StandardClient()
}

// conceptClient resolves domain identifiers against the ODmapper concept
// API. The underlying *http.Client (and its retry policy) is shared
// read-only across all concurrent lookups.
type conceptClient struct {
	baseURL     string
	client      *http.Client
	maxInFlight int
}

// newConceptClient wraps the given transport; a nil client gets the default
// retrying transport.
func newConceptClient(baseURL string, client *http.Client) *conceptClient {
	if client == nil {
		client = retryingHTTPClient()
	}
	return &conceptClient{baseURL: baseURL, client: client, maxInFlight: conceptLookupWorkers}
}

// geneURL templates a gene symbol lookup: GET {base}{gene}.
func (cc *conceptClient) geneURL(gene string) string {
	return cc.baseURL + gene
}

// synonymURL templates a VRS allele id lookup: GET {base}/synonym/{id}/.
func (cc *conceptClient) synonymURL(vrsID string) string {
	return strings.TrimSuffix(cc.baseURL, "/") + "/synonym/" + vrsID + "/"
}

// lookup issues one GET and extracts concept_id from the JSON body.
// Every failure mode maps to 0; lookups never abort a batch.
func (cc *conceptClient) lookup(url, key string) int64 {
	resp, err := cc.client.Get(url)
	if err != nil {
		log.Warnf("concept lookup failed for %s: %s", key, err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warnf("concept lookup for %s: unexpected status %d", key, resp.StatusCode)
		return 0
	}
	var body struct {
		ConceptID *int64 `json:"concept_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Warnf("concept lookup for %s: undecodable body: %s", key, err)
		return 0
	}
	if body.ConceptID == nil {
		return 0
	}
	return *body.ConceptID
}

// mapConceptIDs resolves all keys concurrently (bounded by maxInFlight) and
// returns the complete mapping only after every key has resolved or failed.
// Results are written into a slice indexed by submission order, so there are
// no write races and the mapping is deterministic for a fixed response set.
func (cc *conceptClient) mapConceptIDs(keys []string, urlFor func(string) string) conceptMapping {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			unique = append(unique, key)
		}
	}

	start := time.Now()
	log.Infof("fetching concept ids for %d keys", len(unique))
	results := make([]int64, len(unique))
	var done int64
	throttle := throttle{Max: cc.maxInFlight}
	for i, key := range unique {
		i, key := i, key
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			results[i] = cc.lookup(urlFor(key), key)
			if n := atomic.AddInt64(&done, 1); n%1000 == 0 {
				log.Infof("... %d/%d keys resolved", n, len(unique))
			}
		}()
	}
	throttle.Wait()

	mapping := make(conceptMapping, len(unique))
	mapped := 0
	for i, key := range unique {
		mapping[key] = results[i]
		if results[i] != 0 {
			mapped++
		}
	}
	elapsed := time.Since(start)
	rate := float64(len(unique)) / elapsed.Seconds()
	log.Infof("resolved %d keys (%d mapped, %d unmapped) in %v (%.1f keys/s)",
		len(unique), mapped, len(unique)-mapped, elapsed.Round(time.Millisecond), rate)
	return mapping
}

func (cc *conceptClient) mapGeneConceptIDs(genes []string) conceptMapping {
	return cc.mapConceptIDs(genes, cc.geneURL)
}

func (cc *conceptClient) mapAlleleConceptIDs(vrsIDs []string) conceptMapping {
	return cc.mapConceptIDs(vrsIDs, cc.synonymURL)
}

// saveConceptMapping serializes a mapping artifact so an annotation run can
// be reused without refetching.
func saveConceptMapping(w io.Writer, m conceptMapping) error {
	return gob.NewEncoder(w).Encode(m)
}

func loadConceptMapping(r io.Reader) (conceptMapping, error) {
	var m conceptMapping
	if err := gob.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return m, nil
}
