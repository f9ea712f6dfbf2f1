// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"sync"
)

// throttle is a counting semaphore bounding the number of in-flight
// goroutines. Concept lookups and per-record VCF annotation both run under
// one; lookup failures degrade to unmapped results, so workers have no
// errors to report.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	setupOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Wait() {
	t.wg.Wait()
}
