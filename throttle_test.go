// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"sync/atomic"
	"time"

	"gopkg.in/check.v1"
)

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestThrottle(c *check.C) {
	th := throttle{Max: 3}
	var inFlight, peak, done int64
	for i := 0; i < 50; i++ {
		th.Acquire()
		go func() {
			defer th.Release()
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			atomic.AddInt64(&done, 1)
		}()
	}
	th.Wait()
	c.Check(atomic.LoadInt64(&done), check.Equals, int64(50))
	c.Check(atomic.LoadInt64(&peak) <= 3, check.Equals, true,
		check.Commentf("peak=%d", atomic.LoadInt64(&peak)))
}
