// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle implements the loop-pacing helper shared by the filter
// and sink stages: a utility that guarantees each iteration of a loop takes
// at least a configured minimum duration.
package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttler paces a loop to a minimum period per iteration. It is built on
// a token-bucket limiter with burst size 1, which for a fixed refill rate
// degenerates to exactly the "sleep until the next tick is due" behavior of
// a flat per-iteration sleep: the limiter never accumulates more than one
// iteration's worth of credit, so Wait always blocks until at least period
// has elapsed since the previous call.
type Throttler struct {
	limiter *rate.Limiter
}

// New creates a Throttler enforcing a minimum of period per Wait call. A
// non-positive period disables pacing entirely.
func New(period time.Duration) *Throttler {
	if period <= 0 {
		return &Throttler{}
	}
	return &Throttler{limiter: rate.NewLimiter(rate.Every(period), 1)}
}

// Wait blocks until the configured minimum period has elapsed since the
// previous Wait call. The first call returns at once.
func (t *Throttler) Wait(ctx context.Context) {
	if t.limiter == nil {
		return
	}
	_ = t.limiter.Wait(ctx)
}
