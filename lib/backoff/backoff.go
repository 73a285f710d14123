/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backoff implements a decorrelated-jitter retry strategy. No other
// package in this module calls it; the session registry has no reconnect
// path.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Backoff computes successive delays using the "decorrelated jitter"
// algorithm (AWS Architecture Blog, "Exponential Backoff And Jitter").
type Backoff struct {
	base time.Duration
	cap  time.Duration
	clock clockwork.Clock

	prev time.Duration
}

// Decorr returns a Backoff bounded to [base, cap], using the real clock.
func Decorr(base, cap time.Duration) *Backoff {
	return DecorrWithClock(base, cap, clockwork.NewRealClock())
}

// DecorrWithClock is Decorr with an injectable clock, for deterministic
// tests.
func DecorrWithClock(base, cap time.Duration, clock clockwork.Clock) *Backoff {
	return &Backoff{base: base, cap: cap, clock: clock, prev: base}
}

// Duration returns the next delay without sleeping.
func (b *Backoff) Duration() time.Duration {
	// sleep = min(cap, random_between(base, prev*3))
	upper := b.prev * 3
	if upper < b.base {
		upper = b.base
	}
	if upper > b.cap {
		upper = b.cap
	}
	span := upper - b.base
	next := b.base
	if span > 0 {
		next += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if next > b.cap {
		next = b.cap
	}
	b.prev = next
	return next
}

// Do sleeps for the next computed delay, or returns ctx.Err() if ctx is
// cancelled first.
func (b *Backoff) Do(ctx context.Context) error {
	d := b.Duration()
	timer := b.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Reset returns the backoff to its initial state.
func (b *Backoff) Reset() {
	b.prev = b.base
}
