// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package backoff holds the wait-time strategies used by the queue poller
// (grow while polls come back empty, reset when work shows up) and by the
// retry executor (delay by attempt number).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// PollStrategy maps the outcome of the last poll to the wait before the next one.
// Implementations are owned by a single poll loop and are not safe for concurrent use.
type PollStrategy interface {
	// Next returns the wait before the next poll. foundWork reports whether
	// the poll that just completed returned any items.
	Next(foundWork bool) time.Duration
	// Current returns the most recently computed wait without changing state.
	Current() time.Duration
}

// DelayStrategy maps a zero-based retry attempt to the wait before the next attempt.
// Implementations are stateless and safe for concurrent use.
type DelayStrategy interface {
	NextDelay(attempt int) time.Duration
}

// maxShift keeps 2^n well inside int64 nanoseconds.
const maxShift = 30

// Fixed waits the same interval no matter what.
type Fixed struct {
	Interval time.Duration
}

var (
	_ PollStrategy  = (*Fixed)(nil)
	_ DelayStrategy = Fixed{}
)

func (f *Fixed) Next(bool) time.Duration { return f.Interval }
func (f *Fixed) Current() time.Duration  { return f.Interval }

func (f Fixed) NextDelay(int) time.Duration { return f.Interval }

// Exponential is the retry delay min(Max, Min*2^attempt), optionally
// spread by +/- Jitter (a fraction, 0.2 = 20%) and then clamped to [Min, Max].
type Exponential struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64
}

var _ DelayStrategy = Exponential{}

func (e Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := scale(e.Min, attempt)
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter > 0 && d > 0 {
		spread := float64(d) * e.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
		if d < e.Min {
			d = e.Min
		}
		if e.Max > 0 && d > e.Max {
			d = e.Max
		}
	}
	return d
}

// RandomizedExponential is the adaptive poll interval. Each empty poll grows
// the interval by (2^n - 1) * delta, where delta is randomized to +/-20% of
// the minimum; any poll that finds work resets it to the minimum.
// The interval never shrinks across consecutive empty polls and never exceeds Max.
type RandomizedExponential struct {
	min      time.Duration
	max      time.Duration
	current  time.Duration
	failures int
	rnd      func() float64
}

var _ PollStrategy = (*RandomizedExponential)(nil)

// NewRandomizedExponential builds a poll strategy bounded by [minInterval, maxInterval].
// A non-positive minimum is treated as 1ms and a maximum below the minimum is raised to it.
func NewRandomizedExponential(minInterval, maxInterval time.Duration) *RandomizedExponential {
	if minInterval <= 0 {
		minInterval = time.Millisecond
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &RandomizedExponential{
		min:     minInterval,
		max:     maxInterval,
		current: minInterval,
		rnd:     rand.Float64,
	}
}

func (r *RandomizedExponential) Next(foundWork bool) time.Duration {
	if foundWork {
		r.failures = 0
		r.current = r.min
		return r.current
	}

	if r.current >= r.max {
		r.current = r.max
		return r.current
	}

	if r.failures < maxShift {
		r.failures++
	}
	delta := float64(r.min) * (0.8 + 0.4*r.rnd())
	grow := (math.Pow(2, float64(r.failures)) - 1) * delta
	next := time.Duration(math.Min(float64(r.min)+grow, float64(r.max)))
	if next < r.current {
		next = r.current
	}
	r.current = next
	return r.current
}

func (r *RandomizedExponential) Current() time.Duration { return r.current }

// Min and Max expose the configured bounds.
func (r *RandomizedExponential) Min() time.Duration { return r.min }
func (r *RandomizedExponential) Max() time.Duration { return r.max }

func scale(base time.Duration, attempt int) time.Duration {
	if attempt > maxShift {
		attempt = maxShift
	}
	if base <= 0 {
		return 0
	}
	if base > time.Duration(math.MaxInt64>>uint(attempt)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(attempt)
}
