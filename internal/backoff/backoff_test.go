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

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomizedExponential_MonotonicAndBounded(t *testing.T) {
	s := NewRandomizedExponential(100*time.Millisecond, 5*time.Second)

	prev := s.Current()
	assert.Equal(t, 100*time.Millisecond, prev)

	for i := 0; i < 50; i++ {
		next := s.Next(false)
		assert.GreaterOrEqual(t, next, prev, "interval shrank on empty poll %d", i)
		assert.LessOrEqual(t, next, 5*time.Second, "interval exceeded max on poll %d", i)
		prev = next
	}
	assert.Equal(t, 5*time.Second, s.Current(), "should settle at the max")
}

func TestRandomizedExponential_ResetOnWork(t *testing.T) {
	s := NewRandomizedExponential(50*time.Millisecond, time.Second)
	for i := 0; i < 10; i++ {
		s.Next(false)
	}
	require.Greater(t, s.Current(), 50*time.Millisecond)

	assert.Equal(t, 50*time.Millisecond, s.Next(true))
	assert.Equal(t, 50*time.Millisecond, s.Current())

	// Growth restarts from the minimum.
	assert.Less(t, s.Next(false), time.Second)
}

func TestRandomizedExponential_DeterministicGrowth(t *testing.T) {
	s := NewRandomizedExponential(100*time.Millisecond, time.Hour)
	s.rnd = func() float64 { return 0.5 } // delta == min

	// min + (2^n - 1) * min
	assert.Equal(t, 200*time.Millisecond, s.Next(false))
	assert.Equal(t, 400*time.Millisecond, s.Next(false))
	assert.Equal(t, 800*time.Millisecond, s.Next(false))
}

func TestRandomizedExponential_BadBounds(t *testing.T) {
	s := NewRandomizedExponential(0, -1)
	assert.Equal(t, time.Millisecond, s.Min())
	assert.Equal(t, time.Millisecond, s.Max())
	assert.Equal(t, time.Millisecond, s.Next(false))
}

func TestExponential_NextDelay(t *testing.T) {
	e := Exponential{Min: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_JitterStaysInBounds(t *testing.T) {
	e := Exponential{Min: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := e.NextDelay(attempt)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.LessOrEqual(t, d, time.Second)
		}
	}
}

func TestExponential_HugeBaseDoesNotOverflow(t *testing.T) {
	e := Exponential{Min: 24 * time.Hour}
	assert.Greater(t, e.NextDelay(60), time.Duration(0))
}

func TestFixed(t *testing.T) {
	f := &Fixed{Interval: 3 * time.Second}
	assert.Equal(t, 3*time.Second, f.Next(false))
	assert.Equal(t, 3*time.Second, f.Next(true))
	assert.Equal(t, 3*time.Second, f.Current())
	assert.Equal(t, 3*time.Second, Fixed{Interval: 3 * time.Second}.NextDelay(7))
}
