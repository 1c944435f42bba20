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

package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeater_BasicOperation(t *testing.T) {
	var callCount int64

	heartbeater := New(func(ctx context.Context) error {
		atomic.AddInt64(&callCount, 1)
		return nil
	}, 20*time.Millisecond, nil)
	stop := heartbeater.Start(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&callCount) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeater_InitialHeartbeat(t *testing.T) {
	var callCount int64

	heartbeater := New(func(ctx context.Context) error {
		atomic.AddInt64(&callCount, 1)
		return nil
	}, time.Hour, nil)
	stop := heartbeater.Start(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&callCount) == 1
	}, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, int64(1), atomic.LoadInt64(&callCount))
}

func TestHeartbeater_InitialDelay(t *testing.T) {
	var callCount int64

	heartbeater := New(func(ctx context.Context) error {
		atomic.AddInt64(&callCount, 1)
		return nil
	}, time.Hour, nil, WithInitialDelay(time.Hour))
	stop := heartbeater.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	stop()
	assert.Equal(t, int64(0), atomic.LoadInt64(&callCount), "no beat before the initial delay")
}

func TestHeartbeater_StopWaitsForInFlightBeat(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	heartbeater := New(func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return ErrStop
	}, time.Hour, nil)
	stop := heartbeater.Start(context.Background())

	<-started
	stop()
	assert.True(t, finished.Load(), "stop returns only after the running beat completes")
}

func TestHeartbeater_ContextCancellation(t *testing.T) {
	var callCount int64

	ctx, parentCancel := context.WithCancel(context.Background())
	heartbeater := New(func(ctx context.Context) error {
		atomic.AddInt64(&callCount, 1)
		return nil
	}, 10*time.Millisecond, nil)
	stop := heartbeater.Start(ctx)

	time.Sleep(25 * time.Millisecond)
	parentCancel()
	stop()

	callsBeforeStop := atomic.LoadInt64(&callCount)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsBeforeStop, atomic.LoadInt64(&callCount), "Should stop calling after context cancellation")
}

func TestHeartbeater_HeartbeatErrorContinues(t *testing.T) {
	var callCount int64

	heartbeater := New(func(ctx context.Context) error {
		if atomic.AddInt64(&callCount, 1) == 2 {
			return errors.New("heartbeat failed")
		}
		return nil
	}, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	stop := heartbeater.Start(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&callCount) >= 4
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeater_ErrStopEndsLoop(t *testing.T) {
	var callCount int64

	heartbeater := New(func(ctx context.Context) error {
		atomic.AddInt64(&callCount, 1)
		return ErrStop
	}, 5*time.Millisecond, nil)
	stop := heartbeater.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	stop()
	assert.Equal(t, int64(1), atomic.LoadInt64(&callCount))
}

func TestHeartbeater_StopTwice(t *testing.T) {
	heartbeater := New(func(ctx context.Context) error { return nil }, time.Hour, nil)
	stop := heartbeater.Start(context.Background())
	require.NotPanics(t, func() {
		stop()
		stop()
	})
}
