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

// Package heartbeat runs a callback periodically until stopped. The queue
// poller uses it to keep leases alive while a handler runs.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrStop returned from a HeartbeatFunc ends the loop without logging.
var ErrStop = errors.New("heartbeat: stop")

// HeartbeatFunc is the function signature for heartbeat callbacks
type HeartbeatFunc func(ctx context.Context) error

// StopFunc cancels the loop and blocks until it has exited, so no beat can
// start after StopFunc returns.
type StopFunc func()

// Heartbeater manages periodic execution of a heartbeat function
type Heartbeater struct {
	heartbeatFunc HeartbeatFunc
	ll            *slog.Logger
	interval      time.Duration
	initialDelay  time.Duration
	delayed       bool
}

type Option func(*Heartbeater)

// WithInitialDelay waits d before the first beat instead of beating
// immediately on start.
func WithInitialDelay(d time.Duration) Option {
	return func(h *Heartbeater) {
		if d < 0 {
			d = 0
		}
		h.initialDelay = d
		h.delayed = true
	}
}

// New creates a new generic heartbeater with the given callback function
func New(heartbeatFunc HeartbeatFunc, interval time.Duration, logger *slog.Logger, opts ...Option) *Heartbeater {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	h := &Heartbeater{
		heartbeatFunc: heartbeatFunc,
		ll:            logger.With("component", "heartbeater"),
		interval:      interval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins the heartbeat process in a goroutine.
func (h *Heartbeater) Start(ctx context.Context) StopFunc {
	heartbeatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.run(heartbeatCtx)
	}()

	return func() {
		cancel()
		<-done
	}
}

func (h *Heartbeater) run(ctx context.Context) {
	h.ll.Debug("Starting heartbeat loop", "interval", h.interval, "initialDelay", h.initialDelay)

	first := time.Duration(0)
	if h.delayed {
		first = h.initialDelay
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.ll.Debug("Context cancelled, stopping heartbeat loop")
			return
		case <-timer.C:
			if !h.sendHeartbeat(ctx) {
				return
			}
			timer.Reset(h.interval)
		}
	}
}

// sendHeartbeat reports whether the loop should continue.
func (h *Heartbeater) sendHeartbeat(ctx context.Context) bool {
	err := h.heartbeatFunc(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrStop):
		h.ll.Debug("Heartbeat asked to stop")
		return false
	case ctx.Err() != nil:
		return false
	default:
		h.ll.Error("Failed to send heartbeat (continuing)", slog.Any("error", err))
		return true
	}
}
