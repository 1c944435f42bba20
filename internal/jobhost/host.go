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

// Package jobhost is the registration table that ties handlers to queue
// pollers and the blob watcher, and hands handlers writers whose output
// carries causality and wakes local consumers.
package jobhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/workrunner/internal/blobstore"
	"github.com/cardinalhq/workrunner/internal/blobwatch"
	"github.com/cardinalhq/workrunner/internal/notify"
	"github.com/cardinalhq/workrunner/internal/queuepoll"
	"github.com/cardinalhq/workrunner/internal/queuestore"
)

// ErrNoBlobStore is returned by blob registrations on a host built without one.
var ErrNoBlobStore = errors.New("jobhost: no blob store configured")

type Config struct {
	Queue queuepoll.Config
	Blob  blobwatch.Config
	// BlobPoisonQueue receives blob candidates that kept failing.
	BlobPoisonQueue string
}

func DefaultConfig() Config {
	return Config{
		Queue:           queuepoll.DefaultConfig(),
		Blob:            blobwatch.DefaultConfig(),
		BlobPoisonQueue: blobwatch.DefaultPoisonQueue,
	}
}

// ReadinessRegistry receives one probe per listener, reporting whether it runs.
type ReadinessRegistry interface {
	AddProbe(name string, probe func() bool)
}

type Option func(*Host)

func WithBlobStore(store blobstore.Store) Option {
	return func(h *Host) { h.blobs = store }
}

// WithBus shares a notification bus, for example with another host.
func WithBus(bus *notify.Bus) Option {
	return func(h *Host) {
		if bus != nil {
			h.bus = bus
		}
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(h *Host) {
		if ll != nil {
			h.ll = ll
		}
	}
}

func WithReadiness(r ReadinessRegistry) Option {
	return func(h *Host) { h.readiness = r }
}

// Host owns the listeners of one process.
type Host struct {
	queues    queuestore.Client
	blobs     blobstore.Store
	cfg       Config
	bus       *notify.Bus
	ll        *slog.Logger
	readiness ReadinessRegistry

	mu      sync.Mutex
	pollers []*queuepoll.Poller
	engine  *blobwatch.Engine
	warned  map[string]bool
}

func New(queues queuestore.Client, cfg Config, opts ...Option) (*Host, error) {
	if queues == nil {
		return nil, errors.New("jobhost: queue client is required")
	}
	if cfg.BlobPoisonQueue == "" {
		cfg.BlobPoisonQueue = blobwatch.DefaultPoisonQueue
	}
	h := &Host{
		queues: queues,
		cfg:    cfg,
		bus:    notify.NewBus(),
		ll:     slog.Default(),
		warned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Bus is the host's notification bus.
func (h *Host) Bus() *notify.Bus { return h.bus }

// HandleQueue registers handler for queue. Failing to open the queue is
// reported here, before anything runs. A queue whose poison queue name is
// unusable still runs, without poison escalation.
func (h *Host) HandleQueue(ctx context.Context, queue string, handler queuepoll.Handler) (*queuepoll.Poller, error) {
	q, err := h.queues.Queue(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", queue, err)
	}

	opts := []queuepoll.Option{queuepoll.WithBus(h.bus), queuepoll.WithLogger(h.ll)}
	if poisonName, ok := queuestore.PoisonQueueName(queue, h.queues.MaxQueueNameLength()); ok {
		pq, err := h.queues.Queue(ctx, poisonName)
		if err != nil {
			return nil, fmt.Errorf("open poison queue %s: %w", poisonName, err)
		}
		opts = append(opts, queuepoll.WithPoisonQueue(pq))
	} else {
		h.warnOnce(queue, "Poison escalation disabled for queue",
			slog.String("queue", queue),
			slog.Bool("isPoisonQueue", queuestore.IsPoisonQueue(queue)),
			slog.Int("maxNameLength", h.queues.MaxQueueNameLength()))
	}

	p, err := queuepoll.New(q, handler, h.cfg.Queue, opts...)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.pollers = append(h.pollers, p)
	h.mu.Unlock()
	if h.readiness != nil {
		h.readiness.AddProbe("queue:"+q.Name(), p.Running)
	}
	return p, nil
}

// HandleBlob registers handler for every new blob version in container.
func (h *Host) HandleBlob(ctx context.Context, container string, handler blobwatch.Handler) error {
	engine, err := h.blobEngine(ctx)
	if err != nil {
		return err
	}
	engine.Register(container, handler)
	return nil
}

func (h *Host) blobEngine(ctx context.Context) (*blobwatch.Engine, error) {
	if h.blobs == nil {
		return nil, ErrNoBlobStore
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.engine != nil {
		return h.engine, nil
	}

	poison, err := h.queues.Queue(ctx, h.cfg.BlobPoisonQueue)
	if err != nil {
		return nil, fmt.Errorf("open blob poison queue %s: %w", h.cfg.BlobPoisonQueue, err)
	}
	engine, err := blobwatch.New(h.blobs, h.cfg.Blob,
		blobwatch.WithPoisonQueue(poison),
		blobwatch.WithBus(h.bus),
		blobwatch.WithLogger(h.ll))
	if err != nil {
		return nil, err
	}
	h.engine = engine
	if h.readiness != nil {
		h.readiness.AddProbe("blobs:"+h.blobs.Account(), engine.Running)
	}
	return engine, nil
}

func (h *Host) warnOnce(key, msg string, attrs ...any) {
	h.mu.Lock()
	seen := h.warned[key]
	h.warned[key] = true
	h.mu.Unlock()
	if !seen {
		h.ll.Warn(msg, attrs...)
	}
}

// Run starts every registered listener and blocks until ctx is done. One
// listener returning early does not stop the others.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	pollers := append([]*queuepoll.Poller(nil), h.pollers...)
	engine := h.engine
	h.mu.Unlock()

	if len(pollers) == 0 && engine == nil {
		return errors.New("jobhost: nothing registered")
	}

	var g errgroup.Group
	for _, p := range pollers {
		g.Go(func() error {
			if err := p.Run(ctx); err != nil {
				h.ll.Error("Queue poller failed", slog.String("queue", p.Name()), slog.Any("error", err))
				return err
			}
			return nil
		})
	}
	if engine != nil {
		g.Go(func() error {
			if err := engine.Run(ctx); err != nil {
				h.ll.Error("Blob watcher failed", slog.Any("error", err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Close releases the store clients.
func (h *Host) Close() error {
	var result *multierror.Error
	if err := h.queues.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close queue client: %w", err))
	}
	if h.blobs != nil {
		if err := h.blobs.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close blob store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
