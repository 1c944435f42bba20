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

// Package blobwatch discovers new and changed blobs and hands each version
// to the handlers registered for its container. Candidates come from a
// one-time scan per container, from the store's change log, and from writers
// in this process calling Notify. A bounded recency set keeps a version from
// being dispatched twice.
package blobwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/workrunner/internal/backoff"
	"github.com/cardinalhq/workrunner/internal/blobstore"
	"github.com/cardinalhq/workrunner/internal/causality"
	"github.com/cardinalhq/workrunner/internal/logctx"
	"github.com/cardinalhq/workrunner/internal/notify"
	"github.com/cardinalhq/workrunner/internal/queuestore"
	"github.com/cardinalhq/workrunner/internal/retry"
)

// DefaultPoisonQueue receives candidates that kept failing.
const DefaultPoisonQueue = "blobtrigger-poison"

// Handler processes one blob version. A nil error marks it done.
type Handler func(ctx context.Context, obj blobstore.Object) error

// Source says where a candidate came from.
type Source string

const (
	SourceScan      Source = "scan"
	SourceChangeLog Source = "changelog"
	SourceNotify    Source = "notify"
	// SourceRefresh is a newer version found while checking a stale candidate.
	SourceRefresh Source = "refresh"
	SourceRetry   Source = "retry"
)

type Config struct {
	PollInterval  time.Duration
	DedupCapacity uint64
	DedupTTL      time.Duration
	// Concurrency bounds how many candidates are dispatched at once.
	Concurrency         int
	MaxDispatchFailures int
	// MinRetryDelay and MaxRetryDelay bound the wait before a failed
	// candidate or a failed container scan is tried again.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	Retry         retry.Policy
}

func DefaultConfig() Config {
	return Config{
		PollInterval:        10 * time.Second,
		DedupCapacity:       100_000,
		DedupTTL:            24 * time.Hour,
		Concurrency:         8,
		MaxDispatchFailures: 5,
		MinRetryDelay:       time.Second,
		MaxRetryDelay:       time.Minute,
		Retry:               retry.NoRetry(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DedupCapacity == 0 {
		c.DedupCapacity = d.DedupCapacity
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxDispatchFailures <= 0 {
		c.MaxDispatchFailures = d.MaxDispatchFailures
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = d.MinRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.Retry.Delay == nil && c.Retry.MaxAttempts == 0 {
		c.Retry = retry.NoRetry()
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.MinRetryDelay > c.MaxRetryDelay:
		return fmt.Errorf("min retry delay %s exceeds max %s", c.MinRetryDelay, c.MaxRetryDelay)
	case c.Retry.MaxAttempts < retry.Unlimited:
		return fmt.Errorf("retry max attempts %d is invalid", c.Retry.MaxAttempts)
	}
	return nil
}

// PoisonRecord is the message written for a candidate that exhausted its
// dispatch attempts.
type PoisonRecord struct {
	Container string `json:"container"`
	Name      string `json:"name"`
	ETag      string `json:"etag"`
	Error     string `json:"error"`
}

type candidate struct {
	container string
	name      string
	etag      string
	source    Source
	failures  int
	notBefore time.Time
}

func (c candidate) key() string {
	return c.container + "\x00" + c.name + "\x00" + c.etag
}

func candidateFrom(source Source, container, name, etag string) candidate {
	return candidate{
		container: containerKey(container),
		name:      name,
		etag:      blobstore.NormalizeETag(etag),
		source:    source,
	}
}

func containerKey(container string) string {
	return strings.ToLower(strings.TrimSpace(container))
}

type Option func(*Engine)

// WithPoisonQueue sets where exhausted candidates are written. Without it
// they are logged and dropped.
func WithPoisonQueue(q queuestore.Queue) Option {
	return func(e *Engine) { e.poison = q }
}

// WithBus announces poison writes to pollers in this process.
func WithBus(bus *notify.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithLogger(ll *slog.Logger) Option {
	return func(e *Engine) {
		if ll != nil {
			e.ll = ll
		}
	}
}

// Engine watches the containers of one blob store.
type Engine struct {
	store        blobstore.Store
	cfg          Config
	poison       queuestore.Queue
	bus          *notify.Bus
	ll           *slog.Logger
	failureDelay backoff.Exponential
	scanRetry    retry.Policy
	now          func() time.Time

	// mu guards handlers, pending and checkpoint. It is never held across
	// a store call or a handler.
	mu         sync.Mutex
	handlers   map[string][]Handler
	pending    []candidate
	checkpoint time.Time

	scanned  mapset.Set[string]
	scanning atomic.Int32
	scans    sync.WaitGroup
	// dispatch runs handlers, at most Concurrency at once. active counts
	// its occupied slots.
	dispatch errgroup.Group
	active   atomic.Int32
	// lastRead is when the change log was last read. Only Run touches it.
	lastRead time.Time
	seen     *ttlcache.Cache[string, struct{}]
	wake     chan struct{}
	running  atomic.Bool
}

func New(store blobstore.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("blobwatch: store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("blobwatch %s: %w", store.Account(), err)
	}

	delay := backoff.Exponential{Min: cfg.MinRetryDelay, Max: cfg.MaxRetryDelay, Jitter: 0.2}
	e := &Engine{
		store:        store,
		cfg:          cfg,
		ll:           slog.Default(),
		failureDelay: delay,
		scanRetry:    retry.Policy{MaxAttempts: retry.Unlimited, Delay: delay},
		now:          time.Now,
		handlers:     make(map[string][]Handler),
		scanned:      mapset.NewSet[string](),
		seen: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.DedupTTL),
			ttlcache.WithCapacity[string, struct{}](cfg.DedupCapacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		wake: make(chan struct{}, 1),
	}
	e.dispatch.SetLimit(cfg.Concurrency)
	for _, opt := range opts {
		opt(e)
	}
	e.ll = e.ll.With("component", "blobwatch", "account", store.Account())
	return e, nil
}

// Register adds h for container. Containers registered after Run starts are
// scanned on the next loop iteration.
func (e *Engine) Register(container string, h Handler) {
	if h == nil {
		return
	}
	key := containerKey(container)
	e.mu.Lock()
	e.handlers[key] = append(e.handlers[key], h)
	e.mu.Unlock()
	e.Wake()
}

// Containers lists the watched containers.
func (e *Engine) Containers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.handlers))
	for c := range e.handlers {
		out = append(out, c)
	}
	return out
}

// Notify queues obj for dispatch right away. Writers in this process call
// it after a successful write so the change log's lag is skipped.
func (e *Engine) Notify(obj blobstore.Object) {
	e.enqueue(context.Background(), SourceNotify, candidateFrom(SourceNotify, obj.Container, obj.Name, obj.ETag))
	e.Wake()
}

// Wake cuts the current wait short. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of candidates waiting in the drain queue.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) Running() bool { return e.running.Load() }

// enqueue appends candidates for watched containers and drops the rest.
func (e *Engine) enqueue(ctx context.Context, source Source, cands ...candidate) int {
	e.mu.Lock()
	added := 0
	for _, c := range cands {
		if _, ok := e.handlers[c.container]; !ok || c.name == "" {
			continue
		}
		e.pending = append(e.pending, c)
		added++
	}
	e.mu.Unlock()

	if added > 0 {
		candidatesCounter.Add(ctx, int64(added),
			metric.WithAttributes(attribute.String("source", string(source))))
	}
	return added
}

// putBack returns cands to the head of the drain queue.
func (e *Engine) putBack(cands ...candidate) {
	e.mu.Lock()
	e.pending = append(append([]candidate(nil), cands...), e.pending...)
	e.mu.Unlock()
}

// takeReady removes and returns every pending candidate due at now, in
// arrival order.
func (e *Engine) takeReady(now time.Time) []candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready, later []candidate
	for _, c := range e.pending {
		if c.notBefore.After(now) {
			later = append(later, c)
		} else {
			ready = append(ready, c)
		}
	}
	e.pending = later
	return ready
}

// nextDue is the earliest time a deferred candidate becomes ready.
func (e *Engine) nextDue() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var due time.Time
	for _, c := range e.pending {
		if due.IsZero() || c.notBefore.Before(due) {
			due = c.notBefore
		}
	}
	return due, len(e.pending) > 0
}

func (e *Engine) handlersFor(container string) []Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Handler(nil), e.handlers[container]...)
}

// Run discovers and dispatches until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.checkpoint.IsZero() {
		// Anything written earlier is found by the scans.
		e.checkpoint = e.now()
	}
	e.mu.Unlock()

	e.ll.Info("Starting blob watcher",
		slog.Duration("pollInterval", e.cfg.PollInterval),
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.Bool("poisonEnabled", e.poison != nil))
	e.running.Store(true)

	for {
		e.startScans(ctx)
		e.pollChangeLog(ctx)
		e.drain(ctx)
		if !e.wait(ctx) {
			break
		}
	}

	e.running.Store(false)
	e.scans.Wait()
	_ = e.dispatch.Wait()
	e.ll.Info("Blob watcher stopped", slog.Int("pending", e.Pending()))
	return nil
}

func (e *Engine) wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	d := e.cfg.PollInterval
	if !e.lastRead.IsZero() {
		d = min(d, max(e.lastRead.Add(e.cfg.PollInterval).Sub(e.now()), 0))
	}
	// With every slot busy, a finishing dispatch wakes the loop instead.
	if due, ok := e.nextDue(); ok && int(e.active.Load()) < e.cfg.Concurrency {
		d = min(d, max(due.Sub(e.now()), 0))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-e.wake:
	}
	return true
}

func (e *Engine) startScans(ctx context.Context) {
	for _, c := range e.Containers() {
		if !e.scanned.Add(c) {
			continue
		}
		e.scanning.Add(1)
		e.scans.Add(1)
		go func() {
			defer e.scans.Done()
			defer e.scanning.Add(-1)
			e.scan(ctx, c)
		}()
	}
}

// scan lists container once. A failed listing is retried from the start;
// candidates from the earlier attempt are deduplicated at dispatch.
func (e *Engine) scan(ctx context.Context, container string) {
	ll := e.ll.With(slog.String("container", container))
	ll.Info("Starting container scan")

	found := 0
	res := retry.Execute(logctx.WithLogger(ctx, ll), retry.Func[string](func(ctx context.Context, c string) error {
		err := e.store.List(ctx, c, func(objs []blobstore.Object) error {
			cands := make([]candidate, 0, len(objs))
			for _, o := range objs {
				cands = append(cands, candidateFrom(SourceScan, c, o.Name, o.ETag))
			}
			found += e.enqueue(ctx, SourceScan, cands...)
			e.Wake()
			return nil
		})
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return retry.Stop(ctx.Err())
		case errors.Is(err, blobstore.ErrNotFound):
			return retry.Stop(err)
		}
		ll.Warn("Container scan failed", slog.Any("error", err))
		return err
	}), container, e.scanRetry)

	switch {
	case res.Succeeded():
		ll.Info("Finished container scan", slog.Int("candidates", found))
	case errors.Is(res.Err, blobstore.ErrNotFound):
		ll.Info("Container does not exist yet, relying on the change log")
	default:
		ll.Debug("Container scan stopped", slog.Any("error", res.Err))
	}
}

func (e *Engine) pollChangeLog(ctx context.Context) {
	if ctx.Err() != nil || len(e.Containers()) == 0 {
		return
	}
	// Wakeups from finished dispatches do not each cost a read.
	now := e.now()
	if now.Sub(e.lastRead) < e.cfg.PollInterval {
		return
	}
	e.lastRead = now

	e.mu.Lock()
	since := e.checkpoint
	e.mu.Unlock()

	changes, next, err := e.store.ChangeLog(ctx, since)
	if err != nil && ctx.Err() == nil {
		e.ll.Warn("Failed to read change log", slog.Any("error", err))
	}

	cands := make([]candidate, 0, len(changes))
	for _, ch := range changes {
		cands = append(cands, candidateFrom(SourceChangeLog, ch.Container, ch.Name, ch.ETag))
	}
	e.enqueue(ctx, SourceChangeLog, cands...)

	// A failed read may have skipped entries older than next.
	if err == nil && next.After(since) {
		e.mu.Lock()
		e.checkpoint = next
		e.mu.Unlock()
	}
}

// drain hands ready candidates to the dispatch group without waiting for
// them, so discovery keeps its cadence while handlers run. Whatever does not
// fit in a free slot stays queued.
func (e *Engine) drain(ctx context.Context) {
	ready := e.takeReady(e.now())
	for i, c := range ready {
		if ctx.Err() != nil {
			e.putBack(ready[i:]...)
			return
		}
		e.active.Add(1)
		started := e.dispatch.TryGo(func() error {
			defer e.dispatched()
			e.process(ctx, c)
			return nil
		})
		if !started {
			e.active.Add(-1)
			e.putBack(ready[i:]...)
			return
		}
	}
}

func (e *Engine) dispatched() {
	e.active.Add(-1)
	e.Wake()
}

func (e *Engine) requeue(cands ...candidate) {
	e.mu.Lock()
	e.pending = append(e.pending, cands...)
	e.mu.Unlock()
}

func (e *Engine) process(ctx context.Context, c candidate) {
	handlers := e.handlersFor(c.container)
	if len(handlers) == 0 {
		return
	}

	obj, err := e.store.GetMetadata(ctx, c.container, c.name)
	if errors.Is(err, blobstore.ErrNotFound) {
		e.ll.Debug("Blob is gone, dropping candidate",
			slog.String("container", c.container), slog.String("name", c.name))
		e.recordResult(ctx, "gone")
		return
	}
	if err != nil {
		e.fail(ctx, c, fmt.Errorf("get metadata: %w", err), "")
		return
	}

	if c.etag == "" {
		c.etag = obj.ETag
	}
	if c.etag != obj.ETag {
		// Dispatch the current version instead, on the next pass.
		e.enqueue(ctx, SourceRefresh, candidateFrom(SourceRefresh, c.container, c.name, obj.ETag))
		e.Wake()
		e.recordResult(ctx, "stale")
		return
	}

	if c.failures == 0 {
		if _, found := e.seen.GetOrSet(c.key(), struct{}{}); found {
			duplicatesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(c.source))))
			return
		}
	}

	invocationID := causality.NewInvocationID()
	ctx = causality.WithInvocation(ctx, invocationID)
	ctx, ll := logctx.With(ctx,
		slog.String("container", c.container),
		slog.String("name", c.name),
		slog.String("etag", c.etag),
		slog.String("source", string(c.source)),
		slog.String("invocationId", invocationID))

	var errs *multierror.Error
	for _, h := range handlers {
		res := retry.Execute(ctx, retry.Func[blobstore.Object](h), obj, e.cfg.Retry)
		if res.Succeeded() {
			continue
		}
		var panicErr *retry.PanicError
		if errors.As(res.Err, &panicErr) {
			ll.Error("Blob handler panicked", slog.Any("error", res.Err), slog.String("stack", string(panicErr.Stack)))
		}
		errs = multierror.Append(errs, res.Err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		e.fail(ctx, c, err, invocationID)
		return
	}
	e.recordResult(ctx, "success")
}

// fail puts c back in the drain queue, or escalates it once it has failed
// MaxDispatchFailures times.
func (e *Engine) fail(ctx context.Context, c candidate, err error, invocationID string) {
	ll := logctx.FromContext(ctx)
	if ctx.Err() != nil {
		// Shutting down; not the candidate's fault.
		e.requeue(c)
		return
	}

	c.failures++
	if c.failures >= e.cfg.MaxDispatchFailures {
		e.escalate(ctx, c, err, invocationID)
		return
	}

	delay := e.failureDelay.NextDelay(c.failures - 1)
	ll.Warn("Blob dispatch failed, will retry",
		slog.String("container", c.container),
		slog.String("name", c.name),
		slog.Int("failures", c.failures),
		slog.Duration("delay", delay),
		slog.Any("error", err))
	c.source = SourceRetry
	c.notBefore = e.now().Add(delay)
	e.requeue(c)
	e.recordResult(ctx, "failed")
}

func (e *Engine) escalate(ctx context.Context, c candidate, cause error, invocationID string) {
	ll := logctx.FromContext(ctx).With(
		slog.String("container", c.container),
		slog.String("name", c.name),
		slog.Int("failures", c.failures))

	if e.poison == nil {
		ll.Error("Blob dispatch failed too many times, dropping", slog.Any("error", cause))
		e.recordResult(ctx, "dropped")
		return
	}

	body, err := json.Marshal(PoisonRecord{
		Container: c.container,
		Name:      c.name,
		ETag:      c.etag,
		Error:     cause.Error(),
	})
	if err != nil {
		ll.Error("Failed to encode blob poison record", slog.Any("error", err))
		return
	}
	body = causality.Stamp(invocationID, body)

	if _, err := e.poison.Enqueue(ctx, body); err != nil {
		// Keep it; the next failure escalates again.
		ll.Error("Failed to write blob poison record", slog.Any("error", err))
		c.notBefore = e.now().Add(e.cfg.MaxRetryDelay)
		e.requeue(c)
		return
	}
	if e.bus != nil {
		e.bus.Notify(e.poison.Name())
	}
	ll.Warn("Moved blob to poison queue", slog.String("poisonQueue", e.poison.Name()), slog.Any("error", cause))
	e.recordResult(ctx, "poisoned")
}

func (e *Engine) recordResult(ctx context.Context, result string) {
	dispatchedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
