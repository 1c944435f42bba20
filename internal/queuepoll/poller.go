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

// Package queuepoll delivers messages from one queue to a handler: it fetches
// in batches, keeps leases alive while handlers run, releases failed items
// for an earlier retry, escalates exhausted items to a poison queue, and
// adapts its polling interval to how often work shows up.
package queuepoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/workrunner/internal/backoff"
	"github.com/cardinalhq/workrunner/internal/causality"
	"github.com/cardinalhq/workrunner/internal/heartbeat"
	"github.com/cardinalhq/workrunner/internal/logctx"
	"github.com/cardinalhq/workrunner/internal/notify"
	"github.com/cardinalhq/workrunner/internal/queuestore"
	"github.com/cardinalhq/workrunner/internal/retry"
)

// Handler processes one message. A nil error deletes the message.
type Handler func(ctx context.Context, msg *queuestore.Message) error

// Config holds the per-queue delivery settings.
type Config struct {
	BatchSize         int
	NewBatchThreshold int
	// MaxDequeueCount is the number of deliveries a message may fail before
	// it is moved to the poison queue.
	MaxDequeueCount    int64
	VisibilityTimeout  time.Duration
	MinPollingInterval time.Duration
	MaxPollingInterval time.Duration
	// RenewalMargin is how long before lease expiry a renewal is sent.
	RenewalMargin       time.Duration
	MaxReleaseDelay     time.Duration
	ShutdownGracePeriod time.Duration
	// StoreCallTimeout bounds each delete/release/poison store call.
	StoreCallTimeout time.Duration
	Retry            retry.Policy
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           16,
		NewBatchThreshold:   8,
		MaxDequeueCount:     5,
		VisibilityTimeout:   30 * time.Second,
		MinPollingInterval:  100 * time.Millisecond,
		MaxPollingInterval:  time.Minute,
		RenewalMargin:       15 * time.Second,
		MaxReleaseDelay:     30 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		StoreCallTimeout:    30 * time.Second,
		Retry:               retry.NoRetry(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.NewBatchThreshold <= 0 {
		c.NewBatchThreshold = (c.BatchSize + 1) / 2
	}
	if c.MaxDequeueCount <= 0 {
		c.MaxDequeueCount = d.MaxDequeueCount
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.MinPollingInterval <= 0 {
		c.MinPollingInterval = d.MinPollingInterval
	}
	if c.MaxPollingInterval <= 0 {
		c.MaxPollingInterval = d.MaxPollingInterval
	}
	if c.RenewalMargin <= 0 {
		c.RenewalMargin = c.VisibilityTimeout / 2
	}
	if c.MaxReleaseDelay <= 0 {
		c.MaxReleaseDelay = d.MaxReleaseDelay
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = d.ShutdownGracePeriod
	}
	if c.StoreCallTimeout <= 0 {
		c.StoreCallTimeout = d.StoreCallTimeout
	}
	if c.Retry.Delay == nil && c.Retry.MaxAttempts == 0 {
		c.Retry = retry.NoRetry()
	}
	return c
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch {
	case c.NewBatchThreshold > c.BatchSize:
		return fmt.Errorf("new batch threshold %d exceeds batch size %d", c.NewBatchThreshold, c.BatchSize)
	case c.MinPollingInterval > c.MaxPollingInterval:
		return fmt.Errorf("min polling interval %s exceeds max %s", c.MinPollingInterval, c.MaxPollingInterval)
	case c.RenewalMargin >= c.VisibilityTimeout:
		return fmt.Errorf("renewal margin %s must be shorter than visibility timeout %s", c.RenewalMargin, c.VisibilityTimeout)
	case c.Retry.MaxAttempts < retry.Unlimited:
		return fmt.Errorf("retry max attempts %d is invalid", c.Retry.MaxAttempts)
	}
	return nil
}

// Option configures a Poller.
type Option func(*Poller)

// WithPoisonQueue enables poison escalation into q. Without it, exhausted
// messages are released like any other failure and left for the store's TTL.
func WithPoisonQueue(q queuestore.Queue) Option {
	return func(p *Poller) {
		p.poison = q
	}
}

// WithBus lets producers in this process wake the poller through bus.
func WithBus(bus *notify.Bus) Option {
	return func(p *Poller) {
		p.bus = bus
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(p *Poller) {
		if ll != nil {
			p.ll = ll
		}
	}
}

// WithPollStrategy replaces the randomized exponential poll interval.
func WithPollStrategy(s backoff.PollStrategy) Option {
	return func(p *Poller) {
		p.strategy = s
	}
}

// Poller runs the fetch/dispatch/wait loop for one queue.
type Poller struct {
	queue    queuestore.Queue
	poison   queuestore.Queue
	handler  Handler
	cfg      Config
	strategy backoff.PollStrategy
	bus      *notify.Bus
	ll       *slog.Logger

	// storeRetry governs delete, release and poison writes.
	storeRetry   retry.Policy
	renewRetry   retry.Policy
	releaseDelay backoff.Exponential

	wake     chan struct{}
	slotFree chan struct{}
	inFlight atomic.Int64
	wg       sync.WaitGroup
	running  atomic.Bool

	// poisoned holds ids whose poison record was written but whose delete
	// from the primary queue has not yet succeeded.
	poisoned *ttlcache.Cache[string, struct{}]
}

func New(queue queuestore.Queue, handler Handler, cfg Config, opts ...Option) (*Poller, error) {
	if queue == nil {
		return nil, errors.New("queuepoll: queue is required")
	}
	if handler == nil {
		return nil, errors.New("queuepoll: handler is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queuepoll %s: %w", queue.Name(), err)
	}

	p := &Poller{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		ll:      slog.Default(),
		storeRetry: retry.Policy{
			MaxAttempts: 3,
			Delay:       backoff.Exponential{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
		},
		renewRetry:   renewRetryPolicy(cfg.RenewalMargin),
		releaseDelay: backoff.Exponential{Min: cfg.MinPollingInterval, Max: cfg.MaxReleaseDelay},
		wake:         make(chan struct{}, 1),
		slotFree:     make(chan struct{}, 1),
		poisoned: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](time.Hour),
			ttlcache.WithCapacity[string, struct{}](10_000),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.strategy == nil {
		p.strategy = backoff.NewRandomizedExponential(cfg.MinPollingInterval, cfg.MaxPollingInterval)
	}
	p.ll = p.ll.With("component", "queuepoll", "queue", queue.Name())
	return p, nil
}

func (p *Poller) Name() string { return p.queue.Name() }

// InFlight is the number of dispatched messages whose handling has not finished.
func (p *Poller) InFlight() int64 { return p.inFlight.Load() }

// Running reports whether the loop is accepting work.
func (p *Poller) Running() bool { return p.running.Load() }

// Wake cuts the current wait short. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done, then waits up to the shutdown grace period for
// in-flight handlers before tearing down their lease renewals.
func (p *Poller) Run(ctx context.Context) error {
	if p.bus != nil {
		unregister := p.bus.Register(p.queue.Name(), p.Wake)
		defer unregister()
	}

	// Handlers and renewals outlive ctx so that shutdown can drain them.
	base := context.WithoutCancel(ctx)
	handlerCtx, cancelHandlers := context.WithCancel(base)
	renewCtx, cancelRenewals := context.WithCancel(base)
	defer cancelHandlers()
	defer cancelRenewals()

	p.ll.Info("Starting queue poller",
		slog.Int("batchSize", p.cfg.BatchSize),
		slog.Int("newBatchThreshold", p.cfg.NewBatchThreshold),
		slog.Int64("maxDequeueCount", p.cfg.MaxDequeueCount),
		slog.Bool("poisonEnabled", p.poison != nil))
	p.running.Store(true)

	for {
		interval := p.pollOnce(ctx, handlerCtx, renewCtx)
		if !p.wait(ctx, interval) {
			break
		}
	}

	p.running.Store(false)
	p.drain(cancelHandlers, cancelRenewals)
	return nil
}

// pollOnce fetches when there is room and returns the wait before the next
// iteration. Only fetch results move the poll interval; a fetch error keeps it.
func (p *Poller) pollOnce(ctx, handlerCtx, renewCtx context.Context) time.Duration {
	inFlight := int(p.inFlight.Load())
	if inFlight >= p.cfg.NewBatchThreshold {
		return p.strategy.Current()
	}

	msgs, err := p.queue.FetchBatch(ctx, p.cfg.BatchSize-inFlight, p.cfg.VisibilityTimeout)
	if err != nil {
		if ctx.Err() == nil {
			p.ll.Warn("Failed to fetch messages", slog.Any("error", err),
				slog.Bool("transient", queuestore.IsTransient(err)))
		}
		return p.strategy.Current()
	}

	if len(msgs) > 0 {
		fetchedCounter.Add(ctx, int64(len(msgs)),
			metric.WithAttributes(attribute.String("queue", p.queue.Name())))
	}
	for _, msg := range msgs {
		p.dispatch(handlerCtx, renewCtx, msg)
	}

	interval := p.strategy.Next(len(msgs) > 0)
	pollIntervalHist.Record(ctx, interval.Seconds(),
		metric.WithAttributes(attribute.String("queue", p.queue.Name())))
	return interval
}

func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-p.wake:
	case <-p.slotFree:
	}
	return true
}

func (p *Poller) drain(cancelHandlers, cancelRenewals context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	n := p.inFlight.Load()
	if n > 0 {
		p.ll.Info("Waiting for in-flight messages", slog.Int64("inFlight", n),
			slog.Duration("gracePeriod", p.cfg.ShutdownGracePeriod))
	}

	timer := time.NewTimer(p.cfg.ShutdownGracePeriod)
	defer timer.Stop()
	select {
	case <-done:
		p.ll.Info("Queue poller stopped")
	case <-timer.C:
		p.ll.Warn("Shutdown grace period elapsed, abandoning leases",
			slog.Int64("inFlight", p.inFlight.Load()))
		cancelRenewals()
		cancelHandlers()
	}
}

func (p *Poller) dispatch(handlerCtx, renewCtx context.Context, msg *queuestore.Message) {
	p.inFlight.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finished()
		p.process(handlerCtx, renewCtx, msg)
	}()
}

func (p *Poller) finished() {
	if p.inFlight.Add(-1) == int64(p.cfg.NewBatchThreshold-1) {
		select {
		case p.slotFree <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) process(ctx, renewCtx context.Context, msg *queuestore.Message) {
	parent, _ := causality.ExtractParent(msg.Body)
	invocationID := causality.NewInvocationID()
	ctx = causality.WithParent(causality.WithInvocation(ctx, invocationID), parent)
	ctx, ll := logctx.With(ctx,
		slog.String("queue", p.queue.Name()),
		slog.String("messageId", msg.ID),
		slog.Int64("dequeueCount", msg.DequeueCount),
		slog.String("invocationId", invocationID),
		slog.String("parentId", parent))

	lease := newLeaseState(msg.PopReceipt, msg.NextVisibleAt)
	stopRenewal := p.startRenewal(logctx.WithLogger(renewCtx, ll), msg, lease)

	start := time.Now()
	res := retry.Execute(ctx, retry.Func[*queuestore.Message](p.handler), msg, p.cfg.Retry)
	handlerDurationHist.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("queue", p.queue.Name()),
			attribute.Bool("success", res.Succeeded())))

	// No renewal may run once the terminal store call starts.
	stopRenewal()

	if !res.Succeeded() && ctx.Err() != nil {
		// Cut off by the shutdown grace period. The lease lapses and the
		// message is redelivered without counting against its budget here.
		ll.Warn("Handler interrupted by shutdown, leaving lease to lapse", slog.Any("error", res.Err))
		p.recordCompletion(ctx, "abandoned")
		return
	}

	p.complete(ctx, msg, lease.receipt(), res)
}

func (p *Poller) complete(ctx context.Context, msg *queuestore.Message, receipt string, res retry.Result) {
	ll := logctx.FromContext(ctx)

	if res.Succeeded() {
		if err := p.storeCall(ctx, func(ctx context.Context) error {
			return p.queue.Delete(ctx, msg.ID, receipt)
		}); err != nil {
			ll.Error("Failed to delete completed message", slog.Any("error", err))
			p.recordCompletion(ctx, "delete_failed")
			return
		}
		p.recordCompletion(ctx, "success")
		return
	}

	var panicErr *retry.PanicError
	if errors.As(res.Err, &panicErr) {
		ll.Error("Handler panicked", slog.Any("error", res.Err), slog.String("stack", string(panicErr.Stack)))
	} else {
		ll.Warn("Handler failed", slog.Any("error", res.Err), slog.Int("invocations", res.Invocations))
	}

	if p.poison != nil && msg.DequeueCount > p.cfg.MaxDequeueCount {
		p.escalate(ctx, msg, receipt, res.Err)
		return
	}

	delay := p.releaseDelay.NextDelay(int(msg.DequeueCount - 1))
	if err := p.storeCall(ctx, func(ctx context.Context) error {
		return p.queue.ReleaseEarly(ctx, msg.ID, receipt, delay)
	}); err != nil {
		// The lease will lapse on its own.
		ll.Warn("Failed to release failed message", slog.Any("error", err))
	}
	p.recordCompletion(ctx, "released")
}

// escalate writes the poison record and then deletes the original. A crash or
// failed delete between the two steps can duplicate the poison record but
// cannot lose it.
func (p *Poller) escalate(ctx context.Context, msg *queuestore.Message, receipt string, cause error) {
	ll := logctx.FromContext(ctx)

	if !p.poisoned.Has(msg.ID) {
		rec := queuestore.PoisonRecord{
			OriginalQueue: p.queue.Name(),
			MessageID:     msg.ID,
			DequeueCount:  msg.DequeueCount,
			InsertedAt:    msg.InsertedAt,
			FailedAt:      time.Now(),
			Body:          msg.Body,
		}
		if cause != nil {
			rec.Reason = cause.Error()
		}
		if err := p.storeCall(ctx, func(ctx context.Context) error {
			return queuestore.WritePoison(ctx, p.poison, rec)
		}); err != nil {
			ll.Error("Failed to write poison record, leaving message in queue", slog.Any("error", err))
			p.recordCompletion(ctx, "poison_failed")
			return
		}
		p.poisoned.Set(msg.ID, struct{}{}, ttlcache.DefaultTTL)
		poisonedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", p.queue.Name())))
		ll.Warn("Moved message to poison queue", slog.String("poisonQueue", p.poison.Name()))
	}

	if err := p.storeCall(ctx, func(ctx context.Context) error {
		return p.queue.Delete(ctx, msg.ID, receipt)
	}); err != nil {
		ll.Error("Failed to delete poisoned message", slog.Any("error", err))
		p.recordCompletion(ctx, "delete_failed")
		return
	}
	p.poisoned.Delete(msg.ID)
	p.recordCompletion(ctx, "poisoned")
}

// storeCall runs fn with its own timeout, detached from shutdown, retrying
// transient store errors.
func (p *Poller) storeCall(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreCallTimeout)
	defer cancel()
	res := retry.Execute[struct{}](ctx, func(ctx context.Context, _ struct{}) error {
		err := fn(ctx)
		if err != nil && !queuestore.IsTransient(err) {
			return retry.Stop(err)
		}
		return err
	}, struct{}{}, p.storeRetry)
	return res.Err
}

func (p *Poller) recordCompletion(ctx context.Context, result string) {
	completedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", p.queue.Name()),
		attribute.String("result", result)))
}

type leaseState struct {
	mu         sync.Mutex
	popReceipt string
	expiresAt  time.Time
}

func newLeaseState(receipt string, expiresAt time.Time) *leaseState {
	return &leaseState{popReceipt: receipt, expiresAt: expiresAt}
}

func (l *leaseState) receipt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popReceipt
}

func (l *leaseState) expiry() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *leaseState) set(next queuestore.Lease) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.popReceipt = next.PopReceipt
	l.expiresAt = next.NextVisibleAt
}

// renewRetryPolicy spaces transient renewal retries so several fit inside
// margin.
func renewRetryPolicy(margin time.Duration) retry.Policy {
	lo := min(max(margin/20, 10*time.Millisecond), time.Second)
	return retry.Policy{
		MaxAttempts: retry.Unlimited,
		Delay:       backoff.Exponential{Min: lo, Max: max(lo, margin/4), Jitter: 0.2},
	}
}

// startRenewal extends msg's lease RenewalMargin before each expiry until the
// returned stop function is called. stop blocks until any renewal in progress
// has finished. Transient failures are retried until the lease expires.
func (p *Poller) startRenewal(ctx context.Context, msg *queuestore.Message, lease *leaseState) heartbeat.StopFunc {
	margin := p.cfg.RenewalMargin
	interval := p.cfg.VisibilityTimeout - margin
	first := time.Until(msg.NextVisibleAt) - margin

	ll := logctx.FromContext(ctx)
	renew := func(ctx context.Context, _ struct{}) error {
		next, err := p.queue.RenewLease(ctx, msg.ID, lease.receipt(), p.cfg.VisibilityTimeout)
		if err == nil {
			lease.set(next)
			return nil
		}
		if ctx.Err() != nil || !queuestore.IsTransient(err) {
			return retry.Stop(err)
		}
		renewalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		ll.Debug("Lease renewal failed, retrying", slog.Any("error", err))
		return err
	}

	hb := heartbeat.New(func(ctx context.Context) error {
		rctx, cancel := context.WithDeadline(ctx, lease.expiry())
		defer cancel()
		res := retry.Execute[struct{}](rctx, renew, struct{}{}, p.renewRetry)
		if ctx.Err() != nil {
			return heartbeat.ErrStop
		}
		if !res.Succeeded() {
			renewalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "lost")))
			ll.Warn("Lease lost, another consumer may receive this message", slog.Any("error", res.Err))
			return heartbeat.ErrStop
		}
		renewalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
		ll.Debug("Renewed lease", slog.Time("nextVisibleAt", lease.expiry()))
		return nil
	}, interval, ll, heartbeat.WithInitialDelay(first))
	return hb.Start(ctx)
}
