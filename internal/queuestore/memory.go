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

package queuestore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cardinalhq/workrunner/internal/idgen"
)

// MemoryMaxQueueNameLength mirrors the Azure Queue limit so naming rules behave the same locally.
const MemoryMaxQueueNameLength = 63

// MemoryClient is an in-process queue service with real lease semantics.
// It backs local runs and tests.
type MemoryClient struct {
	mu     sync.Mutex
	queues map[string]*MemoryQueue
	ids    *idgen.ULIDGenerator
}

var _ Client = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		queues: make(map[string]*MemoryQueue),
		ids:    idgen.NewULIDGenerator(),
	}
}

func (c *MemoryClient) Queue(_ context.Context, name string) (Queue, error) {
	return c.MemoryQueue(name), nil
}

// MemoryQueue returns the named queue, creating it on first use.
func (c *MemoryClient) MemoryQueue(name string) *MemoryQueue {
	key := strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[key]
	if !ok {
		q = &MemoryQueue{name: name, ids: c.ids, now: time.Now, faults: make(map[string][]error)}
		c.queues[key] = q
	}
	return q
}

func (c *MemoryClient) MaxQueueNameLength() int { return MemoryMaxQueueNameLength }

func (c *MemoryClient) Close() error { return nil }

// Op names used by MemoryQueue for fault injection and the operation log.
const (
	OpEnqueue     = "enqueue"
	OpFetch       = "fetch"
	OpRenew       = "renew"
	OpDelete      = "delete"
	OpRelease     = "release"
	OpWritePoison = "write_poison"
)

// OpRecord is one entry in a MemoryQueue's operation log.
type OpRecord struct {
	Op        string
	MessageID string
	At        time.Time
	Err       error
}

// MemoryQueue is a single in-memory queue.
type MemoryQueue struct {
	name string
	ids  *idgen.ULIDGenerator
	now  func() time.Time

	mu     sync.Mutex
	msgs   []*Message
	ops    []OpRecord
	faults map[string][]error
}

var (
	_ Queue        = (*MemoryQueue)(nil)
	_ PoisonWriter = (*MemoryQueue)(nil)
)

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	return q.enqueue(ctx, body, nil)
}

func (q *MemoryQueue) enqueue(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.faultLocked(OpEnqueue, ""); err != nil {
		return "", err
	}
	now := q.now()
	m := &Message{
		ID:            q.ids.Make(now),
		Body:          append([]byte(nil), body...),
		InsertedAt:    now,
		NextVisibleAt: now,
		Attributes:    attrs,
	}
	q.msgs = append(q.msgs, m)
	q.logLocked(OpEnqueue, m.ID, nil)
	return m.ID, nil
}

func (q *MemoryQueue) FetchBatch(ctx context.Context, n int, lease time.Duration) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.faultLocked(OpFetch, ""); err != nil {
		return nil, err
	}

	now := q.now()
	var out []*Message
	for _, m := range q.msgs {
		if len(out) >= n {
			break
		}
		if m.NextVisibleAt.After(now) {
			continue
		}
		m.DequeueCount++
		m.PopReceipt = q.ids.Make(now)
		m.NextVisibleAt = now.Add(lease)
		cp := *m
		cp.Body = append([]byte(nil), m.Body...)
		out = append(out, &cp)
		q.logLocked(OpFetch, m.ID, nil)
	}
	return out, nil
}

func (q *MemoryQueue) RenewLease(ctx context.Context, id, popReceipt string, lease time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leasedLocked(OpRenew, id, popReceipt)
	if err != nil {
		return Lease{}, err
	}
	now := q.now()
	m.PopReceipt = q.ids.Make(now)
	m.NextVisibleAt = now.Add(lease)
	q.logLocked(OpRenew, id, nil)
	return Lease{PopReceipt: m.PopReceipt, NextVisibleAt: m.NextVisibleAt}, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, id, popReceipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leasedLocked(OpDelete, id, popReceipt); err != nil {
		return err
	}
	for i, m := range q.msgs {
		if m.ID == id {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			break
		}
	}
	q.logLocked(OpDelete, id, nil)
	return nil
}

func (q *MemoryQueue) ReleaseEarly(ctx context.Context, id, popReceipt string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leasedLocked(OpRelease, id, popReceipt)
	if err != nil {
		return err
	}
	now := q.now()
	if delay < 0 {
		delay = 0
	}
	m.NextVisibleAt = now.Add(delay)
	m.PopReceipt = q.ids.Make(now)
	q.logLocked(OpRelease, id, nil)
	return nil
}

// WritePoison enqueues rec once per original message id.
func (q *MemoryQueue) WritePoison(ctx context.Context, rec PoisonRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if err := q.faultLocked(OpWritePoison, rec.MessageID); err != nil {
		q.mu.Unlock()
		return err
	}
	for _, m := range q.msgs {
		if m.Attributes[AttrMessageID] == rec.MessageID && m.Attributes[AttrOriginalQueue] == rec.OriginalQueue {
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()

	_, err := q.enqueue(ctx, rec.Body, poisonAttributes(rec))
	return err
}

func (q *MemoryQueue) leasedLocked(op, id, popReceipt string) (*Message, error) {
	if err := q.faultLocked(op, id); err != nil {
		return nil, err
	}
	for _, m := range q.msgs {
		if m.ID != id {
			continue
		}
		if m.PopReceipt != popReceipt {
			err := Permanent(op, ErrLeaseLost)
			q.logLocked(op, id, err)
			return nil, err
		}
		return m, nil
	}
	err := Permanent(op, ErrNotFound)
	q.logLocked(op, id, err)
	return nil, err
}

// InjectFault makes the next len(errs) calls of op fail with errs, in order.
func (q *MemoryQueue) InjectFault(op string, errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.faults[op] = append(q.faults[op], errs...)
}

func (q *MemoryQueue) faultLocked(op, id string) error {
	errs := q.faults[op]
	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	q.faults[op] = errs[1:]
	q.logLocked(op, id, err)
	return err
}

func (q *MemoryQueue) logLocked(op, id string, err error) {
	q.ops = append(q.ops, OpRecord{Op: op, MessageID: id, At: q.now(), Err: err})
}

// Ops returns a copy of the operation log.
func (q *MemoryQueue) Ops() []OpRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]OpRecord(nil), q.ops...)
}

// Len counts messages still in the queue, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Messages returns copies of every message still in the queue.
func (q *MemoryQueue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.msgs))
	for _, m := range q.msgs {
		cp := *m
		cp.Body = append([]byte(nil), m.Body...)
		out = append(out, cp)
	}
	return out
}
