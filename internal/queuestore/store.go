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

// Package queuestore is the narrow view of a durable queue service used by
// the poller: fetch with a lease, renew, delete, release early. Adapters
// exist for Azure Queue Storage, SQS, GCP Pub/Sub and an in-memory queue.
package queuestore

import (
	"context"
	"strings"
	"time"
)

// Message is one unit of work leased from a queue.
type Message struct {
	ID           string
	Body         []byte
	DequeueCount int64
	InsertedAt   time.Time
	// NextVisibleAt is when the store may hand the message to another consumer.
	NextVisibleAt time.Time
	// PopReceipt is the lease token required to delete or extend the lease.
	PopReceipt string
	Attributes map[string]string
}

// Lease is the result of a successful renewal.
type Lease struct {
	PopReceipt    string
	NextVisibleAt time.Time
}

// Queue is a single named queue.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, body []byte) (id string, err error)
	// FetchBatch leases up to n visible messages for the lease duration.
	// Adapters may return fewer than n (service batch limits), never more.
	FetchBatch(ctx context.Context, n int, lease time.Duration) ([]*Message, error)
	RenewLease(ctx context.Context, id, popReceipt string, lease time.Duration) (Lease, error)
	Delete(ctx context.Context, id, popReceipt string) error
	// ReleaseEarly makes the message visible again after delay instead of
	// waiting for the full lease to lapse.
	ReleaseEarly(ctx context.Context, id, popReceipt string, delay time.Duration) error
}

// Client opens queues on one account/project.
type Client interface {
	// Queue opens name, creating it when the service allows.
	Queue(ctx context.Context, name string) (Queue, error)
	MaxQueueNameLength() int
	Close() error
}

// PoisonRecord is what lands in the poison queue for a message that
// exhausted its deliveries.
type PoisonRecord struct {
	OriginalQueue string
	MessageID     string
	DequeueCount  int64
	InsertedAt    time.Time
	FailedAt      time.Time
	Reason        string
	Body          []byte
}

// Poison metadata attribute names, used by stores that carry attributes.
const (
	AttrOriginalQueue = "workrunner-original-queue"
	AttrMessageID     = "workrunner-message-id"
	AttrDequeueCount  = "workrunner-dequeue-count"
	AttrFailedAt      = "workrunner-failed-at"
	AttrReason        = "workrunner-reason"
)

// PoisonWriter is implemented by queues that can keep poison metadata
// alongside the body. Implementations should be idempotent on MessageID
// where the service allows it.
type PoisonWriter interface {
	WritePoison(ctx context.Context, rec PoisonRecord) error
}

// WritePoison writes rec to q, keeping metadata when q supports it and the
// body verbatim otherwise.
func WritePoison(ctx context.Context, q Queue, rec PoisonRecord) error {
	if pw, ok := q.(PoisonWriter); ok {
		return pw.WritePoison(ctx, rec)
	}
	_, err := q.Enqueue(ctx, rec.Body)
	return err
}

// PoisonSuffix is appended to a queue name to form its poison queue name.
const PoisonSuffix = "-poison"

// PoisonQueueName returns the poison queue for queue. ok is false when the
// queue is itself a poison queue or the name would exceed maxLen, in which
// case poison escalation is disabled for queue.
func PoisonQueueName(queue string, maxLen int) (name string, ok bool) {
	if queue == "" || IsPoisonQueue(queue) {
		return "", false
	}
	name = queue + PoisonSuffix
	if maxLen > 0 && len(name) > maxLen {
		return "", false
	}
	return name, true
}

// IsPoisonQueue reports whether queue already carries the poison suffix.
func IsPoisonQueue(queue string) bool {
	return strings.HasSuffix(strings.ToLower(queue), PoisonSuffix)
}

func poisonAttributes(rec PoisonRecord) map[string]string {
	return map[string]string{
		AttrOriginalQueue: rec.OriginalQueue,
		AttrMessageID:     rec.MessageID,
		AttrDequeueCount:  formatInt(rec.DequeueCount),
		AttrFailedAt:      rec.FailedAt.UTC().Format(time.RFC3339Nano),
		AttrReason:        truncate(rec.Reason, 256),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func leaseSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	if secs > 7*24*60*60 {
		secs = 7 * 24 * 60 * 60
	}
	return int32(secs)
}
