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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryClient().MemoryQueue("orders")

	id, err := q.Enqueue(ctx, []byte("hello"))
	require.NoError(t, err)

	msgs, err := q.FetchBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, []byte("hello"), m.Body)
	assert.Equal(t, int64(1), m.DequeueCount)
	assert.NotEmpty(t, m.PopReceipt)

	again, err := q.FetchBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased message is invisible")

	lease, err := q.RenewLease(ctx, m.ID, m.PopReceipt, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, m.PopReceipt, lease.PopReceipt)

	err = q.Delete(ctx, m.ID, m.PopReceipt)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.False(t, IsTransient(err))

	require.NoError(t, q.Delete(ctx, m.ID, lease.PopReceipt))
	assert.Equal(t, 0, q.Len())

	err = q.Delete(ctx, m.ID, lease.PopReceipt)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueueReleaseEarly(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryClient().MemoryQueue("orders")
	_, err := q.Enqueue(ctx, []byte("x"))
	require.NoError(t, err)

	msgs, err := q.FetchBatch(ctx, 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ReleaseEarly(ctx, msgs[0].ID, msgs[0].PopReceipt, 0))

	msgs, err = q.FetchBatch(ctx, 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].DequeueCount)
}

func TestMemoryQueueFetchRespectsLimit(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryClient().MemoryQueue("orders")
	for range 5 {
		_, err := q.Enqueue(ctx, []byte("x"))
		require.NoError(t, err)
	}
	msgs, err := q.FetchBatch(ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = q.FetchBatch(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestMemoryQueueInjectFault(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryClient().MemoryQueue("orders")
	boom := Transient(OpFetch, errors.New("throttled"))
	q.InjectFault(OpFetch, boom)

	_, err := q.FetchBatch(ctx, 1, time.Minute)
	require.ErrorIs(t, err, boom)
	assert.True(t, IsTransient(err))

	_, err = q.FetchBatch(ctx, 1, time.Minute)
	require.NoError(t, err)

	ops := q.Ops()
	require.NotEmpty(t, ops)
	assert.Equal(t, OpFetch, ops[0].Op)
	assert.Equal(t, boom, ops[0].Err)
}

func TestMemoryWritePoisonIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	poison, err := c.Queue(ctx, "orders-poison")
	require.NoError(t, err)

	rec := PoisonRecord{
		OriginalQueue: "orders",
		MessageID:     "m1",
		DequeueCount:  6,
		FailedAt:      time.Now(),
		Reason:        "boom",
		Body:          []byte(`{"a":1}`),
	}
	require.NoError(t, WritePoison(ctx, poison, rec))
	require.NoError(t, WritePoison(ctx, poison, rec))

	msgs := c.MemoryQueue("orders-poison").Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.Body, msgs[0].Body)
	assert.Equal(t, "orders", msgs[0].Attributes[AttrOriginalQueue])
	assert.Equal(t, "m1", msgs[0].Attributes[AttrMessageID])
	assert.Equal(t, "6", msgs[0].Attributes[AttrDequeueCount])
	assert.Equal(t, "boom", msgs[0].Attributes[AttrReason])
}

func TestMemoryClientQueueNamesAreCaseInsensitive(t *testing.T) {
	c := NewMemoryClient()
	assert.Same(t, c.MemoryQueue("Orders"), c.MemoryQueue("orders"))
	assert.Equal(t, MemoryMaxQueueNameLength, c.MaxQueueNameLength())
	assert.NoError(t, c.Close())
}

func TestMemoryQueueCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := NewMemoryClient().MemoryQueue("orders")
	_, err := q.Enqueue(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}
