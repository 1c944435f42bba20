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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/workrunner/internal/azureclient"
)

const (
	// AzureMaxQueueNameLength is the service limit on queue names.
	AzureMaxQueueNameLength = 63
	// AzureMaxBatch is the most messages one dequeue call returns.
	AzureMaxBatch = 32
)

type AzureClient struct {
	client *azureclient.QueueClient

	mu     sync.Mutex
	queues map[string]*AzureQueue
}

var _ Client = (*AzureClient)(nil)

func NewAzureClient(client *azureclient.QueueClient) *AzureClient {
	return &AzureClient{
		client: client,
		queues: make(map[string]*AzureQueue),
	}
}

func (c *AzureClient) Queue(ctx context.Context, name string) (Queue, error) {
	key := strings.ToLower(name)

	c.mu.Lock()
	q, ok := c.queues[key]
	c.mu.Unlock()
	if ok {
		return q, nil
	}

	qc := c.client.ServiceClient.NewQueueClient(key)
	if _, err := qc.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return nil, classifyAzure("create_queue", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok = c.queues[key]; ok {
		return q, nil
	}
	q = &AzureQueue{name: key, client: qc, tracer: c.client.Tracer}
	c.queues[key] = q
	return q, nil
}

func (c *AzureClient) MaxQueueNameLength() int { return AzureMaxQueueNameLength }

func (c *AzureClient) Close() error { return nil }

// AzureQueue adapts one Azure Storage queue. Bodies are base64 encoded on
// the wire; fetched text is decoded when it looks like base64.
type AzureQueue struct {
	name   string
	client *azqueue.QueueClient
	tracer trace.Tracer

	// UpdateMessage rewrites the message text, so the original wire text of
	// every leased message is kept until it is deleted or released.
	leased sync.Map // id -> string
}

var _ Queue = (*AzureQueue)(nil)

func (q *AzureQueue) Name() string { return q.name }

func (q *AzureQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	ctx, span := q.tracer.Start(ctx, "queuestore.azureEnqueue",
		trace.WithAttributes(attribute.String("queue", q.name)))
	defer span.End()

	resp, err := q.client.EnqueueMessage(ctx, encodeBody(body), nil)
	if err != nil {
		span.RecordError(err)
		return "", classifyAzure("enqueue", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].MessageID == nil {
		return "", Transient("enqueue", errors.New("enqueue returned no message id"))
	}
	return *resp.Messages[0].MessageID, nil
}

func (q *AzureQueue) FetchBatch(ctx context.Context, n int, lease time.Duration) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > AzureMaxBatch {
		n = AzureMaxBatch
	}
	ctx, span := q.tracer.Start(ctx, "queuestore.azureFetchBatch",
		trace.WithAttributes(attribute.String("queue", q.name), attribute.Int("max", n)))
	defer span.End()

	count := int32(n)
	visibility := leaseSeconds(lease)
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &count,
		VisibilityTimeout: &visibility,
	})
	if err != nil {
		span.RecordError(err)
		return nil, classifyAzure("fetch", err)
	}

	out := make([]*Message, 0, len(resp.Messages))
	for _, dm := range resp.Messages {
		if dm == nil || dm.MessageID == nil || dm.PopReceipt == nil {
			continue
		}
		text := deref(dm.MessageText)
		m := &Message{
			ID:         *dm.MessageID,
			Body:       decodeIfBase64(text),
			PopReceipt: *dm.PopReceipt,
		}
		if dm.DequeueCount != nil {
			m.DequeueCount = *dm.DequeueCount
		}
		if dm.InsertionTime != nil {
			m.InsertedAt = *dm.InsertionTime
		}
		if dm.TimeNextVisible != nil {
			m.NextVisibleAt = *dm.TimeNextVisible
		} else {
			m.NextVisibleAt = time.Now().Add(time.Duration(visibility) * time.Second)
		}
		q.leased.Store(m.ID, text)
		out = append(out, m)
	}
	span.SetAttributes(attribute.Int("fetched", len(out)))
	return out, nil
}

func (q *AzureQueue) RenewLease(ctx context.Context, id, popReceipt string, lease time.Duration) (Lease, error) {
	return q.update(ctx, "renew", id, popReceipt, lease)
}

func (q *AzureQueue) ReleaseEarly(ctx context.Context, id, popReceipt string, delay time.Duration) error {
	_, err := q.update(ctx, "release", id, popReceipt, delay)
	if err == nil || !IsTransient(err) {
		q.leased.Delete(id)
	}
	return err
}

func (q *AzureQueue) update(ctx context.Context, op, id, popReceipt string, visibility time.Duration) (Lease, error) {
	ctx, span := q.tracer.Start(ctx, "queuestore.azure."+op,
		trace.WithAttributes(attribute.String("queue", q.name), attribute.String("message_id", id)))
	defer span.End()

	text, _ := q.leased.Load(id)
	content, _ := text.(string)
	secs := leaseSeconds(visibility)
	resp, err := q.client.UpdateMessage(ctx, id, popReceipt, content, &azqueue.UpdateMessageOptions{
		VisibilityTimeout: &secs,
	})
	if err != nil {
		span.RecordError(err)
		return Lease{}, classifyAzure(op, err)
	}
	l := Lease{PopReceipt: popReceipt, NextVisibleAt: time.Now().Add(time.Duration(secs) * time.Second)}
	if resp.PopReceipt != nil {
		l.PopReceipt = *resp.PopReceipt
	}
	if resp.TimeNextVisible != nil {
		l.NextVisibleAt = *resp.TimeNextVisible
	}
	return l, nil
}

func (q *AzureQueue) Delete(ctx context.Context, id, popReceipt string) error {
	ctx, span := q.tracer.Start(ctx, "queuestore.azureDelete",
		trace.WithAttributes(attribute.String("queue", q.name), attribute.String("message_id", id)))
	defer span.End()

	_, err := q.client.DeleteMessage(ctx, id, popReceipt, nil)
	if err != nil {
		span.RecordError(err)
		err = classifyAzure("delete", err)
		if !IsTransient(err) {
			q.leased.Delete(id)
		}
		return err
	}
	q.leased.Delete(id)
	return nil
}

// classifyAzure maps Azure Storage errors onto the transient/permanent split.
func classifyAzure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	if queueerror.HasCode(err, queueerror.MessageNotFound) {
		return Permanent(op, fmt.Errorf("%w: %v", ErrNotFound, err))
	}
	if queueerror.HasCode(err, queueerror.PopReceiptMismatch) {
		return Permanent(op, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500 ||
			respErr.StatusCode == http.StatusRequestTimeout {
			return Transient(op, err)
		}
		return Permanent(op, err)
	}
	return Transient(op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
