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
	"sync"
	"time"

	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cardinalhq/workrunner/internal/gcpclient"
)

const (
	// GCPMaxQueueNameLength is the Pub/Sub limit on topic and subscription ids.
	GCPMaxQueueNameLength = 255
	// GCPMaxAckDeadline is the longest ack deadline Pub/Sub accepts.
	GCPMaxAckDeadline = 600 * time.Second

	gcpDefaultPullTimeout = 5 * time.Second
)

type gcpPublisher interface {
	CreateTopic(ctx context.Context, req *pubsubpb.Topic, opts ...gax.CallOption) (*pubsubpb.Topic, error)
	Publish(ctx context.Context, req *pubsubpb.PublishRequest, opts ...gax.CallOption) (*pubsubpb.PublishResponse, error)
}

type gcpSubscriber interface {
	CreateSubscription(ctx context.Context, req *pubsubpb.Subscription, opts ...gax.CallOption) (*pubsubpb.Subscription, error)
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	ModifyAckDeadline(ctx context.Context, req *pubsubpb.ModifyAckDeadlineRequest, opts ...gax.CallOption) error
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
}

// GCPClient maps each queue name onto a topic and a subscription of the
// same id in one project.
type GCPClient struct {
	project     string
	pub         gcpPublisher
	sub         gcpSubscriber
	tracer      trace.Tracer
	closer      func() error
	pullTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*GCPQueue
}

var _ Client = (*GCPClient)(nil)

func NewGCPClient(client *gcpclient.PubSubClient) *GCPClient {
	c := newGCPClient(client.ProjectID, client.Publisher, client.Subscriber, client.Tracer)
	c.closer = client.Close
	return c
}

func newGCPClient(project string, pub gcpPublisher, sub gcpSubscriber, tracer trace.Tracer) *GCPClient {
	return &GCPClient{
		project:     project,
		pub:         pub,
		sub:         sub,
		tracer:      tracer,
		pullTimeout: gcpDefaultPullTimeout,
		queues:      make(map[string]*GCPQueue),
	}
}

func (c *GCPClient) Queue(ctx context.Context, name string) (Queue, error) {
	c.mu.Lock()
	q, ok := c.queues[name]
	c.mu.Unlock()
	if ok {
		return q, nil
	}

	topic := fmt.Sprintf("projects/%s/topics/%s", c.project, name)
	subscription := fmt.Sprintf("projects/%s/subscriptions/%s", c.project, name)

	if _, err := c.pub.CreateTopic(ctx, &pubsubpb.Topic{Name: topic}); err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, classifyGCP("create_topic", err)
	}
	_, err := c.sub.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               subscription,
		Topic:              topic,
		AckDeadlineSeconds: 30,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, classifyGCP("create_subscription", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok = c.queues[name]; ok {
		return q, nil
	}
	deliveries := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](24*time.Hour),
		ttlcache.WithCapacity[string, int64](100_000),
	)
	q = &GCPQueue{
		name:         name,
		topic:        topic,
		subscription: subscription,
		pub:          c.pub,
		sub:          c.sub,
		tracer:       c.tracer,
		pullTimeout:  c.pullTimeout,
		deliveries:   deliveries,
	}
	c.queues[name] = q
	return q, nil
}

func (c *GCPClient) MaxQueueNameLength() int { return GCPMaxQueueNameLength }

func (c *GCPClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// GCPQueue adapts one topic/subscription pair. The pop receipt is the ack id.
type GCPQueue struct {
	name         string
	topic        string
	subscription string
	pub          gcpPublisher
	sub          gcpSubscriber
	tracer       trace.Tracer
	pullTimeout  time.Duration

	// Pub/Sub only reports delivery attempts when the subscription has a
	// dead-letter policy. Without one, deliveries seen by this process are
	// counted here instead.
	deliveries *ttlcache.Cache[string, int64]
	countMu    sync.Mutex
}

var (
	_ Queue        = (*GCPQueue)(nil)
	_ PoisonWriter = (*GCPQueue)(nil)
)

func (q *GCPQueue) Name() string { return q.name }

func (q *GCPQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	return q.publish(ctx, "enqueue", body, nil)
}

func (q *GCPQueue) WritePoison(ctx context.Context, rec PoisonRecord) error {
	_, err := q.publish(ctx, "write_poison", rec.Body, poisonAttributes(rec))
	return err
}

func (q *GCPQueue) publish(ctx context.Context, op string, body []byte, attrs map[string]string) (string, error) {
	ctx, span := q.tracer.Start(ctx, "queuestore.gcp."+op,
		trace.WithAttributes(attribute.String("queue", q.name)))
	defer span.End()

	resp, err := q.pub.Publish(ctx, &pubsubpb.PublishRequest{
		Topic:    q.topic,
		Messages: []*pubsubpb.PubsubMessage{{Data: body, Attributes: attrs}},
	})
	if err != nil {
		span.RecordError(err)
		return "", classifyGCP(op, err)
	}
	if len(resp.GetMessageIds()) == 0 {
		return "", Transient(op, errors.New("publish returned no message id"))
	}
	return resp.GetMessageIds()[0], nil
}

func (q *GCPQueue) FetchBatch(ctx context.Context, n int, lease time.Duration) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, span := q.tracer.Start(ctx, "queuestore.gcp.fetch",
		trace.WithAttributes(attribute.String("queue", q.name), attribute.Int("max", n)))
	defer span.End()

	pullCtx, cancel := context.WithTimeout(ctx, q.pullTimeout)
	defer cancel()
	resp, err := q.sub.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: q.subscription,
		MaxMessages:  int32(n),
	})
	if err != nil {
		// A pull that finds nothing before the deadline is an empty poll.
		if ctx.Err() == nil && (status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded)) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, classifyGCP("fetch", err)
	}

	received := resp.GetReceivedMessages()
	if len(received) == 0 {
		return nil, nil
	}

	ackIDs := make([]string, 0, len(received))
	for _, rm := range received {
		ackIDs = append(ackIDs, rm.GetAckId())
	}
	secs := ackDeadlineSeconds(lease)
	if err := q.sub.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       q.subscription,
		AckIds:             ackIDs,
		AckDeadlineSeconds: secs,
	}); err != nil {
		// The subscription's default deadline still applies; the renewer
		// will extend it.
		span.RecordError(err)
	}

	nextVisible := time.Now().Add(time.Duration(secs) * time.Second)
	out := make([]*Message, 0, len(received))
	for _, rm := range received {
		pm := rm.GetMessage()
		m := &Message{
			ID:            pm.GetMessageId(),
			Body:          pm.GetData(),
			PopReceipt:    rm.GetAckId(),
			NextVisibleAt: nextVisible,
			DequeueCount:  q.deliveryCount(pm.GetMessageId(), rm.GetDeliveryAttempt()),
			Attributes:    pm.GetAttributes(),
		}
		if pm.GetPublishTime() != nil {
			m.InsertedAt = pm.GetPublishTime().AsTime()
		}
		out = append(out, m)
	}
	span.SetAttributes(attribute.Int("fetched", len(out)))
	return out, nil
}

func (q *GCPQueue) deliveryCount(id string, attempt int32) int64 {
	if attempt > 0 {
		return int64(attempt)
	}
	q.countMu.Lock()
	defer q.countMu.Unlock()
	var n int64 = 1
	if item := q.deliveries.Get(id); item != nil {
		n = item.Value() + 1
	}
	q.deliveries.Set(id, n, ttlcache.DefaultTTL)
	return n
}

func (q *GCPQueue) RenewLease(ctx context.Context, id, popReceipt string, lease time.Duration) (Lease, error) {
	secs := ackDeadlineSeconds(lease)
	if err := q.modifyDeadline(ctx, "renew", id, popReceipt, secs); err != nil {
		return Lease{}, err
	}
	return Lease{PopReceipt: popReceipt, NextVisibleAt: time.Now().Add(time.Duration(secs) * time.Second)}, nil
}

func (q *GCPQueue) ReleaseEarly(ctx context.Context, id, popReceipt string, delay time.Duration) error {
	return q.modifyDeadline(ctx, "release", id, popReceipt, ackDeadlineSeconds(delay))
}

func (q *GCPQueue) modifyDeadline(ctx context.Context, op, id, ackID string, secs int32) error {
	ctx, span := q.tracer.Start(ctx, "queuestore.gcp."+op,
		trace.WithAttributes(attribute.String("queue", q.name), attribute.String("message_id", id)))
	defer span.End()

	err := q.sub.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       q.subscription,
		AckIds:             []string{ackID},
		AckDeadlineSeconds: secs,
	})
	if err != nil {
		span.RecordError(err)
		return classifyGCP(op, err)
	}
	return nil
}

func (q *GCPQueue) Delete(ctx context.Context, id, popReceipt string) error {
	ctx, span := q.tracer.Start(ctx, "queuestore.gcp.delete",
		trace.WithAttributes(attribute.String("queue", q.name), attribute.String("message_id", id)))
	defer span.End()

	err := q.sub.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: q.subscription,
		AckIds:       []string{popReceipt},
	})
	if err != nil {
		span.RecordError(err)
		return classifyGCP("delete", err)
	}
	q.deliveries.Delete(id)
	return nil
}

func ackDeadlineSeconds(d time.Duration) int32 {
	if d > GCPMaxAckDeadline {
		d = GCPMaxAckDeadline
	}
	return leaseSeconds(d)
}

func classifyGCP(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal,
		codes.DeadlineExceeded, codes.Unknown:
		return Transient(op, err)
	case codes.NotFound:
		return Permanent(op, fmt.Errorf("%w: %v", ErrNotFound, err))
	case codes.InvalidArgument, codes.FailedPrecondition:
		// Expired or unknown ack ids.
		return Permanent(op, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	default:
		return Permanent(op, err)
	}
}
