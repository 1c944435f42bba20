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
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type fakeSQS struct {
	mu       sync.Mutex
	queues   map[string]bool
	created  []string
	sent     []*sqs.SendMessageInput
	receive  []types.Message
	visible  map[string]int32
	deleted  []string
	deleteFn func(handle string) error
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: map[string]bool{}, visible: map[string]int32{}}
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.QueueName)
	if !f.queues[name] {
		return nil, &types.QueueDoesNotExist{Message: aws.String("nope")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + name)}, nil
}

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.QueueName)
	f.queues[name] = true
	f.created = append(f.created, name)
	return &sqs.CreateQueueOutput{QueueUrl: aws.String("https://sqs.local/" + name)}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("id-" + strconv.Itoa(len(f.sent)))}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int(in.MaxNumberOfMessages)
	if n > len(f.receive) {
		n = len(f.receive)
	}
	out := f.receive[:n]
	f.receive = f.receive[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := aws.ToString(in.ReceiptHandle)
	if f.deleteFn != nil {
		if err := f.deleteFn(handle); err != nil {
			return nil, err
		}
	}
	f.deleted = append(f.deleted, handle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueCreatesMissingQueue(t *testing.T) {
	api := newFakeSQS()
	c := newSQSClient(api, noop.NewTracerProvider().Tracer("test"))

	q, err := c.Queue(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, api.created)

	again, err := c.Queue(context.Background(), "orders")
	require.NoError(t, err)
	assert.Same(t, q, again)
	assert.Len(t, api.created, 1)
	assert.Equal(t, SQSMaxQueueNameLength, c.MaxQueueNameLength())
}

func TestSQSQueueRoundTrip(t *testing.T) {
	api := newFakeSQS()
	api.queues["orders"] = true
	c := newSQSClient(api, noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	q, err := c.Queue(ctx, "orders")
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, `{"a":1}`, aws.ToString(api.sent[0].MessageBody))
	assert.Empty(t, api.sent[0].MessageAttributes)

	binary := []byte{0xff, 0xfe, 0x00}
	_, err = q.Enqueue(ctx, binary)
	require.NoError(t, err)
	assert.Equal(t, encodingBase64, aws.ToString(api.sent[1].MessageAttributes[attrEncoding].StringValue))

	sent := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i, in := range api.sent {
		api.receive = append(api.receive, types.Message{
			MessageId:         aws.String("id-" + strconv.Itoa(i+1)),
			ReceiptHandle:     aws.String("rh-" + strconv.Itoa(i+1)),
			Body:              in.MessageBody,
			MessageAttributes: in.MessageAttributes,
			Attributes: map[string]string{
				"ApproximateReceiveCount": "3",
				"SentTimestamp":           strconv.FormatInt(sent.UnixMilli(), 10),
			},
		})
	}

	msgs, err := q.FetchBatch(ctx, 20, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte(`{"a":1}`), msgs[0].Body)
	assert.Equal(t, binary, msgs[1].Body)
	assert.Equal(t, int64(3), msgs[0].DequeueCount)
	assert.True(t, sent.Equal(msgs[0].InsertedAt))
	assert.Equal(t, "rh-1", msgs[0].PopReceipt)

	lease, err := q.RenewLease(ctx, msgs[0].ID, msgs[0].PopReceipt, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "rh-1", lease.PopReceipt, "receipt handle survives visibility changes")
	assert.Equal(t, int32(60), api.visible["rh-1"])

	require.NoError(t, q.ReleaseEarly(ctx, msgs[1].ID, msgs[1].PopReceipt, 2*time.Second))
	assert.Equal(t, int32(2), api.visible["rh-2"])

	require.NoError(t, q.Delete(ctx, msgs[0].ID, msgs[0].PopReceipt))
	assert.Equal(t, []string{"rh-1"}, api.deleted)
}

func TestSQSWritePoisonCarriesMetadata(t *testing.T) {
	api := newFakeSQS()
	api.queues["orders-poison"] = true
	c := newSQSClient(api, noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	q, err := c.Queue(ctx, "orders-poison")
	require.NoError(t, err)
	require.NoError(t, WritePoison(ctx, q, PoisonRecord{
		OriginalQueue: "orders",
		MessageID:     "m1",
		DequeueCount:  6,
		FailedAt:      time.Now(),
		Body:          []byte("body"),
	}))
	require.Len(t, api.sent, 1)
	attrs := api.sent[0].MessageAttributes
	assert.Equal(t, "orders", aws.ToString(attrs[AttrOriginalQueue].StringValue))
	assert.Equal(t, "6", aws.ToString(attrs[AttrDequeueCount].StringValue))
	_, hasReason := attrs[AttrReason]
	assert.False(t, hasReason, "empty attributes are not sent")
}

func TestClassifySQS(t *testing.T) {
	assert.ErrorIs(t, classifySQS("delete", &types.ReceiptHandleIsInvalid{}), ErrLeaseLost)
	assert.ErrorIs(t, classifySQS("renew", &types.MessageNotInflight{}), ErrLeaseLost)

	throttled := &smithy.GenericAPIError{Code: "RequestThrottled", Fault: smithy.FaultClient}
	assert.True(t, IsTransient(classifySQS("fetch", throttled)))

	server := &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}
	assert.True(t, IsTransient(classifySQS("fetch", server)))

	expired := &smithy.GenericAPIError{Code: "InvalidParameterValue", Fault: smithy.FaultClient}
	assert.ErrorIs(t, classifySQS("renew", expired), ErrLeaseLost)

	denied := &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}
	assert.False(t, IsTransient(classifySQS("fetch", denied)))

	assert.True(t, IsTransient(classifySQS("fetch", errors.New("connection reset"))))
}
