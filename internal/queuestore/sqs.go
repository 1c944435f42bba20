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
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/workrunner/internal/awsclient"
)

const (
	// SQSMaxQueueNameLength is the service limit on queue names.
	SQSMaxQueueNameLength = 80
	// SQSMaxBatch is the most messages one ReceiveMessage call returns.
	SQSMaxBatch = 10

	// attrEncoding marks bodies that were not valid UTF-8 and went over the
	// wire base64 encoded.
	attrEncoding   = "workrunner-encoding"
	encodingBase64 = "base64"
)

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, opts ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSClient struct {
	api    SQSAPI
	tracer trace.Tracer

	mu     sync.Mutex
	queues map[string]*SQSQueue
}

var _ Client = (*SQSClient)(nil)

func NewSQSClient(client *awsclient.SQSClient) *SQSClient {
	return newSQSClient(client.Client, client.Tracer)
}

func newSQSClient(api SQSAPI, tracer trace.Tracer) *SQSClient {
	return &SQSClient{
		api:    api,
		tracer: tracer,
		queues: make(map[string]*SQSQueue),
	}
}

func (c *SQSClient) Queue(ctx context.Context, name string) (Queue, error) {
	c.mu.Lock()
	q, ok := c.queues[name]
	c.mu.Unlock()
	if ok {
		return q, nil
	}

	url, err := c.resolveURL(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok = c.queues[name]; ok {
		return q, nil
	}
	q = &SQSQueue{name: name, url: url, api: c.api, tracer: c.tracer}
	c.queues[name] = q
	return q, nil
}

func (c *SQSClient) resolveURL(ctx context.Context, name string) (string, error) {
	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		return aws.ToString(out.QueueUrl), nil
	}
	var missing *types.QueueDoesNotExist
	if !errors.As(err, &missing) {
		return "", classifySQS("get_queue_url", err)
	}
	created, err := c.api.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		return "", classifySQS("create_queue", err)
	}
	return aws.ToString(created.QueueUrl), nil
}

func (c *SQSClient) MaxQueueNameLength() int { return SQSMaxQueueNameLength }

func (c *SQSClient) Close() error { return nil }

// SQSQueue adapts one SQS queue. The message id is the SQS MessageId; the
// pop receipt is the receipt handle, which SQS keeps stable across
// visibility changes.
type SQSQueue struct {
	name   string
	url    string
	api    SQSAPI
	tracer trace.Tracer
}

var (
	_ Queue        = (*SQSQueue)(nil)
	_ PoisonWriter = (*SQSQueue)(nil)
)

func (q *SQSQueue) Name() string { return q.name }

func (q *SQSQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	return q.send(ctx, "enqueue", body, nil)
}

func (q *SQSQueue) WritePoison(ctx context.Context, rec PoisonRecord) error {
	_, err := q.send(ctx, "write_poison", rec.Body, poisonAttributes(rec))
	return err
}

func (q *SQSQueue) send(ctx context.Context, op string, body []byte, attrs map[string]string) (string, error) {
	ctx, span := q.tracer.Start(ctx, "queuestore.sqs."+op,
		trace.WithAttributes(attribute.String("queue", q.name)))
	defer span.End()

	text := string(body)
	if !utf8.Valid(body) {
		text = encodeBody(body)
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs[attrEncoding] = encodingBase64
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(text),
	}
	if len(attrs) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			if v == "" {
				continue
			}
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	out, err := q.api.SendMessage(ctx, in)
	if err != nil {
		span.RecordError(err)
		return "", classifySQS(op, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (q *SQSQueue) FetchBatch(ctx context.Context, n int, lease time.Duration) ([]*Message, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > SQSMaxBatch {
		n = SQSMaxBatch
	}
	ctx, span := q.tracer.Start(ctx, "queuestore.sqs.fetch",
		trace.WithAttributes(attribute.String("queue", q.name), attribute.Int("max", n)))
	defer span.End()

	visibility := leaseSeconds(lease)
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(n),
		VisibilityTimeout:   visibility,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		span.RecordError(err)
		return nil, classifySQS("fetch", err)
	}

	now := time.Now()
	msgs := make([]*Message, 0, len(out.Messages))
	for _, sm := range out.Messages {
		if sm.MessageId == nil || sm.ReceiptHandle == nil {
			continue
		}
		msgs = append(msgs, fromSQSMessage(sm, now.Add(time.Duration(visibility)*time.Second)))
	}
	span.SetAttributes(attribute.Int("fetched", len(msgs)))
	return msgs, nil
}

func fromSQSMessage(sm types.Message, nextVisible time.Time) *Message {
	m := &Message{
		ID:            aws.ToString(sm.MessageId),
		PopReceipt:    aws.ToString(sm.ReceiptHandle),
		NextVisibleAt: nextVisible,
		DequeueCount:  parseInt(sm.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]),
	}
	if ms := parseInt(sm.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]); ms > 0 {
		m.InsertedAt = time.UnixMilli(ms)
	}
	if len(sm.MessageAttributes) > 0 {
		m.Attributes = make(map[string]string, len(sm.MessageAttributes))
		for k, v := range sm.MessageAttributes {
			m.Attributes[k] = aws.ToString(v.StringValue)
		}
	}
	body := aws.ToString(sm.Body)
	if m.Attributes[attrEncoding] == encodingBase64 {
		m.Body = decodeIfBase64(body)
	} else {
		m.Body = []byte(body)
	}
	return m
}

func (q *SQSQueue) RenewLease(ctx context.Context, id, popReceipt string, lease time.Duration) (Lease, error) {
	secs := leaseSeconds(lease)
	if err := q.changeVisibility(ctx, "renew", id, popReceipt, secs); err != nil {
		return Lease{}, err
	}
	return Lease{PopReceipt: popReceipt, NextVisibleAt: time.Now().Add(time.Duration(secs) * time.Second)}, nil
}

func (q *SQSQueue) ReleaseEarly(ctx context.Context, id, popReceipt string, delay time.Duration) error {
	return q.changeVisibility(ctx, "release", id, popReceipt, leaseSeconds(delay))
}

func (q *SQSQueue) changeVisibility(ctx context.Context, op, id, popReceipt string, secs int32) error {
	ctx, span := q.tracer.Start(ctx, "queuestore.sqs."+op,
		trace.WithAttributes(attribute.String("queue", q.name), attribute.String("message_id", id)))
	defer span.End()

	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(popReceipt),
		VisibilityTimeout: secs,
	})
	if err != nil {
		span.RecordError(err)
		return classifySQS(op, err)
	}
	return nil
}

func (q *SQSQueue) Delete(ctx context.Context, id, popReceipt string) error {
	ctx, span := q.tracer.Start(ctx, "queuestore.sqs.delete",
		trace.WithAttributes(attribute.String("queue", q.name), attribute.String("message_id", id)))
	defer span.End()

	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(popReceipt),
	})
	if err != nil {
		span.RecordError(err)
		return classifySQS("delete", err)
	}
	return nil
}

var sqsTransientCodes = map[string]bool{
	"ThrottlingException":            true,
	"RequestThrottled":               true,
	"ServiceUnavailable":             true,
	"InternalError":                  true,
	"KmsThrottled":                   true,
	"AWS.SimpleQueueService.Timeout": true,
}

func classifySQS(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}

	var invalidReceipt *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	switch {
	case errors.As(err, &invalidReceipt):
		return Permanent(op, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	case errors.As(err, &notInflight):
		return Permanent(op, fmt.Errorf("%w: %v", ErrLeaseLost, err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sqsTransientCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return Transient(op, err)
		}
		if apiErr.ErrorCode() == "InvalidParameterValue" {
			// Expired receipt handles are reported this way.
			return Permanent(op, fmt.Errorf("%w: %v", ErrLeaseLost, err))
		}
		return Permanent(op, err)
	}
	return Transient(op, err)
}
