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

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cardinalhq/workrunner/internal/awsclient"
	"github.com/cardinalhq/workrunner/internal/queuestore"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

const (
	// eventLease is how long change-log notifications stay hidden while parsed.
	eventLease = 30 * time.Second
	// maxEventsPerPoll bounds one ChangeLog call.
	maxEventsPerPoll = 100
)

// S3Store reads and writes S3 buckets. Its change log drains bucket event
// notifications from a queue (SQS for S3, Pub/Sub for GCS interop); without
// one, discovery relies on scans alone.
type S3Store struct {
	account  string
	api      S3API
	tracer   trace.Tracer
	events   queuestore.Queue
	pageSize int32
}

var _ Store = (*S3Store)(nil)

// S3Option configures an S3Store.
type S3Option func(*S3Store)

// WithEventQueue sets the queue receiving bucket event notifications.
func WithEventQueue(q queuestore.Queue) S3Option {
	return func(s *S3Store) { s.events = q }
}

func NewS3Store(account string, client *awsclient.S3Client, opts ...S3Option) *S3Store {
	return newS3Store(account, client.Client, client.Tracer, opts...)
}

func newS3Store(account string, api S3API, tracer trace.Tracer, opts ...S3Option) *S3Store {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("blobstore")
	}
	s := &S3Store{account: account, api: api, tracer: tracer, pageSize: 1000}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *S3Store) Account() string { return s.account }

func (s *S3Store) EnsureContainer(ctx context.Context, bucket string) error {
	_, err := s.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", bucket, err)
}

func (s *S3Store) List(ctx context.Context, bucket string, fn PageFunc) error {
	ctx, span := s.tracer.Start(ctx, "blobstore.s3List", trace.WithAttributes(attribute.String("bucket", bucket)))
	defer span.End()

	pager := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(s.pageSize),
	})
	for pager.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := pager.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return s3NotFound(err, bucket, "")
		}
		objs := make([]Object, 0, len(page.Contents))
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			objs = append(objs, Object{
				Container:    strings.ToLower(bucket),
				Name:         key,
				ETag:         NormalizeETag(aws.ToString(o.ETag)),
				LastModified: aws.ToTime(o.LastModified),
				Size:         aws.ToInt64(o.Size),
			})
		}
		if err := fn(objs); err != nil {
			return err
		}
	}
	return nil
}

// ChangeLog drains pending notifications. Each message is deleted once
// parsed; one that cannot be parsed is logged and deleted too.
func (s *S3Store) ChangeLog(ctx context.Context, since time.Time) ([]Change, time.Time, error) {
	if s.events == nil {
		return nil, since, nil
	}
	ctx, span := s.tracer.Start(ctx, "blobstore.s3ChangeLog",
		trace.WithAttributes(attribute.String("queue", s.events.Name())))
	defer span.End()

	var changes []Change
	next := since
	for read := 0; read < maxEventsPerPoll; {
		msgs, err := s.events.FetchBatch(ctx, maxEventsPerPoll-read, eventLease)
		if err != nil {
			span.RecordError(err)
			return changes, next, err
		}
		if len(msgs) == 0 {
			break
		}
		read += len(msgs)
		for _, m := range msgs {
			parsed, err := ParseEvents(m.Body)
			if err != nil {
				slog.Warn("Dropping unparseable bucket notification",
					slog.String("queue", s.events.Name()),
					slog.String("messageID", m.ID),
					slog.Any("error", err))
			}
			for _, c := range parsed {
				changes = append(changes, c)
				if c.At.After(next) {
					next = c.At
				}
			}
			if err := s.events.Delete(ctx, m.ID, m.PopReceipt); err != nil && queuestore.IsTransient(err) {
				slog.Warn("Failed to delete bucket notification",
					slog.String("messageID", m.ID),
					slog.Any("error", err))
			}
		}
	}
	span.SetAttributes(attribute.Int("changes", len(changes)))
	return changes, next, nil
}

func (s *S3Store) GetMetadata(ctx context.Context, bucket, key string) (Object, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.s3HeadObject",
		trace.WithAttributes(attribute.String("bucket", bucket), attribute.String("key", key)))
	defer span.End()

	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		span.RecordError(err)
		return Object{}, s3NotFound(err, bucket, key)
	}
	return Object{
		Container:    strings.ToLower(bucket),
		Name:         key,
		ETag:         NormalizeETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
		Size:         aws.ToInt64(out.ContentLength),
	}, nil
}

// Get reads the object with the multipart downloader. The download is
// pinned to the ETag seen by HeadObject so the body and metadata agree.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, Object, error) {
	obj, err := s.GetMetadata(ctx, bucket, key)
	if err != nil {
		return nil, Object{}, err
	}
	if obj.Size == 0 {
		return []byte{}, obj, nil
	}

	ctx, span := s.tracer.Start(ctx, "blobstore.s3GetObject",
		trace.WithAttributes(attribute.String("bucket", bucket), attribute.String("key", key)))
	defer span.End()

	buf := manager.NewWriteAtBuffer(make([]byte, 0, obj.Size))
	downloader := manager.NewDownloader(s.api)
	n, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket:  aws.String(bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(`"` + obj.ETag + `"`),
	})
	if err != nil {
		span.RecordError(err)
		return nil, Object{}, s3NotFound(err, bucket, key)
	}
	data := buf.Bytes()[:n]
	obj.Size = n
	return data, obj, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body []byte) (Object, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.s3PutObject",
		trace.WithAttributes(attribute.String("bucket", bucket), attribute.String("key", key)))
	defer span.End()

	out, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		span.RecordError(err)
		return Object{}, s3NotFound(err, bucket, key)
	}
	return Object{
		Container:    strings.ToLower(bucket),
		Name:         key,
		ETag:         NormalizeETag(aws.ToString(out.ETag)),
		LastModified: time.Now(),
		Size:         int64(len(body)),
	}, nil
}

func (s *S3Store) Close() error { return nil }

func s3NotFound(err error, bucket, key string) error {
	var (
		nf       *types.NotFound
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &nf), errors.As(err, &noKey), errors.As(err, &noBucket):
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NoSuchBucket"):
	default:
		return err
	}
	return fmt.Errorf("s3://%s/%s: %w: %v", bucket, key, ErrNotFound, err)
}
