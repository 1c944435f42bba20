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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/workrunner/internal/azureclient"
)

const (
	analyticsLogContainer = "$logs"
	// maxLogHours bounds how far back one change log poll reads.
	maxLogHours = 24
)

// AzureStore reads and writes Azure Blob Storage and uses the storage
// analytics logs in $logs as its change log. Logging of blob writes must be
// enabled on the account for the change log to report anything.
type AzureStore struct {
	account  string
	client   *azblob.Client
	tracer   trace.Tracer
	pageSize int32
	now      func() time.Time
}

var _ Store = (*AzureStore)(nil)

func NewAzureStore(account string, bc *azureclient.BlobClient) *AzureStore {
	return &AzureStore{
		account:  account,
		client:   bc.Client,
		tracer:   bc.Tracer,
		pageSize: 500,
		now:      time.Now,
	}
}

func (s *AzureStore) Account() string { return s.account }

func (s *AzureStore) EnsureContainer(ctx context.Context, name string) error {
	_, err := s.client.CreateContainer(ctx, name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	return nil
}

func (s *AzureStore) List(ctx context.Context, containerName string, fn PageFunc) error {
	return s.list(ctx, containerName, "", fn)
}

func (s *AzureStore) list(ctx context.Context, containerName, prefix string, fn PageFunc) error {
	ctx, span := s.tracer.Start(ctx, "blobstore.azureList",
		trace.WithAttributes(attribute.String("container", containerName), attribute.String("prefix", prefix)))
	defer span.End()

	size := s.pageSize
	opts := &azblob.ListBlobsFlatOptions{MaxResults: &size}
	if prefix != "" {
		opts.Prefix = &prefix
	}
	pager := s.client.NewListBlobsFlatPager(containerName, opts)
	for pager.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := pager.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return azureNotFound(err, containerName, "")
		}
		if resp.Segment == nil {
			continue
		}
		page := make([]Object, 0, len(resp.Segment.BlobItems))
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			page = append(page, objectFromItem(containerName, item))
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func objectFromItem(containerName string, item *container.BlobItem) Object {
	obj := Object{Container: strings.ToLower(containerName), Name: *item.Name}
	if p := item.Properties; p != nil {
		obj.ETag = etagString(p.ETag)
		if p.LastModified != nil {
			obj.LastModified = *p.LastModified
		}
		if p.ContentLength != nil {
			obj.Size = *p.ContentLength
		}
	}
	return obj
}

func (s *AzureStore) ChangeLog(ctx context.Context, since time.Time) ([]Change, time.Time, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.azureChangeLog")
	defer span.End()

	now := s.now()
	if since.IsZero() {
		since = now.Add(-time.Hour)
	}

	var changes []Change
	next := since
	for _, prefix := range logHourPrefixes(since, now, maxLogHours) {
		var logBlobs []Object
		err := s.list(ctx, analyticsLogContainer, prefix, func(objs []Object) error {
			for _, o := range objs {
				if o.LastModified.After(since) {
					logBlobs = append(logBlobs, o)
				}
			}
			return nil
		})
		if errors.Is(err, ErrNotFound) {
			// Analytics logging is not enabled; nothing to report.
			return nil, since, nil
		}
		if err != nil {
			span.RecordError(err)
			return changes, next, err
		}

		slices.SortFunc(logBlobs, func(a, b Object) int { return a.LastModified.Compare(b.LastModified) })
		for _, lb := range logBlobs {
			data, _, err := s.Get(ctx, analyticsLogContainer, lb.Name)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				span.RecordError(err)
				return changes, next, err
			}
			changes = append(changes, parseAnalyticsLog(data, s.account)...)
			if lb.LastModified.After(next) {
				next = lb.LastModified
			}
		}
	}
	span.SetAttributes(attribute.Int("changes", len(changes)))
	slog.Debug("Read analytics change log", slog.Int("changes", len(changes)), slog.Time("checkpoint", next))
	return changes, next, nil
}

func (s *AzureStore) GetMetadata(ctx context.Context, containerName, name string) (Object, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.azureGetMetadata",
		trace.WithAttributes(attribute.String("container", containerName), attribute.String("name", name)))
	defer span.End()

	props, err := s.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return Object{}, azureNotFound(err, containerName, name)
	}
	obj := Object{Container: strings.ToLower(containerName), Name: name, ETag: etagString(props.ETag)}
	if props.LastModified != nil {
		obj.LastModified = *props.LastModified
	}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	return obj, nil
}

func (s *AzureStore) Get(ctx context.Context, containerName, name string) ([]byte, Object, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.azureGet",
		trace.WithAttributes(attribute.String("container", containerName), attribute.String("name", name)))
	defer span.End()

	resp, err := s.client.DownloadStream(ctx, containerName, name, nil)
	if err != nil {
		span.RecordError(err)
		return nil, Object{}, azureNotFound(err, containerName, name)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Object{}, fmt.Errorf("read %s/%s: %w", containerName, name, err)
	}
	obj := Object{Container: strings.ToLower(containerName), Name: name, ETag: etagString(resp.ETag), Size: int64(len(data))}
	if resp.LastModified != nil {
		obj.LastModified = *resp.LastModified
	}
	return data, obj, nil
}

func (s *AzureStore) Put(ctx context.Context, containerName, name string, body []byte) (Object, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.azurePut",
		trace.WithAttributes(attribute.String("container", containerName), attribute.String("name", name)))
	defer span.End()

	resp, err := s.client.UploadBuffer(ctx, containerName, name, body, nil)
	if err != nil {
		span.RecordError(err)
		return Object{}, azureNotFound(err, containerName, name)
	}
	obj := Object{Container: strings.ToLower(containerName), Name: name, ETag: etagString(resp.ETag), Size: int64(len(body))}
	if resp.LastModified != nil {
		obj.LastModified = *resp.LastModified
	}
	return obj, nil
}

func (s *AzureStore) Close() error { return nil }

func etagString(etag *azcore.ETag) string {
	if etag == nil {
		return ""
	}
	return NormalizeETag(string(*etag))
}

func azureNotFound(err error, containerName, name string) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return fmt.Errorf("%s/%s: %w: %v", containerName, name, ErrNotFound, err)
	}
	return err
}
