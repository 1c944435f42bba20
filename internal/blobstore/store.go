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

// Package blobstore is the narrow view of an object store used by blob
// discovery: paged listing, an incremental change log, metadata lookups, and
// reads and writes for handlers.
package blobstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound means the container or object does not exist.
var ErrNotFound = errors.New("blob not found")

// Object describes one blob. ETag changes whenever the content changes.
type Object struct {
	Container    string
	Name         string
	ETag         string
	LastModified time.Time
	Size         int64
}

// Change is one write reported by a store's change log. ETag may be empty
// when the log does not carry it.
type Change struct {
	Container string
	Name      string
	ETag      string
	At        time.Time
}

// PageFunc receives one page of a listing. Returning an error stops the listing.
type PageFunc func(objects []Object) error

type Store interface {
	// Account names the logical client whose change log this store reads.
	Account() string
	// List enumerates container page by page, checking ctx between pages.
	List(ctx context.Context, container string, fn PageFunc) error
	// ChangeLog returns writes recorded after since and the checkpoint to
	// pass on the next call. On error the changes read so far are returned
	// and the checkpoint must not be trusted.
	ChangeLog(ctx context.Context, since time.Time) ([]Change, time.Time, error)
	GetMetadata(ctx context.Context, container, name string) (Object, error)
	Get(ctx context.Context, container, name string) ([]byte, Object, error)
	Put(ctx context.Context, container, name string, body []byte) (Object, error)
	// EnsureContainer creates container when it does not exist.
	EnsureContainer(ctx context.Context, container string) error
	Close() error
}

// NormalizeETag strips the quoting some services put around entity tags so
// tags from listings, lookups and change logs compare equal.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
