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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cardinalhq/workrunner/internal/idgen"
)

// MemoryStore keeps blobs in process and records every write in its change
// log. It backs local runs and tests.
type MemoryStore struct {
	account  string
	pageSize int
	ids      *idgen.ULIDGenerator
	now      func() time.Time

	mu         sync.Mutex
	containers map[string]map[string]*memoryBlob
	log        []Change
}

type memoryBlob struct {
	body []byte
	obj  Object
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(account string) *MemoryStore {
	return &MemoryStore{
		account:    account,
		pageSize:   100,
		ids:        idgen.NewULIDGenerator(),
		now:        time.Now,
		containers: make(map[string]map[string]*memoryBlob),
	}
}

// SetPageSize changes how many objects List hands out per page.
func (s *MemoryStore) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

func (s *MemoryStore) Account() string { return s.account }

func (s *MemoryStore) EnsureContainer(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(container)
	if _, ok := s.containers[key]; !ok {
		s.containers[key] = make(map[string]*memoryBlob)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, container string, fn PageFunc) error {
	s.mu.Lock()
	blobs, ok := s.containers[strings.ToLower(container)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("container %s: %w", container, ErrNotFound)
	}
	all := make([]Object, 0, len(blobs))
	for _, b := range blobs {
		all = append(all, b.obj)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	for start := 0; start < len(all); start += s.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+s.pageSize, len(all))
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) ChangeLog(ctx context.Context, since time.Time) ([]Change, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Change
	next := since
	for _, c := range s.log {
		if !c.At.After(since) {
			continue
		}
		out = append(out, c)
		if c.At.After(next) {
			next = c.At
		}
	}
	return out, next, nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, container, name string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookupLocked(container, name)
	if err != nil {
		return Object{}, err
	}
	return b.obj, nil
}

func (s *MemoryStore) Get(_ context.Context, container, name string) ([]byte, Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookupLocked(container, name)
	if err != nil {
		return nil, Object{}, err
	}
	return append([]byte(nil), b.body...), b.obj, nil
}

func (s *MemoryStore) lookupLocked(container, name string) (*memoryBlob, error) {
	blobs, ok := s.containers[strings.ToLower(container)]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", container, ErrNotFound)
	}
	b, ok := blobs[name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", container, name, ErrNotFound)
	}
	return b, nil
}

// Put creates or overwrites a blob, creating its container on demand.
func (s *MemoryStore) Put(_ context.Context, container, name string, body []byte) (Object, error) {
	return s.put(container, name, body, true), nil
}

// PutSilently writes a blob without a change log entry, like a write the
// log has not caught up with yet.
func (s *MemoryStore) PutSilently(_ context.Context, container, name string, body []byte) (Object, error) {
	return s.put(container, name, body, false), nil
}

func (s *MemoryStore) put(container, name string, body []byte, logged bool) Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(container)
	blobs, ok := s.containers[key]
	if !ok {
		blobs = make(map[string]*memoryBlob)
		s.containers[key] = blobs
	}
	now := s.now()
	// Change log times are strictly increasing so a checkpoint never hides
	// a later write.
	if n := len(s.log); n > 0 && !now.After(s.log[n-1].At) {
		now = s.log[n-1].At.Add(time.Nanosecond)
	}
	obj := Object{
		Container:    key,
		Name:         name,
		ETag:         s.ids.Make(now),
		LastModified: now,
		Size:         int64(len(body)),
	}
	blobs[name] = &memoryBlob{body: append([]byte(nil), body...), obj: obj}
	if logged {
		s.log = append(s.log, Change{Container: key, Name: name, ETag: obj.ETag, At: now})
	}
	return obj
}

// Delete removes a blob. Deletes are not recorded in the change log.
func (s *MemoryStore) Delete(_ context.Context, container, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookupLocked(container, name); err != nil {
		return err
	}
	delete(s.containers[strings.ToLower(container)], name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
