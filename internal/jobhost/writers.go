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

package jobhost

import (
	"context"
	"fmt"

	"github.com/cardinalhq/workrunner/internal/blobstore"
	"github.com/cardinalhq/workrunner/internal/causality"
	"github.com/cardinalhq/workrunner/internal/notify"
	"github.com/cardinalhq/workrunner/internal/queuestore"
)

// QueueWriter enqueues handler output. Bodies are stamped with the current
// invocation id and local pollers of the queue are woken.
type QueueWriter struct {
	queue queuestore.Queue
	bus   *notify.Bus
}

// QueueWriter opens queue for writing.
func (h *Host) QueueWriter(ctx context.Context, queue string) (*QueueWriter, error) {
	q, err := h.queues.Queue(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", queue, err)
	}
	return &QueueWriter{queue: q, bus: h.bus}, nil
}

func (w *QueueWriter) Name() string { return w.queue.Name() }

func (w *QueueWriter) Enqueue(ctx context.Context, body []byte) (string, error) {
	id, err := w.queue.Enqueue(ctx, causality.StampFromContext(ctx, body))
	if err != nil {
		return "", err
	}
	w.bus.Notify(w.queue.Name())
	return id, nil
}

// BlobWriter writes handler output to a container and announces each write
// to the blob watcher so a local handler sees it without waiting for the
// change log.
type BlobWriter struct {
	container string
	store     blobstore.Store
	host      *Host
}

func (h *Host) BlobWriter(container string) (*BlobWriter, error) {
	if h.blobs == nil {
		return nil, ErrNoBlobStore
	}
	return &BlobWriter{container: container, store: h.blobs, host: h}, nil
}

func (w *BlobWriter) Put(ctx context.Context, name string, body []byte) (blobstore.Object, error) {
	obj, err := w.store.Put(ctx, w.container, name, body)
	if err != nil {
		return blobstore.Object{}, err
	}
	w.host.mu.Lock()
	engine := w.host.engine
	w.host.mu.Unlock()
	if engine != nil {
		engine.Notify(obj)
	}
	return obj, nil
}
