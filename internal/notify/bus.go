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

// Package notify is the in-process wake-up path between a producer that
// enqueues to a queue and any poller in the same process watching it.
// Delivery is best effort: pollers still poll, this only cuts latency.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var notificationsDelivered metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/cardinalhq/workrunner/internal/notify")

	var err error
	notificationsDelivered, err = meter.Int64Counter(
		"workrunner.notify.delivered",
		metric.WithDescription("Number of in-process enqueue notifications delivered to watchers"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create notify.delivered counter: %w", err))
	}
}

// Callback is invoked synchronously by Notify. It must not block.
type Callback func()

// Bus is a registry of enqueue watchers keyed by queue identity.
// The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Callback
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]Callback),
	}
}

// Key normalizes a queue identity. Queue names are case insensitive.
func Key(queue string) string {
	return strings.ToLower(strings.TrimSpace(queue))
}

// Register records interest in queue and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Register(queue string, cb Callback) (unregister func()) {
	if cb == nil {
		return func() {}
	}
	key := Key(queue)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	set, ok := b.subs[key]
	if !ok {
		set = make(map[uint64]Callback)
		b.subs[key] = set
	}
	set[id] = cb
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[key]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, key)
				}
			}
		})
	}
}

// Notify invokes every callback currently registered for queue. Callbacks run
// on the caller's goroutine after the registry lock is released.
// It returns the number of callbacks invoked; zero watchers is not an error.
func (b *Bus) Notify(queue string) int {
	key := Key(queue)

	b.mu.RLock()
	set := b.subs[key]
	cbs := make([]Callback, 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}
	b.mu.RUnlock()

	for _, cb := range cbs {
		cb()
	}

	if len(cbs) > 0 {
		notificationsDelivered.Add(context.Background(), int64(len(cbs)),
			metric.WithAttributes(attribute.String("queue", key)))
	}
	return len(cbs)
}

// Watchers reports how many callbacks are registered for queue.
func (b *Bus) Watchers(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[Key(queue)])
}
