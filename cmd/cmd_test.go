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

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/workrunner/internal/blobstore"
	"github.com/cardinalhq/workrunner/internal/causality"
	"github.com/cardinalhq/workrunner/internal/jobhost"
	"github.com/cardinalhq/workrunner/internal/queuestore"
)

func newTestHost(t *testing.T) (*jobhost.Host, *queuestore.MemoryClient) {
	t.Helper()
	queues := queuestore.NewMemoryClient()
	host, err := jobhost.New(queues, jobhost.DefaultConfig(),
		jobhost.WithBlobStore(blobstore.NewMemoryStore("local")))
	require.NoError(t, err)
	return host, queues
}

func TestRelayHandlerForwardsWithParent(t *testing.T) {
	host, queues := newTestHost(t)
	ctx := context.Background()

	out, err := host.QueueWriter(ctx, "orders-out")
	require.NoError(t, err)

	inv := causality.NewInvocationID()
	handlerCtx := causality.WithInvocation(ctx, inv)
	msg := &queuestore.Message{ID: "m1", Body: []byte(`{"order":7}`), DequeueCount: 1}
	require.NoError(t, relayHandler(out)(handlerCtx, msg))

	forwarded := queues.MemoryQueue("orders-out").Messages()
	require.Len(t, forwarded, 1)
	parent, ok := causality.ExtractParent(forwarded[0].Body)
	require.True(t, ok)
	assert.Equal(t, inv, parent)
}

func TestRelayHandlerWithoutForward(t *testing.T) {
	msg := &queuestore.Message{ID: "m1", Body: []byte("plain")}
	assert.NoError(t, relayHandler(nil)(context.Background(), msg))
}

func TestBlobHandlerWritesNotice(t *testing.T) {
	host, queues := newTestHost(t)
	ctx := context.Background()

	out, err := host.QueueWriter(ctx, "blob-notices")
	require.NoError(t, err)

	obj := blobstore.Object{Container: "uploads", Name: "a/b.csv", ETag: "0x1", Size: 12}
	require.NoError(t, blobHandler(out)(ctx, obj))

	msgs := queues.MemoryQueue("blob-notices").Messages()
	require.Len(t, msgs, 1)
	var notice blobNotice
	require.NoError(t, json.Unmarshal(msgs[0].Body, &notice))
	assert.Equal(t, blobNotice{Container: "uploads", Name: "a/b.csv", ETag: "0x1", Size: 12}, notice)
}

func TestRegisterRequiresBlobStoreForContainers(t *testing.T) {
	queues := queuestore.NewMemoryClient()
	host, err := jobhost.New(queues, jobhost.DefaultConfig())
	require.NoError(t, err)

	err = register(context.Background(), host, []string{"jobs"}, []string{"uploads"}, "", "")
	assert.ErrorIs(t, err, jobhost.ErrNoBlobStore)
}

func TestPeekPoisonReleasesMessages(t *testing.T) {
	ctx := context.Background()
	queues := queuestore.NewMemoryClient()
	q := queues.MemoryQueue("jobs-poison")
	_, err := q.Enqueue(ctx, causality.Stamp("parent-1", []byte(`{"job":1}`)))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("raw"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, peekPoison(ctx, q, 10, &buf))

	var views []poisonView
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var v poisonView
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &v))
		views = append(views, v)
	}
	require.Len(t, views, 2)
	assert.Equal(t, "parent-1", views[0].ParentID)
	assert.Empty(t, views[1].ParentID)
	assert.Equal(t, "raw", views[1].Body)

	again, err := q.FetchBatch(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, again, 2, "peeked messages are visible again")
}

func TestPeekPoisonZeroLimit(t *testing.T) {
	q := queuestore.NewMemoryClient().MemoryQueue("jobs-poison")
	var buf bytes.Buffer
	require.NoError(t, peekPoison(context.Background(), q, 0, &buf))
	assert.Empty(t, buf.String())
	assert.Empty(t, q.Ops())
}

func TestReadBody(t *testing.T) {
	body, err := readBody([]string{"hello"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	body, err = readBody([]string{"-"}, strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(body))

	body, err = readBody(nil, strings.NewReader("also stdin"))
	require.NoError(t, err)
	assert.Equal(t, "also stdin", string(body))
}
