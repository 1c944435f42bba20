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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreListPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("local")
	s.SetPageSize(2)
	for _, name := range []string{"c", "a", "e", "b", "d"} {
		_, err := s.Put(ctx, "Input", name, []byte(name))
		require.NoError(t, err)
	}

	var pages [][]string
	err := s.List(ctx, "input", func(objs []Object) error {
		var names []string
		for _, o := range objs {
			names = append(names, o.Name)
		}
		pages = append(pages, names)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, pages)
}

func TestMemoryStoreListStopsOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("local")
	s.SetPageSize(1)
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, "in", name, nil)
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	calls := 0
	err := s.List(ctx, "in", func([]Object) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestMemoryStoreListCancelled(t *testing.T) {
	s := NewMemoryStore("local")
	_, err := s.Put(context.Background(), "in", "a", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.List(ctx, "in", func([]Object) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("local")

	err := s.List(ctx, "nope", func([]Object) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.EnsureContainer(ctx, "in"))
	_, err = s.GetMetadata(ctx, "in", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Get(ctx, "in", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "in", "x"), ErrNotFound)
}

func TestMemoryStoreOverwriteChangesETag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("local")

	first, err := s.Put(ctx, "in", "a", []byte("1"))
	require.NoError(t, err)
	second, err := s.Put(ctx, "in", "a", []byte("22"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, second.ETag)

	data, obj, err := s.Get(ctx, "in", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("22"), data)
	assert.Equal(t, second.ETag, obj.ETag)
	assert.Equal(t, int64(2), obj.Size)
}

func TestMemoryStoreChangeLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("local")
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	a, err := s.Put(ctx, "in", "a", nil)
	require.NoError(t, err)
	_, err = s.PutSilently(ctx, "in", "hidden", nil)
	require.NoError(t, err)
	b, err := s.Put(ctx, "in", "b", nil)
	require.NoError(t, err)

	changes, next, err := s.ChangeLog(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "a", changes[0].Name)
	assert.Equal(t, a.ETag, changes[0].ETag)
	assert.Equal(t, "b", changes[1].Name)
	assert.True(t, changes[1].At.After(changes[0].At), "log times strictly increase")
	assert.Equal(t, b.LastModified, next)

	changes, again, err := s.ChangeLog(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, next, again)

	_, err = s.Put(ctx, "in", "c", nil)
	require.NoError(t, err)
	changes, _, err = s.ChangeLog(ctx, next)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "c", changes[0].Name)
}

func TestNormalizeETag(t *testing.T) {
	assert.Equal(t, "abc", NormalizeETag(`"abc"`))
	assert.Equal(t, "abc", NormalizeETag(`W/"abc"`))
	assert.Equal(t, "0x8D", NormalizeETag(" 0x8D "))
	assert.Equal(t, "", NormalizeETag(""))
}
