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

package causality

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampExtractRoundTrip(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"order":42}`,
		`  {"nested":{"a":[1,2,3]},"s":"x"}  `,
		`{"$ParentId":"old-parent","k":true}`,
	}
	ids := []string{"abc", uuid.NewString(), "with spaces and ünicode"}

	for _, body := range bodies {
		for _, id := range ids {
			stamped := Stamp(id, []byte(body))
			got, ok := ExtractParent(stamped)
			assert.True(t, ok, "body %s id %s", body, id)
			assert.Equal(t, id, got)
		}
	}
}

func TestStampPreservesOtherFields(t *testing.T) {
	stamped := Stamp("p1", []byte(`{"order":42,"items":["a","b"]}`))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(stamped, &decoded))
	assert.Equal(t, float64(42), decoded["order"])
	assert.Equal(t, []any{"a", "b"}, decoded["items"])
	assert.Equal(t, "p1", decoded[ParentIDField])
}

func TestStampPassThrough(t *testing.T) {
	cases := [][]byte{
		[]byte("plain text"),
		[]byte(`[1,2,3]`),
		[]byte(`"just a string"`),
		[]byte(`{not json`),
		[]byte(``),
		nil,
	}
	for _, body := range cases {
		assert.Equal(t, body, Stamp("p1", body), "body %q", body)
	}

	body := []byte(`{"a":1}`)
	assert.Equal(t, body, Stamp("", body), "empty parent leaves body alone")
}

func TestExtractParentNoParent(t *testing.T) {
	cases := []string{
		``,
		`hello`,
		`[{"$ParentId":"x"}]`,
		`{"a":1}`,
		`{"$ParentId":42}`,
		`{"$ParentId":null}`,
		`{"$ParentId":""}`,
		`{"$ParentId":{"id":"x"}}`,
		`{"$ParentId":"x"`,
		`null`,
	}
	for _, body := range cases {
		id, ok := ExtractParent([]byte(body))
		assert.False(t, ok, "body %q", body)
		assert.Empty(t, id)
	}
}

func TestExtractParentIgnoresUnknownFields(t *testing.T) {
	id, ok := ExtractParent([]byte(`{"$ParentId":"p","$Other":"x","data":{"deep":1}}`))
	assert.True(t, ok)
	assert.Equal(t, "p", id)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, InvocationID(ctx))
	assert.Empty(t, ParentID(ctx))

	inv := NewInvocationID()
	_, err := uuid.Parse(inv)
	require.NoError(t, err)

	ctx = WithInvocation(ctx, inv)
	ctx = WithParent(ctx, "parent")
	assert.Equal(t, inv, InvocationID(ctx))
	assert.Equal(t, "parent", ParentID(ctx))

	assert.Equal(t, ctx, WithParent(ctx, ""), "empty parent does not wrap ctx")

	stamped := StampFromContext(ctx, []byte(`{"x":1}`))
	got, ok := ExtractParent(stamped)
	require.True(t, ok)
	assert.Equal(t, inv, got)
}

func TestStampFromContextWithoutInvocation(t *testing.T) {
	body := []byte(`{"x":1}`)
	assert.Equal(t, body, StampFromContext(context.Background(), body))
}

func TestStampKeepsFieldOrderAndValueBytes(t *testing.T) {
	body := []byte(`{"z":1,"html":"<b>&amp;</b>","n":1.50,"big":12345678901234567890}`)
	stamped := Stamp("p1", body)
	assert.Equal(t, `{"z":1,"html":"<b>&amp;</b>","n":1.50,"big":12345678901234567890,"$ParentId":"p1"}`, string(stamped))

	restamped := Stamp("p2", []byte(`{"k":true,"$ParentId":"old","a":2}`))
	assert.Equal(t, `{"k":true,"$ParentId":"p2","a":2}`, string(restamped))

	assert.Equal(t, `{"$ParentId":"a<b>&c"}`, string(Stamp("a<b>&c", []byte(`{}`))))
}

func TestStampRejectsTrailingData(t *testing.T) {
	body := []byte(`{"a":1} {"b":2}`)
	assert.Equal(t, body, Stamp("p1", body))
}
