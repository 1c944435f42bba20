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

// Package causality links a work item to the invocation that produced it.
// The link is a reserved top-level string field inside JSON object bodies.
// Bodies in any other shape pass through untouched, and a missing or
// malformed field is simply "no parent".
package causality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ParentIDField is the reserved body field carrying the parent invocation id.
const ParentIDField = "$ParentId"

// Stamp returns body with parentID injected under ParentIDField.
// An empty parentID, or a body that is not a JSON object, is returned unchanged.
// Other fields keep their order and their exact value bytes.
func Stamp(parentID string, body []byte) []byte {
	if parentID == "" {
		return body
	}
	fields, ok := objectFields(body)
	if !ok {
		return body
	}
	tag, err := encodeString(parentID)
	if err != nil {
		return body
	}

	replaced := false
	for i := range fields {
		if fields[i].key == ParentIDField {
			fields[i].value = tag
			replaced = true
		}
	}
	if !replaced {
		fields = append(fields, field{key: ParentIDField, value: tag})
	}

	var out bytes.Buffer
	out.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			out.WriteByte(',')
		}
		key, err := encodeString(f.key)
		if err != nil {
			return body
		}
		out.Write(key)
		out.WriteByte(':')
		out.Write(f.value)
	}
	out.WriteByte('}')
	return out.Bytes()
}

type field struct {
	key   string
	value json.RawMessage
}

// objectFields splits a JSON object into its top-level fields in document
// order. ok is false unless body is exactly one object.
func objectFields(body []byte) (fields []field, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, isKey := tok.(string)
		if !isKey {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		fields = append(fields, field{key: key, value: value})
	}
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return fields, true
}

// encodeString quotes s without HTML escaping.
func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ExtractParent returns the parent invocation id recorded in body, if any.
// It never fails: unparseable bodies, missing fields and non-string values all
// report ok == false.
func ExtractParent(body []byte) (parentID string, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return "", false
	}
	raw, found := fields[ParentIDField]
	if !found {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

// NewInvocationID returns a fresh invocation identifier.
func NewInvocationID() string {
	return uuid.NewString()
}

type invocationKey struct{}
type parentKey struct{}

// WithInvocation records the id of the invocation running on ctx.
func WithInvocation(ctx context.Context, invocationID string) context.Context {
	return context.WithValue(ctx, invocationKey{}, invocationID)
}

// InvocationID returns the id recorded by WithInvocation, or "".
func InvocationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(invocationKey{}).(string)
	return id
}

// WithParent records the parent invocation id extracted from the triggering item.
func WithParent(ctx context.Context, parentID string) context.Context {
	if parentID == "" {
		return ctx
	}
	return context.WithValue(ctx, parentKey{}, parentID)
}

// ParentID returns the id recorded by WithParent, or "".
func ParentID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(parentKey{}).(string)
	return id
}

// StampFromContext stamps body with the invocation id running on ctx.
func StampFromContext(ctx context.Context, body []byte) []byte {
	return Stamp(InvocationID(ctx), body)
}
