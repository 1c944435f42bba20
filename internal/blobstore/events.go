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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

var errUnknownEvent = errors.New("unable to determine event type from content")

// EventParser turns one bucket notification into changes.
type EventParser interface {
	Parse(raw []byte) ([]Change, error)
	EventType() string
}

// S3EventParser handles S3 (and S3-compatible) event notifications.
type S3EventParser struct{}

func (p *S3EventParser) EventType() string { return "S3" }

func (p *S3EventParser) Parse(raw []byte) ([]Change, error) {
	var evt struct {
		Records []struct {
			EventName string    `json:"eventName"`
			EventTime time.Time `json:"eventTime"`
			S3        struct {
				Bucket struct {
					Name string `json:"name"`
				} `json:"bucket"`
				Object struct {
					Key  string `json:"key"`
					ETag string `json:"eTag"`
				} `json:"object"`
			} `json:"s3"`
		} `json:"Records"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse S3 event: %w", err)
	}

	out := make([]Change, 0, len(evt.Records))
	for _, rec := range evt.Records {
		if !strings.HasPrefix(rec.EventName, "ObjectCreated") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			slog.Error("Failed to unescape S3 object key", slog.String("key", rec.S3.Object.Key), slog.Any("error", err))
			continue
		}
		c, ok := objectChange(rec.S3.Bucket.Name, key, rec.S3.Object.ETag, rec.EventTime)
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GCSEventParser handles Cloud Storage object notifications (JSON_API_V1 payload).
type GCSEventParser struct{}

func (p *GCSEventParser) EventType() string { return "GCS" }

func (p *GCSEventParser) Parse(raw []byte) ([]Change, error) {
	var evt struct {
		Kind    string    `json:"kind"`
		Bucket  string    `json:"bucket"`
		Name    string    `json:"name"`
		ID      string    `json:"id"`
		ETag    string    `json:"etag"`
		Updated time.Time `json:"updated"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse GCS event: %w", err)
	}
	if evt.Kind != "storage#object" {
		return nil, fmt.Errorf("unexpected GCS event kind: %s", evt.Kind)
	}

	bucket := evt.Bucket
	if bucket == "" {
		idParts := strings.Split(evt.ID, "/")
		if len(idParts) < 2 {
			return nil, fmt.Errorf("invalid GCS object id format: %s", evt.ID)
		}
		bucket = idParts[0]
	}

	c, ok := objectChange(bucket, evt.Name, evt.ETag, evt.Updated)
	if !ok {
		return nil, nil
	}
	return []Change{c}, nil
}

func objectChange(bucket, key, etag string, at time.Time) (Change, bool) {
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Change{}, false
	}
	return Change{
		Container: strings.ToLower(bucket),
		Name:      key,
		ETag:      NormalizeETag(etag),
		At:        at,
	}, true
}

// NewEventParser picks a parser by sniffing raw.
func NewEventParser(raw []byte) (EventParser, error) {
	var gcsEvent struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &gcsEvent); err == nil && gcsEvent.Kind == "storage#object" {
		return &GCSEventParser{}, nil
	}

	var s3Event struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(raw, &s3Event); err == nil && len(s3Event.Records) > 0 {
		return &S3EventParser{}, nil
	}
	return nil, errUnknownEvent
}

// ParseEvents decodes one notification of either kind.
func ParseEvents(raw []byte) ([]Change, error) {
	parser, err := NewEventParser(raw)
	if err != nil {
		return nil, err
	}
	changes, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s event: %w", parser.EventType(), err)
	}
	return changes, nil
}
