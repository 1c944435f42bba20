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
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Storage analytics log (format 1.0/2.0) field positions.
const (
	logFieldVersion    = 0
	logFieldStartTime  = 1
	logFieldOperation  = 2
	logFieldStatus     = 3
	logFieldHTTPStatus = 4
	logFieldObjectKey  = 12
	logMinFields       = 13
)

// blobWriteOperations are the logged operations that leave a new blob version.
var blobWriteOperations = map[string]bool{
	"PutBlob":           true,
	"PutBlockList":      true,
	"CopyBlob":          true,
	"SetBlobProperties": true,
	"SetBlobMetadata":   true,
}

type analyticsEntry struct {
	At         time.Time
	Operation  string
	Status     string
	HTTPStatus int
	Account    string
	Container  string
	Name       string
}

// splitLogLine splits on ';' outside double quotes and strips the quotes.
func splitLogLine(line string) []string {
	var (
		fields  []string
		cur     strings.Builder
		inQuote bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ';' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(fields, cur.String())
}

func parseLogLine(line string) (analyticsEntry, error) {
	fields := splitLogLine(strings.TrimRight(line, "\r"))
	if len(fields) < logMinFields {
		return analyticsEntry{}, fmt.Errorf("analytics log line has %d fields", len(fields))
	}
	if v := fields[logFieldVersion]; v != "1.0" && v != "2.0" {
		return analyticsEntry{}, fmt.Errorf("unsupported analytics log version %q", v)
	}

	at, err := time.Parse(time.RFC3339Nano, fields[logFieldStartTime])
	if err != nil {
		return analyticsEntry{}, fmt.Errorf("bad request start time: %w", err)
	}
	code, _ := strconv.Atoi(fields[logFieldHTTPStatus])

	e := analyticsEntry{
		At:         at,
		Operation:  fields[logFieldOperation],
		Status:     fields[logFieldStatus],
		HTTPStatus: code,
	}

	// Requested object key is /account/container/blob/path.
	key := strings.TrimPrefix(fields[logFieldObjectKey], "/")
	parts := strings.SplitN(key, "/", 3)
	if len(parts) == 3 {
		e.Account = parts[0]
		e.Container = parts[1]
		e.Name = parts[2]
		if unescaped, err := url.PathUnescape(e.Name); err == nil {
			e.Name = unescaped
		}
	}
	return e, nil
}

// isBlobWrite reports whether e is a successful write to a named blob.
func (e analyticsEntry) isBlobWrite() bool {
	return blobWriteOperations[e.Operation] &&
		strings.HasPrefix(e.Status, "Success") &&
		e.HTTPStatus >= 200 && e.HTTPStatus < 300 &&
		e.Container != "" && e.Name != ""
}

// parseAnalyticsLog returns a change for every blob write in a log blob.
// Lines that do not parse are skipped.
func parseAnalyticsLog(data []byte, account string) []Change {
	var out []Change
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, err := parseLogLine(line)
		if err != nil || !e.isBlobWrite() {
			continue
		}
		if account != "" && e.Account != "" && !strings.EqualFold(account, e.Account) {
			continue
		}
		out = append(out, Change{Container: strings.ToLower(e.Container), Name: e.Name, At: e.At})
	}
	return out
}

// logHourPrefixes lists the $logs prefixes (blob/YYYY/MM/DD/hh00/) covering
// [since, now], newest hour last, at most maxHours of them.
func logHourPrefixes(since, now time.Time, maxHours int) []string {
	since = since.UTC().Truncate(time.Hour)
	now = now.UTC().Truncate(time.Hour)
	if oldest := now.Add(-time.Duration(maxHours-1) * time.Hour); since.Before(oldest) {
		since = oldest
	}
	var out []string
	for h := since; !h.After(now); h = h.Add(time.Hour) {
		out = append(out, h.Format("blob/2006/01/02/1500/"))
	}
	return out
}
