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

package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, Response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr.Code, resp
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "unhealthy", StatusUnhealthy.String())
	assert.Equal(t, "unknown", Status(999).String())
}

func TestNewServerDefaultsPort(t *testing.T) {
	assert.Equal(t, 8090, NewServer(Config{}).port)
	assert.Equal(t, 9000, NewServer(Config{Port: 9000}).port)
}

func TestHealthAndLiveness(t *testing.T) {
	s := NewServer(Config{})
	h := s.Handler()

	tests := []struct {
		status  Status
		path    string
		code    int
		healthy bool
	}{
		{StatusStarting, "/healthz", http.StatusServiceUnavailable, false},
		{StatusHealthy, "/healthz", http.StatusOK, true},
		{StatusUnhealthy, "/healthz", http.StatusServiceUnavailable, false},
		{StatusStarting, "/livez", http.StatusOK, true},
		{StatusHealthy, "/livez", http.StatusOK, true},
		{StatusUnhealthy, "/livez", http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.path, tt.status), func(t *testing.T) {
			s.SetStatus(tt.status)
			code, resp := get(t, h, tt.path)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.healthy, resp.Healthy)
			assert.Equal(t, tt.status.String(), resp.Status)
		})
	}
}

func TestReadinessProbes(t *testing.T) {
	s := NewServer(Config{})
	s.SetStatus(StatusHealthy)
	h := s.Handler()

	code, _ := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready until marked ready")

	s.SetReady(true)
	code, _ = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	var running atomic.Bool
	s.AddProbe("queue:orders", running.Load)
	s.AddProbe("blobs:local", func() bool { return true })

	code, resp := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]bool{"queue:orders": false, "blobs:local": true}, resp.Conditions)

	running.Store(true)
	code, resp = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Healthy)

	s.SetStatus(StatusUnhealthy)
	assert.False(t, s.IsReady())
	s.SetStatus(StatusHealthy)

	running.Store(false)
	s.RemoveProbe("queue:orders")
	assert.True(t, s.IsReady())
}

func TestServeStopsWithContext(t *testing.T) {
	s := NewServer(Config{})
	s.SetStatus(StatusHealthy)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/livez"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
