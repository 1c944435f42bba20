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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/workrunner/internal/backoff"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 8, cfg.Queues.NewBatchThreshold)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKRUNNER_QUEUES_BATCH_SIZE", "4")
	t.Setenv("WORKRUNNER_QUEUES_VISIBILITY_TIMEOUT", "2m")
	t.Setenv("WORKRUNNER_RETRY_MAX_ATTEMPTS", "-1")
	t.Setenv("WORKRUNNER_RETRY_DELAY_KIND", "exponential")
	t.Setenv("WORKRUNNER_BLOBS_POISON_QUEUE", "blob-failures")
	t.Setenv("WORKRUNNER_BACKEND_TYPE", "SQS")
	t.Setenv("WORKRUNNER_BACKEND_AWS_REGION", "us-west-2")
	t.Setenv("WORKRUNNER_BACKEND_AWS_PATH_STYLE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queues.BatchSize)
	assert.Equal(t, 2, cfg.Queues.NewBatchThreshold, "threshold follows batch size")
	assert.Equal(t, 2*time.Minute, cfg.Queues.VisibilityTimeout)
	assert.Equal(t, time.Minute, cfg.Queues.RenewalMargin, "margin follows visibility timeout")
	assert.Equal(t, -1, cfg.Retry.MaxAttempts)
	assert.Equal(t, "blob-failures", cfg.Blobs.PoisonQueue)
	assert.Equal(t, BackendSQS, cfg.Backend.Type)
	assert.Equal(t, "us-west-2", cfg.Backend.AWS.Region)
	assert.True(t, cfg.Backend.AWS.PathStyle)

	policy := cfg.RetryPolicy()
	assert.Equal(t, -1, policy.MaxAttempts)
	assert.Equal(t, backoff.Exponential{Min: time.Second, Max: time.Minute, Jitter: 0.2}, policy.Delay)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKRUNNER_QUEUES_NEW_BATCH_THRESHOLD", "40")

	_, err := Load()
	assert.ErrorContains(t, err, "new_batch_threshold")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Queues.BatchSize = 0 }},
		{"threshold above batch", func(c *Config) { c.Queues.NewBatchThreshold = 17 }},
		{"min above max", func(c *Config) { c.Queues.MinPollingInterval = 2 * time.Minute }},
		{"margin too long", func(c *Config) { c.Queues.RenewalMargin = 30 * time.Second }},
		{"zero dequeue count", func(c *Config) { c.Queues.MaxDequeueCount = 0 }},
		{"bad attempts", func(c *Config) { c.Retry.MaxAttempts = -2 }},
		{"bad delay kind", func(c *Config) { c.Retry.DelayKind = "linear" }},
		{"bad exponential bounds", func(c *Config) {
			c.Retry.DelayKind = DelayExponential
			c.Retry.MinInterval = time.Hour
		}},
		{"unknown backend", func(c *Config) { c.Backend.Type = "kafka" }},
		{"gcp without project", func(c *Config) { c.Backend.Type = BackendGCP }},
		{"azure without account", func(c *Config) { c.Backend.Type = BackendAzure }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 3

	q := cfg.QueueConfig()
	assert.Equal(t, 16, q.BatchSize)
	assert.Equal(t, int64(5), q.MaxDequeueCount)
	assert.Equal(t, 3, q.Retry.MaxAttempts)
	assert.Equal(t, backoff.Fixed{Interval: time.Second}, q.Retry.Delay)

	b := cfg.BlobConfig()
	assert.Equal(t, 10*time.Second, b.PollInterval)
	assert.Equal(t, uint64(100_000), b.DedupCapacity)
	assert.Equal(t, time.Second, b.MinRetryDelay)
	assert.Equal(t, time.Minute, b.MaxRetryDelay)
	assert.NoError(t, b.Validate())

	h := cfg.HostConfig()
	assert.Equal(t, "blobtrigger-poison", h.BlobPoisonQueue)
}
