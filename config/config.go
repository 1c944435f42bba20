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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/workrunner/internal/backoff"
	"github.com/cardinalhq/workrunner/internal/blobwatch"
	"github.com/cardinalhq/workrunner/internal/jobhost"
	"github.com/cardinalhq/workrunner/internal/queuepoll"
	"github.com/cardinalhq/workrunner/internal/retry"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendAzure  = "azure"
	BackendSQS    = "sqs"
	BackendGCP    = "gcp"
)

// Retry delay kinds.
const (
	DelayFixed       = "fixed"
	DelayExponential = "exponential"
)

// Config aggregates configuration for the application.
type Config struct {
	Debug bool `mapstructure:"debug"`
	// PprofPort serves net/http/pprof when positive.
	PprofPort int           `mapstructure:"pprof_port"`
	Queues    QueuesConfig  `mapstructure:"queues"`
	Retry     RetryConfig   `mapstructure:"retry"`
	Blobs     BlobsConfig   `mapstructure:"blobs"`
	Backend   BackendConfig `mapstructure:"backend"`
	Health    HealthConfig  `mapstructure:"health"`
}

type QueuesConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	NewBatchThreshold   int           `mapstructure:"new_batch_threshold"`
	MaxDequeueCount     int64         `mapstructure:"max_dequeue_count"`
	VisibilityTimeout   time.Duration `mapstructure:"visibility_timeout"`
	MinPollingInterval  time.Duration `mapstructure:"min_polling_interval"`
	MaxPollingInterval  time.Duration `mapstructure:"max_polling_interval"`
	RenewalMargin       time.Duration `mapstructure:"renewal_margin"`
	MaxReleaseDelay     time.Duration `mapstructure:"max_release_delay"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

type RetryConfig struct {
	// MaxAttempts is -1 for unlimited, 0 for a single invocation.
	MaxAttempts int           `mapstructure:"max_attempts"`
	DelayKind   string        `mapstructure:"delay_kind"`
	Interval    time.Duration `mapstructure:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

type BlobsConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	DedupCapacity       uint64        `mapstructure:"dedup_capacity"`
	DedupTTL            time.Duration `mapstructure:"dedup_ttl"`
	Concurrency         int           `mapstructure:"concurrency"`
	MaxDispatchFailures int           `mapstructure:"max_dispatch_failures"`
	MinRetryDelay       time.Duration `mapstructure:"min_retry_delay"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay"`
	PoisonQueue         string        `mapstructure:"poison_queue"`
}

type BackendConfig struct {
	Type  string      `mapstructure:"type"`
	Azure AzureConfig `mapstructure:"azure"`
	AWS   AWSConfig   `mapstructure:"aws"`
	GCP   GCPConfig   `mapstructure:"gcp"`
}

type AzureConfig struct {
	StorageAccount   string `mapstructure:"storage_account"`
	ConnectionString string `mapstructure:"connection_string"`
	QueueEndpoint    string `mapstructure:"queue_endpoint"`
	BlobEndpoint     string `mapstructure:"blob_endpoint"`
}

type AWSConfig struct {
	Region      string `mapstructure:"region"`
	RoleARN     string `mapstructure:"role_arn"`
	SQSEndpoint string `mapstructure:"sqs_endpoint"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	PathStyle   bool   `mapstructure:"path_style"`
	InsecureTLS bool   `mapstructure:"insecure_tls"`
	// EventQueue names the SQS queue receiving bucket notifications.
	EventQueue string `mapstructure:"event_queue"`
}

type GCPConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	ServiceAccount  string `mapstructure:"service_account"`
	Endpoint        string `mapstructure:"endpoint"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Queues: QueuesConfig{
			BatchSize:           16,
			NewBatchThreshold:   8,
			MaxDequeueCount:     5,
			VisibilityTimeout:   30 * time.Second,
			MinPollingInterval:  100 * time.Millisecond,
			MaxPollingInterval:  time.Minute,
			RenewalMargin:       15 * time.Second,
			MaxReleaseDelay:     30 * time.Second,
			ShutdownGracePeriod: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 0,
			DelayKind:   DelayFixed,
			Interval:    time.Second,
			MinInterval: time.Second,
			MaxInterval: time.Minute,
		},
		Blobs: BlobsConfig{
			PollInterval:        10 * time.Second,
			DedupCapacity:       100_000,
			DedupTTL:            24 * time.Hour,
			Concurrency:         8,
			MaxDispatchFailures: 5,
			MinRetryDelay:       time.Second,
			MaxRetryDelay:       time.Minute,
			PoisonQueue:         blobwatch.DefaultPoisonQueue,
		},
		Backend: BackendConfig{Type: BackendMemory},
		Health:  HealthConfig{Port: 8090},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "WORKRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "queues.batch_size"
// becomes "WORKRUNNER_QUEUES_BATCH_SIZE".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("WORKRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	// An explicit batch size without a threshold keeps the half-full default.
	if v.IsSet("queues.batch_size") && !v.IsSet("queues.new_batch_threshold") {
		cfg.Queues.NewBatchThreshold = (cfg.Queues.BatchSize + 1) / 2
	}
	if v.IsSet("queues.visibility_timeout") && !v.IsSet("queues.renewal_margin") {
		cfg.Queues.RenewalMargin = cfg.Queues.VisibilityTimeout / 2
	}
	cfg.Backend.Type = strings.ToLower(cfg.Backend.Type)
	return cfg, cfg.Validate()
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	q := c.Queues
	switch {
	case q.BatchSize <= 0:
		return fmt.Errorf("queues.batch_size must be positive, got %d", q.BatchSize)
	case q.NewBatchThreshold <= 0 || q.NewBatchThreshold > q.BatchSize:
		return fmt.Errorf("queues.new_batch_threshold must be in [1, %d], got %d", q.BatchSize, q.NewBatchThreshold)
	case q.MaxDequeueCount <= 0:
		return fmt.Errorf("queues.max_dequeue_count must be positive, got %d", q.MaxDequeueCount)
	case q.MinPollingInterval <= 0 || q.MinPollingInterval > q.MaxPollingInterval:
		return fmt.Errorf("queues.min_polling_interval %s must be positive and not exceed max %s", q.MinPollingInterval, q.MaxPollingInterval)
	case q.RenewalMargin <= 0 || q.RenewalMargin >= q.VisibilityTimeout:
		return fmt.Errorf("queues.renewal_margin %s must be shorter than visibility_timeout %s", q.RenewalMargin, q.VisibilityTimeout)
	}

	r := c.Retry
	if r.MaxAttempts < retry.Unlimited {
		return fmt.Errorf("retry.max_attempts must be -1 or more, got %d", r.MaxAttempts)
	}
	switch r.DelayKind {
	case DelayFixed:
		if r.Interval < 0 {
			return fmt.Errorf("retry.interval must not be negative")
		}
	case DelayExponential:
		if r.MinInterval <= 0 || r.MinInterval > r.MaxInterval {
			return fmt.Errorf("retry.min_interval %s must be positive and not exceed max %s", r.MinInterval, r.MaxInterval)
		}
	default:
		return fmt.Errorf("retry.delay_kind must be %q or %q, got %q", DelayFixed, DelayExponential, r.DelayKind)
	}

	switch c.Backend.Type {
	case BackendMemory, BackendAzure, BackendSQS, BackendGCP:
	default:
		return fmt.Errorf("backend.type %q is not supported", c.Backend.Type)
	}
	if c.Backend.Type == BackendGCP && c.Backend.GCP.ProjectID == "" {
		return errors.New("backend.gcp.project_id is required for the gcp backend")
	}
	if c.Backend.Type == BackendAzure && c.Backend.Azure.StorageAccount == "" && c.Backend.Azure.ConnectionString == "" {
		return errors.New("backend.azure.storage_account or connection_string is required for the azure backend")
	}
	return nil
}

// RetryPolicy builds the handler retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	r := c.Retry
	if r.DelayKind == DelayExponential {
		return retry.Policy{
			MaxAttempts: r.MaxAttempts,
			Delay:       backoff.Exponential{Min: r.MinInterval, Max: r.MaxInterval, Jitter: 0.2},
		}
	}
	return retry.Policy{MaxAttempts: r.MaxAttempts, Delay: backoff.Fixed{Interval: r.Interval}}
}

func (c *Config) QueueConfig() queuepoll.Config {
	q := c.Queues
	return queuepoll.Config{
		BatchSize:           q.BatchSize,
		NewBatchThreshold:   q.NewBatchThreshold,
		MaxDequeueCount:     q.MaxDequeueCount,
		VisibilityTimeout:   q.VisibilityTimeout,
		MinPollingInterval:  q.MinPollingInterval,
		MaxPollingInterval:  q.MaxPollingInterval,
		RenewalMargin:       q.RenewalMargin,
		MaxReleaseDelay:     q.MaxReleaseDelay,
		ShutdownGracePeriod: q.ShutdownGracePeriod,
		Retry:               c.RetryPolicy(),
	}
}

func (c *Config) BlobConfig() blobwatch.Config {
	b := c.Blobs
	cfg := blobwatch.DefaultConfig()
	cfg.PollInterval = b.PollInterval
	cfg.DedupCapacity = b.DedupCapacity
	cfg.DedupTTL = b.DedupTTL
	cfg.Concurrency = b.Concurrency
	cfg.MaxDispatchFailures = b.MaxDispatchFailures
	cfg.MinRetryDelay = b.MinRetryDelay
	cfg.MaxRetryDelay = b.MaxRetryDelay
	cfg.Retry = c.RetryPolicy()
	return cfg
}

func (c *Config) HostConfig() jobhost.Config {
	return jobhost.Config{
		Queue:           c.QueueConfig(),
		Blob:            c.BlobConfig(),
		BlobPoisonQueue: c.Blobs.PoisonQueue,
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
