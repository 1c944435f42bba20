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

// Package awsclient hands out SQS and S3 clients that share one base AWS
// config, with per (region, role) credential providers cached.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string

	sync.RWMutex
	providers map[roleKey]aws.CredentialsProvider
	s3Clients map[s3Config]*S3Client
	tracer    trace.Tracer
}

type roleKey struct {
	Region  string
	RoleARN string
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

func WithAssumeRoleSessionName(name string) ManagerOption {
	return func(mgr *Manager) {
		mgr.sessionName = name
	}
}

// WithBaseRegion sets the region used when a client does not ask for one.
func WithBaseRegion(region string) ManagerOption {
	return func(mgr *Manager) {
		if region != "" {
			mgr.baseCfg.Region = region
		}
	}
}

// NewManager loads the default AWS config and a single STS client.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return newManager(cfg, opts...), nil
}

func newManager(cfg aws.Config, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		baseCfg:     cfg,
		stsClient:   sts.NewFromConfig(cfg),
		sessionName: "workrunner",
		providers:   make(map[roleKey]aws.CredentialsProvider),
		s3Clients:   make(map[s3Config]*S3Client),
		tracer:      otel.Tracer("github.com/cardinalhq/workrunner/internal/awsclient"),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// configFor returns a copy of the base config bound to region and, when
// roleARN is set, to an assumed-role credential provider.
func (m *Manager) configFor(region, roleARN string) aws.Config {
	if region == "" {
		region = m.baseCfg.Region
	}
	m.RLock()
	provider, ok := m.providers[roleKey{Region: region, RoleARN: roleARN}]
	m.RUnlock()
	if ok {
		return m.boundConfig(region, provider)
	}

	m.Lock()
	defer m.Unlock()
	return m.configForLocked(region, roleARN)
}

// configForLocked is configFor for callers holding the write lock.
func (m *Manager) configForLocked(region, roleARN string) aws.Config {
	if region == "" {
		region = m.baseCfg.Region
	}
	key := roleKey{Region: region, RoleARN: roleARN}
	provider, ok := m.providers[key]
	if !ok {
		if roleARN == "" {
			provider = m.baseCfg.Credentials
		} else {
			p := stscreds.NewAssumeRoleProvider(m.stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = m.sessionName
			})
			provider = aws.NewCredentialsCache(p)
		}
		m.providers[key] = provider
	}
	return m.boundConfig(region, provider)
}

func (m *Manager) boundConfig(region string, provider aws.CredentialsProvider) aws.Config {
	cfg := m.baseCfg.Copy()
	cfg.Region = region
	cfg.Credentials = provider
	return cfg
}
