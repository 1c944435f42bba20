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

// Package gcpclient builds Pub/Sub admin and data clients using
// Application Default Credentials, optionally impersonating a service account.
package gcpclient

import (
	"context"
	"fmt"
	"sync"

	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
)

const pubsubScope = "https://www.googleapis.com/auth/pubsub"

// Manager hands out cached Pub/Sub clients per project and identity.
type Manager struct {
	sync.RWMutex
	clients map[clientKey]*PubSubClient
	tracer  trace.Tracer
}

func NewManager() *Manager {
	return &Manager{
		clients: make(map[clientKey]*PubSubClient),
		tracer:  otel.Tracer("github.com/cardinalhq/workrunner/internal/gcpclient"),
	}
}

// PubSubClient pairs the publisher and subscriber clients for one project.
type PubSubClient struct {
	ProjectID  string
	Publisher  *pubsubapi.PublisherClient
	Subscriber *pubsubapi.SubscriberClient
	Tracer     trace.Tracer
}

func (c *PubSubClient) Close() error {
	perr := c.Publisher.Close()
	serr := c.Subscriber.Close()
	if perr != nil {
		return perr
	}
	return serr
}

type clientKey struct {
	ProjectID           string
	ServiceAccountEmail string
	CredentialsFile     string
	Endpoint            string
}

type pubsubConfig clientKey

// PubSubOption is a functional option for GetPubSub.
type PubSubOption func(*pubsubConfig)

// WithImpersonateServiceAccount sets the service account email to impersonate.
func WithImpersonateServiceAccount(email string) PubSubOption {
	return func(c *pubsubConfig) {
		c.ServiceAccountEmail = email
	}
}

// WithCredentialsFile uses a service account key file instead of ADC.
func WithCredentialsFile(path string) PubSubOption {
	return func(c *pubsubConfig) {
		c.CredentialsFile = path
	}
}

// WithEndpoint points the clients at a specific endpoint, eg the emulator.
func WithEndpoint(endpoint string) PubSubOption {
	return func(c *pubsubConfig) {
		c.Endpoint = endpoint
	}
}

func (c pubsubConfig) clientOptions(ctx context.Context) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	if c.ServiceAccountEmail != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: c.ServiceAccountEmail,
			Scopes:          []string{pubsubScope},
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating impersonated token source: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	return opts, nil
}

// GetPubSub returns the Pub/Sub clients for projectID, creating them once.
func (m *Manager) GetPubSub(ctx context.Context, projectID string, opts ...PubSubOption) (*PubSubClient, error) {
	if projectID == "" {
		return nil, fmt.Errorf("gcp project id is required")
	}
	cfg := pubsubConfig{ProjectID: projectID}
	for _, opt := range opts {
		opt(&cfg)
	}

	key := clientKey(cfg)
	m.RLock()
	client, ok := m.clients[key]
	m.RUnlock()
	if ok {
		return client, nil
	}

	m.Lock()
	defer m.Unlock()
	if client, ok = m.clients[key]; ok {
		return client, nil
	}

	clientOpts, err := cfg.clientOptions(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := pubsubapi.NewPublisherClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub publisher client: %w", err)
	}
	sub, err := pubsubapi.NewSubscriberClient(ctx, clientOpts...)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("creating pubsub subscriber client: %w", err)
	}

	client = &PubSubClient{
		ProjectID:  projectID,
		Publisher:  pub,
		Subscriber: sub,
		Tracer:     m.tracer,
	}
	m.clients[key] = client
	return client, nil
}
