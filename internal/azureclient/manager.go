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

package azureclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Manager hands out cached Azure Storage clients sharing one credential.
type Manager struct {
	baseCred         azcore.TokenCredential
	connectionString string

	sync.RWMutex
	queueClients map[clientKey]*QueueClient
	blobClients  map[clientKey]*BlobClient
	tracer       trace.Tracer
}

type ManagerOption func(*Manager)

// WithConnectionString makes every client authenticate with a storage
// connection string (Azurite, SAS) instead of Entra ID credentials.
func WithConnectionString(cs string) ManagerOption {
	return func(mgr *Manager) {
		mgr.connectionString = cs
	}
}

// WithCredential overrides the default Azure credential chain.
func WithCredential(cred azcore.TokenCredential) ManagerOption {
	return func(mgr *Manager) {
		mgr.baseCred = cred
	}
}

type clientKey struct {
	StorageAccount string
	Endpoint       string
}

func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	mgr := &Manager{
		queueClients: make(map[clientKey]*QueueClient),
		blobClients:  make(map[clientKey]*BlobClient),
		tracer:       otel.Tracer("github.com/cardinalhq/workrunner/internal/azureclient"),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	if mgr.connectionString == "" && mgr.baseCred == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("loading Azure credentials: %w", err)
		}
		mgr.baseCred = cred
	}

	return mgr, nil
}

func (m *Manager) usesConnectionString() bool {
	return m.connectionString != ""
}
