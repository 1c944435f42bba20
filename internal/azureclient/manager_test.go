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
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(context.Background(), WithCredential(staticCredential{}))
	require.NoError(t, err)
	return mgr
}

func TestGetQueue_RequiresAccount(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.GetQueue(context.Background())
	assert.Error(t, err)
}

func TestGetQueue_Cached(t *testing.T) {
	mgr := newTestManager(t)

	a, err := mgr.GetQueue(context.Background(), WithQueueStorageAccount("acct"))
	require.NoError(t, err)
	b, err := mgr.GetQueue(context.Background(), WithQueueStorageAccount("acct"))
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := mgr.GetQueue(context.Background(), WithQueueStorageAccount("other"))
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.NotNil(t, c.Tracer)
}

func TestGetBlob_DefaultEndpoint(t *testing.T) {
	mgr := newTestManager(t)

	bc, err := mgr.GetBlob(context.Background(), WithBlobStorageAccount("acct"))
	require.NoError(t, err)
	assert.Contains(t, bc.Client.URL(), "acct.blob.core.windows.net")

	again, err := mgr.GetBlob(context.Background(), WithBlobStorageAccount("acct"))
	require.NoError(t, err)
	assert.Same(t, bc, again)
}

func TestGetBlob_RequiresAccount(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.GetBlob(context.Background())
	assert.Error(t, err)
}

func TestConnectionString(t *testing.T) {
	cs := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
		"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
		"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;QueueEndpoint=http://127.0.0.1:10001/devstoreaccount1;"
	mgr, err := NewManager(context.Background(), WithConnectionString(cs))
	require.NoError(t, err)

	qc, err := mgr.GetQueue(context.Background())
	require.NoError(t, err)
	assert.Contains(t, qc.ServiceClient.URL(), "10001")

	bc, err := mgr.GetBlob(context.Background())
	require.NoError(t, err)
	assert.Contains(t, bc.Client.URL(), "10000")
}
