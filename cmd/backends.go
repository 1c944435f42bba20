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

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cardinalhq/workrunner/config"
	"github.com/cardinalhq/workrunner/internal/awsclient"
	"github.com/cardinalhq/workrunner/internal/azureclient"
	"github.com/cardinalhq/workrunner/internal/blobstore"
	"github.com/cardinalhq/workrunner/internal/gcpclient"
	"github.com/cardinalhq/workrunner/internal/queuestore"
)

// backends are the store clients selected by backend.type. blobs is nil
// when the backend has no object store configured.
type backends struct {
	queues queuestore.Client
	blobs  blobstore.Store
}

// openBackends builds the store clients. Failing here is fatal: nothing has
// been registered yet.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	switch cfg.Backend.Type {
	case config.BackendMemory:
		slog.Warn("Using the in-memory backend; messages and blobs live only in this process")
		return &backends{
			queues: queuestore.NewMemoryClient(),
			blobs:  blobstore.NewMemoryStore("local"),
		}, nil
	case config.BackendAzure:
		return openAzure(ctx, cfg.Backend.Azure)
	case config.BackendSQS:
		return openAWS(ctx, cfg.Backend.AWS)
	case config.BackendGCP:
		return openGCP(ctx, cfg.Backend)
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Backend.Type)
	}
}

func openAzure(ctx context.Context, cfg config.AzureConfig) (*backends, error) {
	var opts []azureclient.ManagerOption
	if cfg.ConnectionString != "" {
		opts = append(opts, azureclient.WithConnectionString(cfg.ConnectionString))
	}
	mgr, err := azureclient.NewManager(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("azure client manager: %w", err)
	}

	qc, err := mgr.GetQueue(ctx,
		azureclient.WithQueueStorageAccount(cfg.StorageAccount),
		azureclient.WithQueueEndpoint(cfg.QueueEndpoint))
	if err != nil {
		return nil, fmt.Errorf("azure queue client: %w", err)
	}
	bc, err := mgr.GetBlob(ctx,
		azureclient.WithBlobStorageAccount(cfg.StorageAccount),
		azureclient.WithBlobEndpoint(cfg.BlobEndpoint))
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}

	return &backends{
		queues: queuestore.NewAzureClient(qc),
		blobs:  blobstore.NewAzureStore(cfg.StorageAccount, bc),
	}, nil
}

func s3Options(cfg config.AWSConfig) []awsclient.S3Option {
	opts := []awsclient.S3Option{
		awsclient.WithRole(cfg.RoleARN),
		awsclient.WithRegion(cfg.Region),
		awsclient.WithEndpoint(cfg.S3Endpoint),
	}
	if cfg.PathStyle {
		opts = append(opts, awsclient.WithPathStyle())
	}
	if cfg.InsecureTLS {
		opts = append(opts, awsclient.WithInsecureTLS())
	}
	return opts
}

func openAWS(ctx context.Context, cfg config.AWSConfig) (*backends, error) {
	var mopts []awsclient.ManagerOption
	if cfg.Region != "" {
		mopts = append(mopts, awsclient.WithBaseRegion(cfg.Region))
	}
	mgr, err := awsclient.NewManager(ctx, mopts...)
	if err != nil {
		return nil, fmt.Errorf("aws client manager: %w", err)
	}

	sqsClient, err := mgr.GetSQS(ctx,
		awsclient.WithSQSRole(cfg.RoleARN),
		awsclient.WithSQSRegion(cfg.Region),
		awsclient.WithSQSEndpoint(cfg.SQSEndpoint))
	if err != nil {
		return nil, fmt.Errorf("sqs client: %w", err)
	}
	queues := queuestore.NewSQSClient(sqsClient)

	s3Client, err := mgr.GetS3(ctx, s3Options(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	store, err := newS3Store(ctx, "aws", s3Client, queues, cfg.EventQueue)
	if err != nil {
		return nil, err
	}
	return &backends{queues: queues, blobs: store}, nil
}

// openGCP uses Pub/Sub for queues. Blobs are read through the Cloud Storage
// S3-compatible endpoint when backend.aws.s3_endpoint is set, with object
// notifications arriving on the backend.aws.event_queue subscription.
func openGCP(ctx context.Context, cfg config.BackendConfig) (*backends, error) {
	var opts []gcpclient.PubSubOption
	if cfg.GCP.CredentialsFile != "" {
		opts = append(opts, gcpclient.WithCredentialsFile(cfg.GCP.CredentialsFile))
	}
	if cfg.GCP.ServiceAccount != "" {
		opts = append(opts, gcpclient.WithImpersonateServiceAccount(cfg.GCP.ServiceAccount))
	}
	if cfg.GCP.Endpoint != "" {
		opts = append(opts, gcpclient.WithEndpoint(cfg.GCP.Endpoint))
	}
	psc, err := gcpclient.NewManager().GetPubSub(ctx, cfg.GCP.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	queues := queuestore.NewGCPClient(psc)

	if cfg.AWS.S3Endpoint == "" {
		slog.Info("No object store endpoint configured for the gcp backend; blob watching is disabled")
		return &backends{queues: queues}, nil
	}

	mgr, err := awsclient.NewManager(ctx, awsclient.WithBaseRegion("auto"))
	if err != nil {
		return nil, fmt.Errorf("aws client manager: %w", err)
	}
	s3Client, err := mgr.GetS3(ctx, append(s3Options(cfg.AWS), awsclient.WithRelaxedChecksums())...)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	store, err := newS3Store(ctx, "gcs", s3Client, queues, cfg.AWS.EventQueue)
	if err != nil {
		return nil, err
	}
	return &backends{queues: queues, blobs: store}, nil
}

func newS3Store(ctx context.Context, account string, client *awsclient.S3Client, queues queuestore.Client, eventQueue string) (*blobstore.S3Store, error) {
	var opts []blobstore.S3Option
	if eventQueue != "" {
		q, err := queues.Queue(ctx, eventQueue)
		if err != nil {
			return nil, fmt.Errorf("open bucket event queue %s: %w", eventQueue, err)
		}
		opts = append(opts, blobstore.WithEventQueue(q))
	}
	slog.Info("Using S3 blob store",
		slog.String("account", account),
		slog.String("region", client.Region),
		slog.String("endpoint", client.Endpoint),
		slog.String("eventQueue", eventQueue))
	return blobstore.NewS3Store(account, client, opts...), nil
}
