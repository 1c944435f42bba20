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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/workrunner/config"
	"github.com/cardinalhq/workrunner/internal/blobstore"
	"github.com/cardinalhq/workrunner/internal/blobwatch"
	"github.com/cardinalhq/workrunner/internal/causality"
	"github.com/cardinalhq/workrunner/internal/debugging"
	"github.com/cardinalhq/workrunner/internal/healthcheck"
	"github.com/cardinalhq/workrunner/internal/jobhost"
	"github.com/cardinalhq/workrunner/internal/logctx"
	"github.com/cardinalhq/workrunner/internal/queuepoll"
	"github.com/cardinalhq/workrunner/internal/queuestore"
	"github.com/cardinalhq/workrunner/internal/retry"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run queue pollers and blob watchers until signalled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queues, _ := cmd.Flags().GetStringSlice("queue")
			containers, _ := cmd.Flags().GetStringSlice("container")
			forwardTo, _ := cmd.Flags().GetString("forward-to")
			blobNotify, _ := cmd.Flags().GetString("blob-notify")
			return run(queues, containers, forwardTo, blobNotify)
		},
	}
	cmd.Flags().StringSlice("queue", nil, "Queue to poll (repeatable)")
	cmd.Flags().StringSlice("container", nil, "Blob container to watch (repeatable)")
	cmd.Flags().String("forward-to", "", "Queue that receives a copy of every handled message")
	cmd.Flags().String("blob-notify", "", "Queue that receives a notice for every new blob version")

	rootCmd.AddCommand(cmd)
}

func run(queues, containers []string, forwardTo, blobNotify string) error {
	if len(queues) == 0 && len(containers) == 0 {
		return errors.New("nothing to run: pass --queue or --container")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, doneFx, err := setupTelemetry("workrunner", cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()

	debugging.RunPprof(ctx, cfg.PprofPort)

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}

	health := healthcheck.NewServer(healthcheck.Config{Port: cfg.Health.Port})
	go func() {
		if err := health.Start(ctx); err != nil {
			slog.Error("Health check server failed", slog.Any("error", err))
		}
	}()

	opts := []jobhost.Option{jobhost.WithReadiness(health)}
	if b.blobs != nil {
		opts = append(opts, jobhost.WithBlobStore(b.blobs))
	}
	host, err := jobhost.New(b.queues, cfg.HostConfig(), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := host.Close(); err != nil {
			slog.Error("Error closing stores", slog.Any("error", err))
		}
	}()

	if err := register(ctx, host, queues, containers, forwardTo, blobNotify); err != nil {
		return err
	}

	health.SetStatus(healthcheck.StatusHealthy)
	health.SetReady(true)
	slog.Info("Workrunner started",
		slog.Any("queues", queues),
		slog.Any("containers", containers),
		slog.String("backend", cfg.Backend.Type))

	err = host.Run(ctx)
	health.SetReady(false)
	if stopErr := health.Stop(); stopErr != nil {
		slog.Warn("Error stopping health check server", slog.Any("error", stopErr))
	}
	return err
}

// register wires the built-in handlers onto host.
func register(ctx context.Context, host *jobhost.Host, queues, containers []string, forwardTo, blobNotify string) error {
	var forward *jobhost.QueueWriter
	if forwardTo != "" {
		w, err := host.QueueWriter(ctx, forwardTo)
		if err != nil {
			return err
		}
		forward = w
	}
	for _, q := range queues {
		if _, err := host.HandleQueue(ctx, q, relayHandler(forward)); err != nil {
			return err
		}
	}

	var notices *jobhost.QueueWriter
	if blobNotify != "" {
		w, err := host.QueueWriter(ctx, blobNotify)
		if err != nil {
			return err
		}
		notices = w
	}
	for _, c := range containers {
		if err := host.HandleBlob(ctx, c, blobHandler(notices)); err != nil {
			return err
		}
	}
	return nil
}

// relayHandler logs each message and, when out is set, forwards its body.
// Forwarded bodies carry the invocation id as their parent.
func relayHandler(out *jobhost.QueueWriter) queuepoll.Handler {
	return func(ctx context.Context, msg *queuestore.Message) error {
		ll := logctx.FromContext(ctx)
		parent, _ := causality.ExtractParent(msg.Body)
		ll.Info("Handling message",
			slog.String("messageID", msg.ID),
			slog.Int("bytes", len(msg.Body)),
			slog.Int64("dequeueCount", msg.DequeueCount),
			slog.Int("attempt", retry.AttemptFromContext(ctx)),
			slog.String("parentID", parent))
		if out == nil {
			return nil
		}
		id, err := out.Enqueue(ctx, msg.Body)
		if err != nil {
			return fmt.Errorf("forward to %s: %w", out.Name(), err)
		}
		ll.Debug("Forwarded message", slog.String("queue", out.Name()), slog.String("forwardedID", id))
		return nil
	}
}

// blobNotice is the body written to the blob notify queue.
type blobNotice struct {
	Container string `json:"container"`
	Name      string `json:"name"`
	ETag      string `json:"etag"`
	Size      int64  `json:"size"`
}

func blobHandler(out *jobhost.QueueWriter) blobwatch.Handler {
	return func(ctx context.Context, obj blobstore.Object) error {
		ll := logctx.FromContext(ctx)
		ll.Info("Handling blob",
			slog.String("container", obj.Container),
			slog.String("name", obj.Name),
			slog.String("etag", obj.ETag),
			slog.Int64("size", obj.Size))
		if out == nil {
			return nil
		}
		body, err := json.Marshal(blobNotice{
			Container: obj.Container,
			Name:      obj.Name,
			ETag:      obj.ETag,
			Size:      obj.Size,
		})
		if err != nil {
			return retry.Stop(err)
		}
		if _, err := out.Enqueue(ctx, body); err != nil {
			return fmt.Errorf("notify %s: %w", out.Name(), err)
		}
		return nil
	}
}
