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
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/workrunner/config"
	"github.com/cardinalhq/workrunner/internal/causality"
	"github.com/cardinalhq/workrunner/internal/queuestore"
)

const peekLease = 30 * time.Second

func init() {
	poisonCmd := &cobra.Command{
		Use:   "poison",
		Short: "Inspect poison queues",
	}

	peekCmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Print messages waiting on a queue's poison queue without removing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, cancel := handleSignals(cmd.Context())
			defer cancel()

			b, err := openBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.queues.Close()

			name := args[0]
			if !queuestore.IsPoisonQueue(name) {
				pq, ok := queuestore.PoisonQueueName(name, b.queues.MaxQueueNameLength())
				if !ok {
					return fmt.Errorf("queue %s has no poison queue", name)
				}
				name = pq
			}
			q, err := b.queues.Queue(ctx, name)
			if err != nil {
				return fmt.Errorf("open queue %s: %w", name, err)
			}
			return peekPoison(ctx, q, limit, cmd.OutOrStdout())
		},
	}
	peekCmd.Flags().Int("limit", 10, "Most messages to print")

	poisonCmd.AddCommand(peekCmd)
	rootCmd.AddCommand(poisonCmd)
}

// poisonView is one printed poison message.
type poisonView struct {
	Queue        string            `json:"queue"`
	ID           string            `json:"id"`
	DequeueCount int64             `json:"dequeueCount"`
	InsertedAt   time.Time         `json:"insertedAt"`
	ParentID     string            `json:"parentId,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Body         string            `json:"body"`
}

// peekPoison leases up to limit messages, prints them as JSON lines and
// releases them straight back.
func peekPoison(ctx context.Context, q queuestore.Queue, limit int, w io.Writer) error {
	if limit <= 0 {
		return nil
	}
	msgs, err := q.FetchBatch(ctx, limit, peekLease)
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", q.Name(), err)
	}

	enc := json.NewEncoder(w)
	var writeErr error
	for _, msg := range msgs {
		parent, _ := causality.ExtractParent(msg.Body)
		if writeErr == nil {
			writeErr = enc.Encode(poisonView{
				Queue:        q.Name(),
				ID:           msg.ID,
				DequeueCount: msg.DequeueCount,
				InsertedAt:   msg.InsertedAt,
				ParentID:     parent,
				Attributes:   msg.Attributes,
				Body:         string(msg.Body),
			})
		}
		if err := q.ReleaseEarly(ctx, msg.ID, msg.PopReceipt, 0); err != nil {
			slog.Warn("Failed to release peeked message",
				slog.String("queue", q.Name()), slog.String("messageID", msg.ID), slog.Any("error", err))
		}
	}
	return writeErr
}
