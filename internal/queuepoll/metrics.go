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

package queuepoll

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	fetchedCounter      metric.Int64Counter
	completedCounter    metric.Int64Counter
	poisonedCounter     metric.Int64Counter
	renewalCounter      metric.Int64Counter
	pollIntervalHist    metric.Float64Histogram
	handlerDurationHist metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/workrunner/internal/queuepoll")

	var err error
	fetchedCounter, err = meter.Int64Counter(
		"workrunner.queue.fetched",
		metric.WithDescription("Number of messages leased from a queue"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.fetched counter: %w", err))
	}

	completedCounter, err = meter.Int64Counter(
		"workrunner.queue.completed",
		metric.WithDescription("Number of messages whose handling finished, by result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.completed counter: %w", err))
	}

	poisonedCounter, err = meter.Int64Counter(
		"workrunner.queue.poisoned",
		metric.WithDescription("Number of poison records written"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.poisoned counter: %w", err))
	}

	renewalCounter, err = meter.Int64Counter(
		"workrunner.queue.lease.renewals",
		metric.WithDescription("Number of lease renewal calls, by result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.lease.renewals counter: %w", err))
	}

	pollIntervalHist, err = meter.Float64Histogram(
		"workrunner.queue.poll.interval",
		metric.WithDescription("Wait chosen after each poll"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.poll.interval histogram: %w", err))
	}

	handlerDurationHist, err = meter.Float64Histogram(
		"workrunner.queue.handler.duration",
		metric.WithDescription("Time spent in the handler including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.handler.duration histogram: %w", err))
	}
}
