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

package blobwatch

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	candidatesCounter metric.Int64Counter
	dispatchedCounter metric.Int64Counter
	duplicatesCounter metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/workrunner/internal/blobwatch")

	var err error
	candidatesCounter, err = meter.Int64Counter(
		"workrunner.blob.candidates",
		metric.WithDescription("Number of blob candidates queued, by source"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create blob.candidates counter: %w", err))
	}

	dispatchedCounter, err = meter.Int64Counter(
		"workrunner.blob.dispatched",
		metric.WithDescription("Number of blob candidates processed, by result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create blob.dispatched counter: %w", err))
	}

	duplicatesCounter, err = meter.Int64Counter(
		"workrunner.blob.duplicates",
		metric.WithDescription("Number of candidates skipped because that version was already dispatched"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create blob.duplicates counter: %w", err))
	}
}
