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

package queuestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound means the message is gone (already deleted or expired).
	ErrNotFound = errors.New("message not found")
	// ErrLeaseLost means the pop receipt no longer matches the message.
	ErrLeaseLost = errors.New("lease lost")
)

// Kind classifies a store failure.
type Kind int

const (
	// KindTransient failures (network, throttling, 5xx) are worth retrying.
	KindTransient Kind = iota
	// KindPermanent failures will not get better by retrying this item now.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// StoreError wraps an adapter error with the operation and its classification.
type StoreError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: KindTransient, Err: err}
}

func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is worth retrying. Unclassified errors are
// treated as transient; cancellation and the not-found/lease-lost sentinels are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost) {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return true
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
