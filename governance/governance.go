// Copyright 2026 Quay Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package governance holds the admin set, quorum threshold, and timelock
// delay. The admin set is fixed at initialization; there is no rotation or
// re-initialization path.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/quaylabs-io/pylon/statedb"
)

var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrInvalidAdmins      = errors.New("invalid admin set")
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrNotInitialized     = errors.New("not initialized")
	ErrNotAdmin           = errors.New("not an admin")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrStorage            = errors.New("storage inconsistency")
)

// AuthFunc proves that an address authorized the current invocation. A nil
// AuthFunc accepts every caller (test and single-operator setups).
type AuthFunc func(ctx context.Context, address string) error

var (
	keyGovernance  = []byte("governance")
	keyLastInvoker = []byte("last_invoker")
)

// record is the persisted governance configuration
type record struct {
	Admins       []string `json:"admins"`
	Threshold    uint32   `json:"threshold"`
	DelaySeconds uint64   `json:"delay_seconds"`
}

type RegistryConfig struct {
	Logger *slog.Logger
	Store  statedb.Store
	Auth   AuthFunc
}

// Registry answers admin membership and governance parameter queries
type Registry struct {
	store  statedb.Store
	logger *slog.Logger
	auth   AuthFunc
}

func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		store:  cfg.Store,
		logger: cfg.Logger,
		auth:   cfg.Auth,
	}
	if r.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return r
}

// Initialize persists the admin set, threshold, and delay. It can only
// succeed once; the configuration is immutable afterwards. The first admin
// is seeded as the last invoker so a proposer fallback exists before any
// authenticated identity is recorded.
func (r *Registry) Initialize(
	ctx context.Context,
	admins []string,
	threshold uint32,
	delaySeconds uint64,
) error {
	if len(admins) == 0 {
		return ErrInvalidAdmins
	}
	seen := make(map[string]struct{}, len(admins))
	for _, admin := range admins {
		if admin == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidAdmins)
		}
		if _, ok := seen[admin]; ok {
			return fmt.Errorf("%w: duplicate address %s", ErrInvalidAdmins, admin)
		}
		seen[admin] = struct{}{}
	}
	if threshold == 0 || uint64(threshold) > uint64(len(admins)) {
		return ErrInvalidThreshold
	}
	err := r.store.Update(func(txn statedb.Txn) error {
		if _, err := txn.Get(keyGovernance); err == nil {
			return ErrAlreadyInitialized
		} else if !errors.Is(err, statedb.ErrKeyNotFound) {
			return err
		}
		rec := record{
			Admins:       slices.Clone(admins),
			Threshold:    threshold,
			DelaySeconds: delaySeconds,
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := txn.Set(keyGovernance, data); err != nil {
			return err
		}
		return txn.Set(keyLastInvoker, []byte(admins[0]))
	})
	if err != nil {
		return err
	}
	r.logger.Info(
		"governance initialized",
		"component", "governance",
		"admins", len(admins),
		"threshold", threshold,
		"delay_seconds", delaySeconds,
	)
	return nil
}

// Authenticate proves the given address authorized this invocation
func (r *Registry) Authenticate(ctx context.Context, address string) error {
	if r.auth == nil {
		return nil
	}
	if err := r.auth(ctx, address); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotAuthorized, address, err)
	}
	return nil
}

func (r *Registry) get(txn statedb.Txn) (*record, error) {
	data, err := txn.Get(keyGovernance)
	if err != nil {
		if errors.Is(err, statedb.ErrKeyNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return &rec, nil
}

// RequireInitialized returns ErrNotInitialized before Initialize has run
func (r *Registry) RequireInitialized(txn statedb.Txn) error {
	_, err := r.get(txn)
	return err
}

func (r *Registry) IsAdmin(txn statedb.Txn, address string) (bool, error) {
	rec, err := r.get(txn)
	if err != nil {
		return false, err
	}
	return slices.Contains(rec.Admins, address), nil
}

func (r *Registry) Admins(txn statedb.Txn) ([]string, error) {
	rec, err := r.get(txn)
	if err != nil {
		return nil, err
	}
	return rec.Admins, nil
}

func (r *Registry) Threshold(txn statedb.Txn) (uint32, error) {
	rec, err := r.get(txn)
	if err != nil {
		return 0, err
	}
	return rec.Threshold, nil
}

func (r *Registry) DelaySeconds(txn statedb.Txn) (uint64, error) {
	rec, err := r.get(txn)
	if err != nil {
		return 0, err
	}
	return rec.DelaySeconds, nil
}

// SetLastInvoker records the most recent authenticated caller
func (r *Registry) SetLastInvoker(txn statedb.Txn, address string) error {
	return txn.Set(keyLastInvoker, []byte(address))
}

// LastInvoker returns the most recent authenticated caller. A missing
// value after initialization is a storage inconsistency.
func (r *Registry) LastInvoker(txn statedb.Txn) (string, error) {
	data, err := txn.Get(keyLastInvoker)
	if err != nil {
		if errors.Is(err, statedb.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: missing last invoker", ErrStorage)
		}
		return "", err
	}
	return string(data), nil
}
