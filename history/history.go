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

// Package history tracks the active implementation, the monotonically
// increasing version counter, and the linked chain of implementation
// transitions that rollback walks.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/quaylabs-io/pylon/statedb"
)

var (
	keyVersion    = []byte("version")
	keyActiveImpl = []byte("active_impl")
	keyHistory    = []byte("history")
)

// ImplementationRecord links one implementation transition to the one
// before it. Previous is empty when no implementation was active before
// this record was written.
type ImplementationRecord struct {
	Version        uint64 `json:"version"`
	Implementation string `json:"implementation"`
	Previous       string `json:"previous"`
}

type TrackerConfig struct {
	Logger *slog.Logger
	Store  statedb.Store
}

type Tracker struct {
	store  statedb.Store
	logger *slog.Logger
}

func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{
		store:  cfg.Store,
		logger: cfg.Logger,
	}
	if t.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		t.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return t
}

// Current returns the active implementation address, or false before the
// first successful upgrade (and after a rollback of the first upgrade)
func (t *Tracker) Current(txn statedb.Txn) (string, bool, error) {
	data, err := txn.Get(keyActiveImpl)
	if err != nil {
		if errors.Is(err, statedb.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// Version returns the current version counter, 0 before any upgrade
func (t *Tracker) Version(txn statedb.Txn) (uint64, error) {
	data, err := txn.Get(keyVersion)
	if err != nil {
		if errors.Is(err, statedb.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("malformed version value (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (t *Tracker) setVersion(txn statedb.Txn, version uint64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, version)
	return txn.Set(keyVersion, data)
}

// Records returns the full transition history, oldest first
func (t *Tracker) Records(txn statedb.Txn) ([]ImplementationRecord, error) {
	data, err := txn.Get(keyHistory)
	if err != nil {
		if errors.Is(err, statedb.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var records []ImplementationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("malformed history: %w", err)
	}
	return records, nil
}

func (t *Tracker) setRecords(
	txn statedb.Txn,
	records []ImplementationRecord,
) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return txn.Set(keyHistory, data)
}

// Commit records a successful transition to newImpl: bumps the version,
// sets the active implementation, and appends a history record linking
// back to the implementation that was active before.
func (t *Tracker) Commit(
	txn statedb.Txn,
	newImpl string,
) (ImplementationRecord, error) {
	version, err := t.Version(txn)
	if err != nil {
		return ImplementationRecord{}, err
	}
	previous, _, err := t.Current(txn)
	if err != nil {
		return ImplementationRecord{}, err
	}
	rec := ImplementationRecord{
		Version:        version + 1,
		Implementation: newImpl,
		Previous:       previous,
	}
	records, err := t.Records(txn)
	if err != nil {
		return ImplementationRecord{}, err
	}
	if err := t.setRecords(txn, append(records, rec)); err != nil {
		return ImplementationRecord{}, err
	}
	if err := txn.Set(keyActiveImpl, []byte(newImpl)); err != nil {
		return ImplementationRecord{}, err
	}
	if err := t.setVersion(txn, rec.Version); err != nil {
		return ImplementationRecord{}, err
	}
	return rec, nil
}

// RollbackTarget returns the most recently appended history record, or
// false if the history is empty
func (t *Tracker) RollbackTarget(
	txn statedb.Txn,
) (ImplementationRecord, bool, error) {
	records, err := t.Records(txn)
	if err != nil {
		return ImplementationRecord{}, false, err
	}
	if len(records) == 0 {
		return ImplementationRecord{}, false, nil
	}
	return records[len(records)-1], true, nil
}

// ApplyRollback reverts the transition described by the given record:
// restores the previous implementation, decrements the version, and
// removes the record from history. Rollback is single-step; the consumed
// record is gone.
func (t *Tracker) ApplyRollback(
	txn statedb.Txn,
	rec ImplementationRecord,
) error {
	records, err := t.Records(txn)
	if err != nil {
		return err
	}
	if len(records) == 0 || records[len(records)-1] != rec {
		return errors.New("rollback record is not the latest history entry")
	}
	if rec.Previous == "" {
		if err := txn.Delete(keyActiveImpl); err != nil {
			return err
		}
	} else {
		if err := txn.Set(keyActiveImpl, []byte(rec.Previous)); err != nil {
			return err
		}
	}
	if err := t.setVersion(txn, rec.Version-1); err != nil {
		return err
	}
	return t.setRecords(txn, records[:len(records)-1])
}
