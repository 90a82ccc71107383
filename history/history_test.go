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

package history_test

import (
	"testing"

	"github.com/quaylabs-io/pylon/history"
	"github.com/quaylabs-io/pylon/statedb"
	"github.com/stretchr/testify/require"
)

func testTracker(t *testing.T) (*history.Tracker, statedb.Store) {
	t.Helper()
	store := statedb.NewMemoryStore()
	t.Cleanup(func() {
		store.Close()
	})
	tracker := history.NewTracker(history.TrackerConfig{Store: store})
	return tracker, store
}

func TestTrackerInitialState(t *testing.T) {
	tracker, store := testTracker(t)
	err := store.View(func(txn statedb.Txn) error {
		_, ok, err := tracker.Current(txn)
		require.NoError(t, err)
		require.False(t, ok)
		version, err := tracker.Version(txn)
		require.NoError(t, err)
		require.Equal(t, uint64(0), version)
		_, ok, err = tracker.RollbackTarget(txn)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestTrackerCommit(t *testing.T) {
	tracker, store := testTracker(t)
	err := store.Update(func(txn statedb.Txn) error {
		rec, err := tracker.Commit(txn, "impl-a")
		require.NoError(t, err)
		require.Equal(t, uint64(1), rec.Version)
		require.Equal(t, "impl-a", rec.Implementation)
		require.Empty(t, rec.Previous)

		rec, err = tracker.Commit(txn, "impl-b")
		require.NoError(t, err)
		require.Equal(t, uint64(2), rec.Version)
		require.Equal(t, "impl-b", rec.Implementation)
		require.Equal(t, "impl-a", rec.Previous)

		current, ok, err := tracker.Current(txn)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "impl-b", current)
		version, err := tracker.Version(txn)
		require.NoError(t, err)
		require.Equal(t, uint64(2), version)
		records, err := tracker.Records(txn)
		require.NoError(t, err)
		require.Len(t, records, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestTrackerRollback(t *testing.T) {
	tracker, store := testTracker(t)
	err := store.Update(func(txn statedb.Txn) error {
		_, err := tracker.Commit(txn, "impl-a")
		require.NoError(t, err)
		_, err = tracker.Commit(txn, "impl-b")
		require.NoError(t, err)

		rec, ok, err := tracker.RollbackTarget(txn)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tracker.ApplyRollback(txn, rec))

		current, ok, err := tracker.Current(txn)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "impl-a", current)
		version, err := tracker.Version(txn)
		require.NoError(t, err)
		require.Equal(t, uint64(1), version)
		// The consumed record is gone; only the first transition remains
		records, err := tracker.Records(txn)
		require.NoError(t, err)
		require.Len(t, records, 1)
		return nil
	})
	require.NoError(t, err)
}

// Rolling back the first-ever upgrade restores the unset implementation
func TestTrackerRollbackToUnset(t *testing.T) {
	tracker, store := testTracker(t)
	err := store.Update(func(txn statedb.Txn) error {
		_, err := tracker.Commit(txn, "impl-a")
		require.NoError(t, err)
		rec, ok, err := tracker.RollbackTarget(txn)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tracker.ApplyRollback(txn, rec))

		_, ok, err = tracker.Current(txn)
		require.NoError(t, err)
		require.False(t, ok)
		version, err := tracker.Version(txn)
		require.NoError(t, err)
		require.Equal(t, uint64(0), version)
		return nil
	})
	require.NoError(t, err)
}

func TestTrackerRollbackStaleRecord(t *testing.T) {
	tracker, store := testTracker(t)
	err := store.Update(func(txn statedb.Txn) error {
		stale, err := tracker.Commit(txn, "impl-a")
		require.NoError(t, err)
		_, err = tracker.Commit(txn, "impl-b")
		require.NoError(t, err)
		// Only the latest record may be rolled back
		require.Error(t, tracker.ApplyRollback(txn, stale))
		return nil
	})
	require.NoError(t, err)
}
