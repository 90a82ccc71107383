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

package governance_test

import (
	"context"
	"errors"
	"testing"

	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/statedb"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, auth governance.AuthFunc) *governance.Registry {
	t.Helper()
	store := statedb.NewMemoryStore()
	t.Cleanup(func() {
		store.Close()
	})
	return governance.NewRegistry(governance.RegistryConfig{
		Store: store,
		Auth:  auth,
	})
}

func testRegistryWithStore(
	t *testing.T,
) (*governance.Registry, statedb.Store) {
	t.Helper()
	store := statedb.NewMemoryStore()
	t.Cleanup(func() {
		store.Close()
	})
	r := governance.NewRegistry(governance.RegistryConfig{Store: store})
	return r, store
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	r, store := testRegistryWithStore(t)
	err := r.Initialize(ctx, []string{"admin-1", "admin-2"}, 2, 3600)
	require.NoError(t, err)
	err = store.View(func(txn statedb.Txn) error {
		require.NoError(t, r.RequireInitialized(txn))
		threshold, err := r.Threshold(txn)
		require.NoError(t, err)
		require.Equal(t, uint32(2), threshold)
		delay, err := r.DelaySeconds(txn)
		require.NoError(t, err)
		require.Equal(t, uint64(3600), delay)
		invoker, err := r.LastInvoker(txn)
		require.NoError(t, err)
		require.Equal(t, "admin-1", invoker)
		return nil
	})
	require.NoError(t, err)
}

func TestInitializeEmptyAdmins(t *testing.T) {
	r := testRegistry(t, nil)
	err := r.Initialize(context.Background(), nil, 1, 0)
	require.ErrorIs(t, err, governance.ErrInvalidAdmins)
}

func TestInitializeDuplicateAdmins(t *testing.T) {
	r := testRegistry(t, nil)
	err := r.Initialize(
		context.Background(),
		[]string{"admin-1", "admin-1"},
		1,
		0,
	)
	require.ErrorIs(t, err, governance.ErrInvalidAdmins)
}

func TestInitializeInvalidThreshold(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, nil)
	err := r.Initialize(ctx, []string{"admin-1"}, 0, 0)
	require.ErrorIs(t, err, governance.ErrInvalidThreshold)
	err = r.Initialize(ctx, []string{"admin-1"}, 2, 0)
	require.ErrorIs(t, err, governance.ErrInvalidThreshold)
}

func TestInitializeTwice(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, nil)
	require.NoError(t, r.Initialize(ctx, []string{"admin-1"}, 1, 0))
	err := r.Initialize(ctx, []string{"admin-2"}, 1, 0)
	require.ErrorIs(t, err, governance.ErrAlreadyInitialized)
}

func TestRequireInitialized(t *testing.T) {
	r, store := testRegistryWithStore(t)
	err := store.View(func(txn statedb.Txn) error {
		return r.RequireInitialized(txn)
	})
	require.ErrorIs(t, err, governance.ErrNotInitialized)
}

func TestIsAdmin(t *testing.T) {
	ctx := context.Background()
	r, store := testRegistryWithStore(t)
	require.NoError(
		t,
		r.Initialize(ctx, []string{"admin-1", "admin-2"}, 1, 0),
	)
	err := store.View(func(txn statedb.Txn) error {
		ok, err := r.IsAdmin(txn, "admin-2")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = r.IsAdmin(txn, "stranger")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	authErr := errors.New("bad signature")
	r := testRegistry(t, func(_ context.Context, address string) error {
		if address != "admin-1" {
			return authErr
		}
		return nil
	})
	require.NoError(t, r.Authenticate(ctx, "admin-1"))
	err := r.Authenticate(ctx, "admin-2")
	require.ErrorIs(t, err, governance.ErrNotAuthorized)
	require.ErrorIs(t, err, authErr)
}

func TestAuthenticateNilAuthAllowsAll(t *testing.T) {
	r := testRegistry(t, nil)
	require.NoError(t, r.Authenticate(context.Background(), "anyone"))
}
