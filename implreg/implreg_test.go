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

package implreg_test

import (
	"context"
	"errors"
	"testing"

	"github.com/quaylabs-io/pylon/implreg"
	"github.com/stretchr/testify/require"
)

func TestRegistryInvoke(t *testing.T) {
	r := implreg.NewRegistry()
	r.Register("impl-a", implreg.FuncMap{
		"ping": func(_ context.Context, args []any) (any, error) {
			return args[0].(int) + 7, nil
		},
	})
	result, err := r.Invoke(context.Background(), "impl-a", "ping", []any{5})
	require.NoError(t, err)
	require.Equal(t, 12, result)
}

func TestRegistryInvokeUnknownAddress(t *testing.T) {
	r := implreg.NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", "ping", nil)
	require.ErrorIs(t, err, implreg.ErrUnknownImplementation)
}

func TestRegistryInvokeUnknownFunction(t *testing.T) {
	r := implreg.NewRegistry()
	r.Register("impl-a", implreg.FuncMap{})
	_, err := r.Invoke(context.Background(), "impl-a", "ping", nil)
	require.ErrorIs(t, err, implreg.ErrUnknownFunction)
}

func TestRegistryInvokePanicRecovery(t *testing.T) {
	r := implreg.NewRegistry()
	r.Register("impl-a", implreg.FuncMap{
		"boom": func(_ context.Context, _ []any) (any, error) {
			panic("unexpected")
		},
	})
	_, err := r.Invoke(context.Background(), "impl-a", "boom", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestRegistryDeregister(t *testing.T) {
	r := implreg.NewRegistry()
	r.Register("impl-a", implreg.FuncMap{})
	_, ok := r.Lookup("impl-a")
	require.True(t, ok)
	r.Deregister("impl-a")
	_, ok = r.Lookup("impl-a")
	require.False(t, ok)
}

func TestSchemaVersionCoercion(t *testing.T) {
	r := implreg.NewRegistry()
	for addr, ret := range map[string]any{
		"as-uint32": uint32(3),
		"as-uint64": uint64(3),
		"as-int":    int(3),
	} {
		r.Register(addr, implreg.FuncMap{
			implreg.CapSchemaVersion: func(_ context.Context, _ []any) (any, error) {
				return ret, nil
			},
		})
		v, err := r.SchemaVersion(context.Background(), addr)
		require.NoError(t, err)
		require.Equal(t, uint32(3), v)
	}
}

func TestSchemaVersionBadResult(t *testing.T) {
	r := implreg.NewRegistry()
	r.Register("impl-a", implreg.FuncMap{
		implreg.CapSchemaVersion: func(_ context.Context, _ []any) (any, error) {
			return "not a number", nil
		},
	})
	_, err := r.SchemaVersion(context.Background(), "impl-a")
	require.Error(t, err)
}

func TestProxyCompatible(t *testing.T) {
	r := implreg.NewRegistry()
	var gotCurrent string
	r.Register("impl-b", implreg.FuncMap{
		implreg.CapProxyCompatible: func(_ context.Context, args []any) (any, error) {
			gotCurrent = args[0].(string)
			return true, nil
		},
	})
	ok, err := r.ProxyCompatible(context.Background(), "impl-b", "impl-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "impl-a", gotCurrent)
}

func TestMigrateError(t *testing.T) {
	r := implreg.NewRegistry()
	migrateErr := errors.New("migration broke")
	r.Register("impl-b", implreg.FuncMap{
		implreg.CapMigrate: func(_ context.Context, _ []any) (any, error) {
			return nil, migrateErr
		},
	})
	err := r.Migrate(context.Background(), "impl-b")
	require.ErrorIs(t, err, migrateErr)
}
