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

package implreg

import (
	"context"
	"fmt"
)

// Capability function names every upgrade candidate is expected to expose.
// Migration capabilities are only required when a proposal requests a
// migration; rollback capabilities are invoked on the previous
// implementation.
const (
	CapSchemaVersion      = "schema_version"
	CapProxyCompatible    = "proxy_compatible"
	CapValidateMigration  = "validate_migration"
	CapMigrate            = "migrate"
	CapRollbackMigration  = "rollback_migration"
	CapRollbackCompatible = "rollback_compatible"
)

// SchemaVersion invokes the candidate's schema introspection capability
func (r *Registry) SchemaVersion(
	ctx context.Context,
	address string,
) (uint32, error) {
	result, err := r.Invoke(ctx, address, CapSchemaVersion, nil)
	if err != nil {
		return 0, err
	}
	return coerceUint32(result)
}

// ProxyCompatible asks the candidate whether it can replace the current
// implementation
func (r *Registry) ProxyCompatible(
	ctx context.Context,
	address string,
	currentImpl string,
) (bool, error) {
	result, err := r.Invoke(
		ctx,
		address,
		CapProxyCompatible,
		[]any{currentImpl},
	)
	if err != nil {
		return false, err
	}
	return coerceBool(result)
}

// RollbackCompatible asks the previous implementation whether the current
// one can be rolled back onto it
func (r *Registry) RollbackCompatible(
	ctx context.Context,
	address string,
	currentImpl string,
) (bool, error) {
	result, err := r.Invoke(
		ctx,
		address,
		CapRollbackCompatible,
		[]any{currentImpl},
	)
	if err != nil {
		return false, err
	}
	return coerceBool(result)
}

// ValidateMigration invokes the candidate's migration validation capability
// with a state fingerprint
func (r *Registry) ValidateMigration(
	ctx context.Context,
	address string,
	fingerprint []byte,
) (bool, error) {
	result, err := r.Invoke(
		ctx,
		address,
		CapValidateMigration,
		[]any{fingerprint},
	)
	if err != nil {
		return false, err
	}
	return coerceBool(result)
}

// Migrate invokes the candidate's parameterless migration capability
func (r *Registry) Migrate(ctx context.Context, address string) error {
	_, err := r.Invoke(ctx, address, CapMigrate, nil)
	return err
}

// RollbackMigration invokes the previous implementation's migration
// rollback capability
func (r *Registry) RollbackMigration(
	ctx context.Context,
	address string,
) error {
	_, err := r.Invoke(ctx, address, CapRollbackMigration, nil)
	return err
}

func coerceUint32(v any) (uint32, error) {
	switch val := v.(type) {
	case uint32:
		return val, nil
	case uint64:
		if val > 0xffffffff {
			return 0, fmt.Errorf("value %d overflows uint32", val)
		}
		return uint32(val), nil
	case int:
		if val < 0 || int64(val) > 0xffffffff {
			return 0, fmt.Errorf("value %d overflows uint32", val)
		}
		return uint32(val), nil
	case uint:
		if uint64(val) > 0xffffffff {
			return 0, fmt.Errorf("value %d overflows uint32", val)
		}
		return uint32(val), nil
	default:
		return 0, fmt.Errorf("expected unsigned integer result, got %T", v)
	}
}

func coerceBool(v any) (bool, error) {
	val, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean result, got %T", v)
	}
	return val, nil
}
