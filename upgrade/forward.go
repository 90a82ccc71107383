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

package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/quaylabs-io/pylon/statedb"
)

var ErrInvocationFailed = errors.New("invocation failed")

// Forward routes a call through to the active implementation. Any caller
// may forward; the caller identity is recorded as the last invoker before
// the call is made. Failures inside the implementation surface as
// ErrInvocationFailed with the cause attached.
func (e *Executor) Forward(
	ctx context.Context,
	caller string,
	function string,
	args []any,
) (any, error) {
	var target string
	err := e.store.Update(func(txn statedb.Txn) error {
		if err := e.registry.RequireInitialized(txn); err != nil {
			return err
		}
		current, ok, err := e.history.Current(txn)
		if err != nil {
			return err
		}
		if !ok {
			return ErrImplementationNotSet
		}
		target = current
		return e.registry.SetLastInvoker(txn, caller)
	})
	if err != nil {
		return nil, err
	}
	result, err := e.impls.Invoke(ctx, target, function, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvocationFailed, err)
	}
	e.logger.Debug(
		"call forwarded",
		"component", "upgrade",
		"implementation", target,
		"function", function,
	)
	return result, nil
}
