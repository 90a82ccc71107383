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

// Package implreg maps implementation addresses to callable implementations.
// The proxy never links against an implementation directly; every call is
// late-bound through a registry lookup and a named function invocation, the
// same dispatch surface the upgrade executor uses for its capability checks.
package implreg

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownImplementation = errors.New("unknown implementation address")
	ErrUnknownFunction       = errors.New("unknown function")
)

// Implementation is a callable upgrade target. Invoke dispatches a named
// function with positional arguments and returns the function's result.
type Implementation interface {
	Invoke(ctx context.Context, function string, args []any) (any, error)
}

// FuncMap adapts a map of named functions into an Implementation
type FuncMap map[string]func(ctx context.Context, args []any) (any, error)

func (m FuncMap) Invoke(
	ctx context.Context,
	function string,
	args []any,
) (any, error) {
	fn, ok := m[function]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, function)
	}
	return fn(ctx, args)
}

// Registry holds the address to implementation mapping
type Registry struct {
	mu    sync.RWMutex
	impls map[string]Implementation
}

func NewRegistry() *Registry {
	return &Registry{
		impls: make(map[string]Implementation),
	}
}

func (r *Registry) Register(address string, impl Implementation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[address] = impl
}

func (r *Registry) Deregister(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.impls, address)
}

func (r *Registry) Lookup(address string) (Implementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[address]
	return impl, ok
}

func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]string, 0, len(r.impls))
	for addr := range r.impls {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Invoke dispatches a named function on the implementation registered at
// the given address. A panicking target is reported as an error, never
// propagated to the caller.
func (r *Registry) Invoke(
	ctx context.Context,
	address string,
	function string,
	args []any,
) (result any, err error) {
	impl, ok := r.Lookup(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImplementation, address)
	}
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf(
				"implementation %s panicked in %s: %v",
				address,
				function,
				p,
			)
		}
	}()
	return impl.Invoke(ctx, function, args)
}
