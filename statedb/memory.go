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

package statedb

import (
	"slices"
	"sync"
)

// MemoryStore is a map-backed Store used for tests and ephemeral setups.
// Updates are staged and applied only when the transaction callback
// returns nil, preserving the all-or-nothing Update contract.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) View(fn func(txn Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn(&memoryTxn{store: s, readOnly: true})
}

func (s *MemoryStore) Update(fn func(txn Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	txn := &memoryTxn{
		store:   s,
		staged:  make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
	if err := fn(txn); err != nil {
		return err
	}
	for k := range txn.deleted {
		delete(s.data, k)
	}
	for k, v := range txn.staged {
		s.data[k] = v
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}

type memoryTxn struct {
	store    *MemoryStore
	staged   map[string][]byte
	deleted  map[string]struct{}
	readOnly bool
}

func (t *memoryTxn) Get(key []byte) ([]byte, error) {
	k := string(key)
	if !t.readOnly {
		if _, ok := t.deleted[k]; ok {
			return nil, ErrKeyNotFound
		}
		if v, ok := t.staged[k]; ok {
			return slices.Clone(v), nil
		}
	}
	v, ok := t.store.data[k]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (t *memoryTxn) Set(key, value []byte) error {
	if t.readOnly {
		return ErrReadOnlyTxn
	}
	k := string(key)
	delete(t.deleted, k)
	t.staged[k] = slices.Clone(value)
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	if t.readOnly {
		return ErrReadOnlyTxn
	}
	k := string(key)
	delete(t.staged, k)
	t.deleted[k] = struct{}{}
	return nil
}
