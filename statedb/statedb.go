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

// Package statedb provides the persistent key/value substrate for proxy
// governance state. All reads and writes happen inside a transaction, and
// an Update transaction either commits every write or none of them.
package statedb

import "errors"

var (
	// ErrKeyNotFound is returned by Txn.Get for missing keys
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed is returned when operating on a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrReadOnlyTxn is returned for writes inside a View transaction
	ErrReadOnlyTxn = errors.New("transaction is read-only")
)

// Txn is a transactional view of the store. Implementations are not safe
// for concurrent use; a Txn must stay within the callback that created it.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
	Delete(key []byte) error
}

// Store is the durable key/value store backing all governance state.
type Store interface {
	// View runs fn in a read-only transaction
	View(fn func(txn Txn) error) error
	// Update runs fn in a read-write transaction. If fn returns an error,
	// every write made by fn is discarded.
	Update(fn func(txn Txn) error) error
	Close() error
}
