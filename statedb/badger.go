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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default cache sizes for BadgerDB (in bytes). Governance state is small,
// so these are far below badger's own defaults.
const (
	DefaultBlockCacheSize = 67108864 // 64MB
	DefaultIndexCacheSize = 33554432 // 32MB

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// BadgerStore stores governance state in badger. With no data directory
// configured it runs fully in memory.
type BadgerStore struct {
	promRegistry   prometheus.Registerer
	db             *badger.DB
	logger         *slog.Logger
	gcTicker       *time.Ticker
	gcStopCh       chan struct{}
	dataDir        string
	gcWg           sync.WaitGroup
	blockCacheSize uint64
	indexCacheSize uint64
	gcEnabled      bool
	metrics        struct {
		txnsTotal    *prometheus.CounterVec
		txnConflicts prometheus.Counter
	}
}

type BadgerStoreOptionFunc func(*BadgerStore)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) BadgerStoreOptionFunc {
	return func(b *BadgerStore) {
		b.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) BadgerStoreOptionFunc {
	return func(b *BadgerStore) {
		b.promRegistry = registry
	}
}

// WithDataDir specifies the data directory to use for storage. An empty
// data directory selects badger's in-memory mode.
func WithDataDir(dataDir string) BadgerStoreOptionFunc {
	return func(b *BadgerStore) {
		b.dataDir = dataDir
	}
}

// WithBlockCacheSize specifies the block cache size
func WithBlockCacheSize(size uint64) BadgerStoreOptionFunc {
	return func(b *BadgerStore) {
		b.blockCacheSize = size
	}
}

// WithIndexCacheSize specifies the index cache size
func WithIndexCacheSize(size uint64) BadgerStoreOptionFunc {
	return func(b *BadgerStore) {
		b.indexCacheSize = size
	}
}

// WithGc specifies whether value log garbage collection is enabled
func WithGc(enabled bool) BadgerStoreOptionFunc {
	return func(b *BadgerStore) {
		b.gcEnabled = enabled
	}
}

// NewBadgerStore opens a badger-backed store
func NewBadgerStore(opts ...BadgerStoreOptionFunc) (*BadgerStore, error) {
	s := &BadgerStore{
		blockCacheSize: DefaultBlockCacheSize,
		indexCacheSize: DefaultIndexCacheSize,
		gcEnabled:      true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	var db *badger.DB
	var err error
	if s.dataDir == "" {
		// No dataDir, use in-memory config
		badgerOpts := badger.DefaultOptions("").
			WithLogger(newBadgerLogger(s.logger)).
			// The default INFO logging is a bit verbose
			WithLoggingLevel(badger.WARNING).
			WithInMemory(true)
		db, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
		// Value log GC is pointless without a value log on disk
		s.gcEnabled = false
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(s.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		stateDir := filepath.Join(s.dataDir, "state")
		badgerOpts := badger.DefaultOptions(stateDir).
			WithLogger(newBadgerLogger(s.logger)).
			WithLoggingLevel(badger.WARNING).
			WithBlockCacheSize(int64(s.blockCacheSize)). //nolint:gosec // cache size is controlled and reasonable
			WithIndexCacheSize(int64(s.indexCacheSize))  //nolint:gosec // cache size is controlled and reasonable
		db, err = badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
	}
	s.db = db
	if s.promRegistry != nil {
		s.registerMetrics()
	}
	if s.gcEnabled {
		s.gcTicker = time.NewTicker(gcInterval)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.valueLogGc(s.gcTicker, s.gcStopCh)
	}
	return s, nil
}

func (s *BadgerStore) registerMetrics() {
	promautoFactory := promauto.With(s.promRegistry)
	s.metrics.txnsTotal = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pylon_statedb_txns_total",
			Help: "total state store transactions by mode and result",
		},
		[]string{"mode", "result"},
	)
	s.metrics.txnConflicts = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_statedb_txn_conflicts_total",
			Help: "total state store transaction conflicts",
		},
	)
}

func (s *BadgerStore) valueLogGc(t *time.Ticker, stop <-chan struct{}) {
	defer s.gcWg.Done()
	for {
		select {
		case <-t.C:
		again:
			err := s.db.RunValueLogGC(gcDiscardRatio)
			if err != nil {
				// Log any actual errors
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn(
						fmt.Sprintf("state DB: GC failure: %s", err),
						"component", "statedb",
					)
				}
			} else {
				// Run it again if it just ran successfully
				goto again
			}
		case <-stop:
			return
		}
	}
}

func (s *BadgerStore) countTxn(mode string, err error) {
	if s.metrics.txnsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.txnsTotal.WithLabelValues(mode, result).Inc()
	if errors.Is(err, badger.ErrConflict) && s.metrics.txnConflicts != nil {
		s.metrics.txnConflicts.Inc()
	}
}

// View implements Store
func (s *BadgerStore) View(fn func(txn Txn) error) error {
	err := s.db.View(func(btx *badger.Txn) error {
		return fn(&badgerTxn{tx: btx})
	})
	s.countTxn("view", err)
	return err
}

// Update implements Store
func (s *BadgerStore) Update(fn func(txn Txn) error) error {
	err := s.db.Update(func(btx *badger.Txn) error {
		return fn(&badgerTxn{tx: btx})
	})
	s.countTxn("update", err)
	return err
}

// Close stops the GC loop and closes the underlying badger database
func (s *BadgerStore) Close() error {
	if s.gcTicker != nil {
		s.gcTicker.Stop()
		if s.gcStopCh != nil {
			close(s.gcStopCh)
			s.gcStopCh = nil
		}
		s.gcWg.Wait()
		s.gcTicker = nil
	}
	return s.db.Close()
}

// DB returns the underlying database handle
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

type badgerTxn struct {
	tx *badger.Txn
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key, value []byte) error {
	return t.tx.Set(key, value)
}

func (t *badgerTxn) Delete(key []byte) error {
	return t.tx.Delete(key)
}

// badgerLogger adapts slog to badger's Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (b *badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...), "component", "statedb")
}

func (b *badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...), "component", "statedb")
}

func (b *badgerLogger) Infof(format string, args ...any) {
	b.logger.Info(fmt.Sprintf(format, args...), "component", "statedb")
}

func (b *badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...), "component", "statedb")
}
