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

package pylon

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/statedb"
)

type Config struct {
	promRegistry prometheus.Registerer
	logger       *slog.Logger
	store        statedb.Store
	auth         governance.AuthFunc
	timeFunc     func() time.Time
	dataDir      string
	auditDataDir string
	disableAudit bool
}

func (c *Config) validate() error {
	if c.store != nil && c.dataDir != "" {
		return errors.New("cannot combine an external store with a data dir")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the proxy config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new pylon config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithDataDir specifies the persistent data directory to use. The default is to
// store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithAuditDataDir specifies a separate data directory for the audit trail.
// This defaults to the main data directory
func WithAuditDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.auditDataDir = dataDir
	}
}

// WithAuditDisabled disables the persistent audit trail
func WithAuditDisabled(disabled bool) ConfigOptionFunc {
	return func(c *Config) {
		c.disableAudit = disabled
	}
}

// WithStore specifies an externally managed state store to use instead of the
// proxy opening its own. The caller remains responsible for closing it
func WithStore(store statedb.Store) ConfigOptionFunc {
	return func(c *Config) {
		c.store = store
	}
}

// WithAuthenticator specifies the caller authentication hook. The default
// accepts any caller identity as presented
func WithAuthenticator(auth governance.AuthFunc) ConfigOptionFunc {
	return func(c *Config) {
		c.auth = auth
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add
// metrics to. In most cases, prometheus.DefaultRegistry would be a good choice
// to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithTimeFunc overrides the clock used for proposal timestamps and timelock
// checks. This is mostly useful for testing
func WithTimeFunc(timeFunc func() time.Time) ConfigOptionFunc {
	return func(c *Config) {
		c.timeFunc = timeFunc
	}
}
