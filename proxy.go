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

// Package pylon implements a governance-gated upgradeable proxy. Calls are
// forwarded to a replaceable implementation, and replacing it requires a
// quorum of admin approvals plus a timelock before the transition runs
// through validation, optional data migration, and history tracking.
package pylon

import (
	"context"
	"fmt"
	"sync"

	"github.com/quaylabs-io/pylon/audit"
	"github.com/quaylabs-io/pylon/event"
	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/history"
	"github.com/quaylabs-io/pylon/implreg"
	"github.com/quaylabs-io/pylon/ledger"
	"github.com/quaylabs-io/pylon/statedb"
	"github.com/quaylabs-io/pylon/upgrade"
)

type Proxy struct {
	config       Config
	store        statedb.Store
	ownsStore    bool
	eventBus     *event.Bus
	impls        *implreg.Registry
	governance   *governance.Registry
	history      *history.Tracker
	ledger       *ledger.Ledger
	executor     *upgrade.Executor
	auditLog     *audit.Log
	shutdownOnce sync.Once
}

func New(cfg Config) (*Proxy, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	p := &Proxy{
		config:   cfg,
		eventBus: event.NewBus(cfg.promRegistry, cfg.logger),
		impls:    implreg.NewRegistry(),
	}
	if cfg.store != nil {
		p.store = cfg.store
	} else {
		store, err := statedb.NewBadgerStore(
			statedb.WithLogger(cfg.logger),
			statedb.WithPromRegistry(cfg.promRegistry),
			statedb.WithDataDir(cfg.dataDir),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		p.store = store
		p.ownsStore = true
	}
	p.governance = governance.NewRegistry(governance.RegistryConfig{
		Logger: cfg.logger,
		Store:  p.store,
		Auth:   cfg.auth,
	})
	p.history = history.NewTracker(history.TrackerConfig{
		Logger: cfg.logger,
		Store:  p.store,
	})
	p.ledger = ledger.NewLedger(ledger.LedgerConfig{
		Logger:       cfg.logger,
		EventBus:     p.eventBus,
		PromRegistry: cfg.promRegistry,
		Store:        p.store,
		Registry:     p.governance,
		History:      p.history,
		TimeFunc:     cfg.timeFunc,
	})
	p.executor = upgrade.NewExecutor(upgrade.ExecutorConfig{
		Logger:       cfg.logger,
		EventBus:     p.eventBus,
		PromRegistry: cfg.promRegistry,
		Store:        p.store,
		Registry:     p.governance,
		Impls:        p.impls,
		Ledger:       p.ledger,
		History:      p.history,
		TimeFunc:     cfg.timeFunc,
	})
	if !cfg.disableAudit {
		auditDataDir := cfg.auditDataDir
		if auditDataDir == "" {
			auditDataDir = cfg.dataDir
		}
		auditLog, err := audit.New(auditDataDir, cfg.logger)
		if err != nil {
			p.closeStore()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		auditLog.Attach(p.eventBus)
		p.auditLog = auditLog
	}
	return p, nil
}

// Initialize sets the admin list, approval threshold, and timelock delay.
// It can only succeed once
func (p *Proxy) Initialize(
	ctx context.Context,
	admins []string,
	threshold uint32,
	delaySeconds uint64,
) error {
	return p.governance.Initialize(ctx, admins, threshold, delaySeconds)
}

// RegisterImplementation makes an implementation reachable at an address.
// Registration makes the implementation a valid upgrade candidate; it does
// not activate it
func (p *Proxy) RegisterImplementation(
	address string,
	impl implreg.Implementation,
) {
	p.impls.Register(address, impl)
}

func (p *Proxy) DeregisterImplementation(address string) {
	p.impls.Deregister(address)
}

// ProposeUpgrade creates a proposal to replace the active implementation
// with the candidate at the given address
func (p *Proxy) ProposeUpgrade(
	ctx context.Context,
	candidate string,
	metadata []byte,
	caller string,
) (uint64, error) {
	return p.ledger.Propose(ctx, candidate, metadata, caller)
}

// ApproveUpgrade records an admin approval on a proposal
func (p *Proxy) ApproveUpgrade(
	ctx context.Context,
	proposalID uint64,
	admin string,
) error {
	return p.ledger.Approve(ctx, proposalID, admin)
}

// ExecuteUpgrade applies an approved proposal once its timelock has passed
func (p *Proxy) ExecuteUpgrade(
	ctx context.Context,
	proposalID uint64,
	caller string,
) error {
	return p.executor.Execute(ctx, proposalID, caller)
}

// Rollback reverts the most recent upgrade
func (p *Proxy) Rollback(ctx context.Context, caller string) error {
	return p.executor.Rollback(ctx, caller)
}

// Forward routes a call to the active implementation
func (p *Proxy) Forward(
	ctx context.Context,
	caller string,
	function string,
	args []any,
) (any, error) {
	return p.executor.Forward(ctx, caller, function, args)
}

// CurrentImplementation returns the active implementation address, or false
// when no implementation is active
func (p *Proxy) CurrentImplementation() (string, bool, error) {
	var (
		impl string
		ok   bool
	)
	err := p.store.View(func(txn statedb.Txn) error {
		var err error
		impl, ok, err = p.history.Current(txn)
		return err
	})
	return impl, ok, err
}

// Version returns the upgrade version counter, 0 before any upgrade
func (p *Proxy) Version() (uint64, error) {
	var version uint64
	err := p.store.View(func(txn statedb.Txn) error {
		var err error
		version, err = p.history.Version(txn)
		return err
	})
	return version, err
}

// History returns the full upgrade history, oldest first
func (p *Proxy) History() ([]history.ImplementationRecord, error) {
	var records []history.ImplementationRecord
	err := p.store.View(func(txn statedb.Txn) error {
		var err error
		records, err = p.history.Records(txn)
		return err
	})
	return records, err
}

// GetProposal returns a proposal by id
func (p *Proxy) GetProposal(proposalID uint64) (*ledger.UpgradeProposal, error) {
	return p.ledger.Get(proposalID)
}

// Stats returns a point-in-time summary of the proxy's upgrade state
func (p *Proxy) Stats() (upgrade.Stats, error) {
	return p.executor.Stats()
}

// Checklist reports the readiness flags for a proposal
func (p *Proxy) Checklist(proposalID uint64) (map[string]bool, error) {
	return p.executor.Checklist(proposalID)
}

// MigrationProgress returns the recorded migration phase for a proposal
func (p *Proxy) MigrationProgress(proposalID uint64) (string, bool) {
	return p.executor.MigrationProgress(proposalID)
}

// Admins returns the configured admin addresses
func (p *Proxy) Admins() ([]string, error) {
	var admins []string
	err := p.store.View(func(txn statedb.Txn) error {
		var err error
		admins, err = p.governance.Admins(txn)
		return err
	})
	return admins, err
}

// LastInvoker returns the most recent caller identity recorded by the proxy
func (p *Proxy) LastInvoker() (string, error) {
	var invoker string
	err := p.store.View(func(txn statedb.Txn) error {
		var err error
		invoker, err = p.governance.LastInvoker(txn)
		return err
	})
	return invoker, err
}

// AuditTrail returns up to limit audit entries, newest first. Returns nil
// when the audit trail is disabled
func (p *Proxy) AuditTrail(limit int) ([]audit.Entry, error) {
	if p.auditLog == nil {
		return nil, nil
	}
	return p.auditLog.Recent(limit)
}

// EventBus exposes the proxy's event bus for additional subscribers
func (p *Proxy) EventBus() *event.Bus {
	return p.eventBus
}

func (p *Proxy) closeStore() {
	if p.ownsStore {
		if err := p.store.Close(); err != nil {
			p.config.logger.Warn(
				"failed to close state store",
				"component", "pylon",
				"error", err,
			)
		}
	}
}

// Close shuts down the proxy: the event bus stops, the audit log detaches,
// and any store the proxy opened itself is closed
func (p *Proxy) Close() error {
	var err error
	p.shutdownOnce.Do(func() {
		p.eventBus.Stop()
		if p.auditLog != nil {
			if closeErr := p.auditLog.Close(); closeErr != nil {
				err = fmt.Errorf("audit log close: %w", closeErr)
			}
		}
		p.closeStore()
	})
	return err
}
