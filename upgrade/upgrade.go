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
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quaylabs-io/pylon/event"
	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/history"
	"github.com/quaylabs-io/pylon/implreg"
	"github.com/quaylabs-io/pylon/ledger"
	"github.com/quaylabs-io/pylon/statedb"
)

var (
	ErrThresholdNotMet           = errors.New("approval threshold not met")
	ErrDelayNotPassed            = errors.New("timelock delay has not passed")
	ErrValidationFailed          = errors.New("implementation validation failed")
	ErrCompatibilityCheckFailed  = errors.New("compatibility check failed")
	ErrMigrationValidationFailed = errors.New("migration validation failed")
	ErrMigrationFailed           = errors.New("migration failed")
	ErrNoRollbackAvailable       = errors.New("no rollback available")
	ErrImplementationNotSet      = errors.New("implementation not set")
)

const (
	UpgradeImpactEventType     = event.EventType("upgrade.impact")
	MigrationCompleteEventType = event.EventType("upgrade.migration_complete")
	UpgradeExecutedEventType   = event.EventType("upgrade.executed")
	RollbackCompleteEventType  = event.EventType("upgrade.rollback_complete")
)

// UpgradeImpactEvent reports the canary probe outcome observed for a
// candidate implementation before activation
type UpgradeImpactEvent struct {
	ID           uint64
	ProbesTested uint32
	ProbesFailed uint32
}

type MigrationCompleteEvent struct {
	ID uint64
}

type UpgradeExecutedEvent struct {
	ID        uint64
	Timestamp uint64
}

type RollbackCompleteEvent struct {
	NewVersion   uint64
	ProbesFailed uint32
}

// probeFunctions are invoked on an implementation around activation to
// estimate impact. Probe failures are reported but never block the
// transition.
var probeFunctions = []string{"balance", "transfer"}

// Migration progress phases. Progress is volatile and only visible while
// an execution with a migration is in flight; both success and failure
// clear it once the transition settles.
const (
	MigrationPhaseValidating = "validating"
	MigrationPhaseMigrating  = "migrating"
	MigrationPhaseComplete   = "complete"
)

type ExecutorConfig struct {
	Logger       *slog.Logger
	EventBus     *event.Bus
	PromRegistry prometheus.Registerer
	Store        statedb.Store
	Registry     *governance.Registry
	Impls        *implreg.Registry
	Ledger       *ledger.Ledger
	History      *history.Tracker
	TimeFunc     func() time.Time
}

// Executor drives the upgrade lifecycle past the proposal stage:
// execution with validation and optional migration, rollback, and the
// read-side views over version state.
type Executor struct {
	store    statedb.Store
	registry *governance.Registry
	impls    *implreg.Registry
	ledger   *ledger.Ledger
	history  *history.Tracker
	eventBus *event.Bus
	logger   *slog.Logger
	timeFunc func() time.Time

	progressMutex sync.RWMutex
	progress      map[uint64]string

	metrics struct {
		upgradesTotal          prometheus.Counter
		rollbacksTotal         prometheus.Counter
		migrationFailuresTotal prometheus.Counter
		probeFailuresTotal     prometheus.Counter
	}
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		store:    cfg.Store,
		registry: cfg.Registry,
		impls:    cfg.Impls,
		ledger:   cfg.Ledger,
		history:  cfg.History,
		eventBus: cfg.EventBus,
		logger:   cfg.Logger,
		timeFunc: cfg.TimeFunc,
		progress: make(map[uint64]string),
	}
	if e.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if e.timeFunc == nil {
		e.timeFunc = time.Now
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	e.metrics.upgradesTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_upgrades_executed_total",
			Help: "total upgrades executed",
		},
	)
	e.metrics.rollbacksTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_rollbacks_total",
			Help: "total rollbacks applied",
		},
	)
	e.metrics.migrationFailuresTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_migration_failures_total",
			Help: "total migrations that failed and were rolled back",
		},
	)
	e.metrics.probeFailuresTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_probe_failures_total",
			Help: "total canary probe failures observed",
		},
	)
	return e
}

// MigrationProgress returns the recorded migration phase for a proposal,
// or false when no migration is in flight for it
func (e *Executor) MigrationProgress(proposalID uint64) (string, bool) {
	e.progressMutex.RLock()
	defer e.progressMutex.RUnlock()
	phase, ok := e.progress[proposalID]
	return phase, ok
}

func (e *Executor) setProgress(proposalID uint64, phase string) {
	e.progressMutex.Lock()
	defer e.progressMutex.Unlock()
	e.progress[proposalID] = phase
}

func (e *Executor) clearProgress(proposalID uint64) {
	e.progressMutex.Lock()
	defer e.progressMutex.Unlock()
	delete(e.progress, proposalID)
}

// stateFingerprint summarizes the proxy state handed to migration
// validation. No state payload is stored alongside the registry yet, so
// the fingerprint is empty.
func (e *Executor) stateFingerprint() []byte {
	return []byte{}
}

// Execute applies an approved proposal: validates the candidate, runs the
// canary probes, activates the candidate, and runs its migration when the
// proposal requests one. The whole transition is a single state
// transaction. A failed migration aborts the transaction, so version,
// history, and the active implementation revert to their pre-upgrade
// values before the migration rollback hook runs.
func (e *Executor) Execute(
	ctx context.Context,
	proposalID uint64,
	caller string,
) error {
	var (
		candidate    string
		previousImpl string
		hadPrevious  bool
		migrated     bool
		probesRan    bool
		probesFailed uint32
		executedAt   uint64
	)
	err := e.store.Update(func(txn statedb.Txn) error {
		if err := e.registry.RequireInitialized(txn); err != nil {
			return err
		}
		if err := e.registry.Authenticate(ctx, caller); err != nil {
			return err
		}
		isAdmin, err := e.registry.IsAdmin(txn, caller)
		if err != nil {
			return err
		}
		if !isAdmin {
			return fmt.Errorf("%w: %s", governance.ErrNotAdmin, caller)
		}
		proposal, err := e.ledger.GetTxn(txn, proposalID)
		if err != nil {
			return err
		}
		if proposal.Executed {
			return fmt.Errorf(
				"%w: proposal %d",
				ledger.ErrAlreadyExecuted,
				proposalID,
			)
		}
		threshold, err := e.registry.Threshold(txn)
		if err != nil {
			return err
		}
		if uint64(len(proposal.Approvals)) < uint64(threshold) {
			return fmt.Errorf(
				"%w: %d of %d approvals",
				ErrThresholdNotMet,
				len(proposal.Approvals),
				threshold,
			)
		}
		now := uint64(e.timeFunc().Unix()) //nolint:gosec // ledger time is after 1970
		if now < proposal.ExecutableAt {
			return fmt.Errorf(
				"%w: executable at %d, now %d",
				ErrDelayNotPassed,
				proposal.ExecutableAt,
				now,
			)
		}
		candidate = proposal.Candidate
		previousImpl, hadPrevious, err = e.history.Current(txn)
		if err != nil {
			return err
		}
		schemaVersion, err := e.impls.SchemaVersion(ctx, candidate)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrValidationFailed, err)
		}
		if schemaVersion == 0 {
			return fmt.Errorf(
				"%w: schema version must be non-zero",
				ErrValidationFailed,
			)
		}
		compatible, err := e.impls.ProxyCompatible(ctx, candidate, previousImpl)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCompatibilityCheckFailed, err)
		}
		if !compatible {
			return fmt.Errorf(
				"%w: %s rejected by candidate",
				ErrCompatibilityCheckFailed,
				candidate,
			)
		}
		probesFailed = e.runProbes(ctx, candidate)
		probesRan = true
		if _, err := e.history.Commit(txn, candidate); err != nil {
			return err
		}
		if proposal.MigrationRequested() {
			if err := e.runMigration(ctx, proposal); err != nil {
				return err
			}
			migrated = true
		}
		proposal.Executed = true
		if err := e.ledger.SaveTxn(txn, proposal); err != nil {
			return err
		}
		if err := e.registry.SetLastInvoker(txn, caller); err != nil {
			return err
		}
		executedAt = now
		return nil
	})
	// The probe outcome is an observability signal, reported whether or
	// not the transition itself went on to commit
	if probesRan {
		if probesFailed > 0 {
			e.metrics.probeFailuresTotal.Add(float64(probesFailed))
		}
		if e.eventBus != nil {
			e.eventBus.Publish(
				UpgradeImpactEventType,
				event.New(UpgradeImpactEventType, UpgradeImpactEvent{
					ID:           proposalID,
					ProbesTested: uint32(len(probeFunctions)), //nolint:gosec // probe set is tiny
					ProbesFailed: probesFailed,
				}),
			)
		}
	}
	if err != nil {
		if errors.Is(err, ErrMigrationFailed) {
			e.recoverMigration(ctx, proposalID, previousImpl, hadPrevious)
		}
		if errors.Is(err, ErrMigrationValidationFailed) {
			e.clearProgress(proposalID)
		}
		return err
	}
	if migrated {
		e.clearProgress(proposalID)
	}
	e.metrics.upgradesTotal.Inc()
	e.logger.Info(
		"upgrade executed",
		"component", "upgrade",
		"proposal_id", proposalID,
		"implementation", candidate,
		"migrated", migrated,
	)
	if e.eventBus != nil {
		if migrated {
			e.eventBus.Publish(
				MigrationCompleteEventType,
				event.New(MigrationCompleteEventType, MigrationCompleteEvent{
					ID: proposalID,
				}),
			)
		}
		e.eventBus.Publish(
			UpgradeExecutedEventType,
			event.New(UpgradeExecutedEventType, UpgradeExecutedEvent{
				ID:        proposalID,
				Timestamp: executedAt,
			}),
		)
	}
	return nil
}

// runProbes exercises the canary probe functions against an
// implementation and returns the number of failures. Probes are advisory
// and never abort the caller's transition.
func (e *Executor) runProbes(ctx context.Context, address string) uint32 {
	var failed uint32
	for _, fn := range probeFunctions {
		if _, err := e.impls.Invoke(ctx, address, fn, nil); err != nil {
			failed++
			e.logger.Warn(
				"canary probe failed",
				"component", "upgrade",
				"implementation", address,
				"probe", fn,
				"error", err,
			)
		}
	}
	return failed
}

func (e *Executor) runMigration(
	ctx context.Context,
	proposal *ledger.UpgradeProposal,
) error {
	e.setProgress(proposal.ID, MigrationPhaseValidating)
	ok, err := e.impls.ValidateMigration(
		ctx,
		proposal.Candidate,
		e.stateFingerprint(),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMigrationValidationFailed, err)
	}
	if !ok {
		return fmt.Errorf(
			"%w: candidate %s rejected the migration",
			ErrMigrationValidationFailed,
			proposal.Candidate,
		)
	}
	e.setProgress(proposal.ID, MigrationPhaseMigrating)
	if err := e.impls.Migrate(ctx, proposal.Candidate); err != nil {
		return fmt.Errorf("%w: %s", ErrMigrationFailed, err)
	}
	e.setProgress(proposal.ID, MigrationPhaseComplete)
	return nil
}

// recoverMigration runs after a failed migration has already been undone
// at the state layer by the aborted transaction. The previous
// implementation gets a chance to clean up any external effects of the
// partial migration; failures here are logged and swallowed.
func (e *Executor) recoverMigration(
	ctx context.Context,
	proposalID uint64,
	previousImpl string,
	hadPrevious bool,
) {
	e.metrics.migrationFailuresTotal.Inc()
	if hadPrevious {
		if err := e.impls.RollbackMigration(ctx, previousImpl); err != nil {
			e.logger.Warn(
				"migration rollback hook failed",
				"component", "upgrade",
				"proposal_id", proposalID,
				"implementation", previousImpl,
				"error", err,
			)
		}
	}
	e.clearProgress(proposalID)
	e.logger.Error(
		"migration failed, upgrade reverted",
		"component", "upgrade",
		"proposal_id", proposalID,
	)
}

// Rollback reverts the most recent upgrade. The implementation being
// rolled back onto vets the transition first, unless the rollback lands
// on the pre-initialization state where no implementation was active.
func (e *Executor) Rollback(ctx context.Context, caller string) error {
	var (
		rec          history.ImplementationRecord
		probesFailed uint32
	)
	err := e.store.Update(func(txn statedb.Txn) error {
		if err := e.registry.RequireInitialized(txn); err != nil {
			return err
		}
		if err := e.registry.Authenticate(ctx, caller); err != nil {
			return err
		}
		isAdmin, err := e.registry.IsAdmin(txn, caller)
		if err != nil {
			return err
		}
		if !isAdmin {
			return fmt.Errorf("%w: %s", governance.ErrNotAdmin, caller)
		}
		var ok bool
		rec, ok, err = e.history.RollbackTarget(txn)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoRollbackAvailable
		}
		current, ok, err := e.history.Current(txn)
		if err != nil {
			return err
		}
		if !ok {
			return ErrImplementationNotSet
		}
		if rec.Previous != "" {
			compatible, err := e.impls.RollbackCompatible(
				ctx,
				rec.Previous,
				current,
			)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrValidationFailed, err)
			}
			if !compatible {
				return fmt.Errorf(
					"%w: %s rejected rollback from %s",
					ErrValidationFailed,
					rec.Previous,
					current,
				)
			}
		}
		if err := e.history.ApplyRollback(txn, rec); err != nil {
			return err
		}
		return e.registry.SetLastInvoker(txn, caller)
	})
	if err != nil {
		return err
	}
	if rec.Previous != "" {
		probesFailed = e.runProbes(ctx, rec.Previous)
	}
	e.metrics.rollbacksTotal.Inc()
	if probesFailed > 0 {
		e.metrics.probeFailuresTotal.Add(float64(probesFailed))
	}
	e.logger.Info(
		"rollback applied",
		"component", "upgrade",
		"from", rec.Implementation,
		"to", rec.Previous,
		"version", rec.Version-1,
	)
	if e.eventBus != nil {
		e.eventBus.Publish(
			RollbackCompleteEventType,
			event.New(RollbackCompleteEventType, RollbackCompleteEvent{
				NewVersion:   rec.Version - 1,
				ProbesFailed: probesFailed,
			}),
		)
	}
	return nil
}
