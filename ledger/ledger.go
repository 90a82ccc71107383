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

// Package ledger stores upgrade proposals and their approval bookkeeping.
// Proposals are keyed by a monotonically increasing identifier and are
// never deleted.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quaylabs-io/pylon/event"
	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/history"
	"github.com/quaylabs-io/pylon/statedb"
)

// MaxMetadataSize bounds the opaque metadata blob attached to a proposal
const MaxMetadataSize = 1024

var (
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrAlreadyExecuted    = errors.New("proposal already executed")
	ErrSameImplementation = errors.New("candidate equals active implementation")
	ErrMetadataTooLarge   = errors.New("metadata too large")
)

const (
	ProposalCreatedEventType event.EventType = "upgrade.proposal_created"
	ApprovalAddedEventType   event.EventType = "upgrade.approval_added"
)

type ProposalCreatedEvent struct {
	ID             uint64
	Approvals      uint32
	DelayRemaining uint64
}

type ApprovalAddedEvent struct {
	ID                 uint64
	ApprovalsRemaining uint32
}

var keyProposalSeq = []byte("proposal_seq")

func proposalKey(id uint64) []byte {
	return fmt.Appendf(nil, "proposal/%d", id)
}

// UpgradeProposal is the persistent record of one upgrade request
type UpgradeProposal struct {
	ID           uint64   `json:"id"`
	Candidate    string   `json:"candidate"`
	Metadata     []byte   `json:"metadata,omitempty"`
	Proposer     string   `json:"proposer"`
	Approvals    []string `json:"approvals"`
	CreatedAt    uint64   `json:"created_at"`
	ExecutableAt uint64   `json:"executable_at"`
	Executed     bool     `json:"executed"`
}

// HasApproval reports whether the given admin already approved
func (p *UpgradeProposal) HasApproval(address string) bool {
	return slices.Contains(p.Approvals, address)
}

// MigrationRequested reports whether the metadata flags a data migration
// (first byte equals 1)
func (p *UpgradeProposal) MigrationRequested() bool {
	return len(p.Metadata) > 0 && p.Metadata[0] == 1
}

type LedgerConfig struct {
	Logger       *slog.Logger
	EventBus     *event.Bus
	PromRegistry prometheus.Registerer
	Store        statedb.Store
	Registry     *governance.Registry
	History      *history.Tracker
	TimeFunc     func() time.Time
}

// Ledger owns proposal state. All mutation goes through Propose/Approve
// plus the executor's SaveTxn on execution.
type Ledger struct {
	store    statedb.Store
	registry *governance.Registry
	history  *history.Tracker
	eventBus *event.Bus
	logger   *slog.Logger
	timeFunc func() time.Time
	metrics  struct {
		proposalsTotal prometheus.Counter
		approvalsTotal prometheus.Counter
	}
}

func NewLedger(cfg LedgerConfig) *Ledger {
	l := &Ledger{
		store:    cfg.Store,
		registry: cfg.Registry,
		history:  cfg.History,
		eventBus: cfg.EventBus,
		logger:   cfg.Logger,
		timeFunc: cfg.TimeFunc,
	}
	if l.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if l.timeFunc == nil {
		l.timeFunc = time.Now
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	l.metrics.proposalsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_proposals_created_total",
			Help: "total upgrade proposals created",
		},
	)
	l.metrics.approvalsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_proposal_approvals_total",
			Help: "total proposal approvals recorded",
		},
	)
	return l
}

// Propose creates a new upgrade proposal for the given candidate
// implementation. The caller must authenticate as an admin.
func (l *Ledger) Propose(
	ctx context.Context,
	candidate string,
	metadata []byte,
	caller string,
) (uint64, error) {
	var proposalID uint64
	var delaySeconds uint64
	err := l.store.Update(func(txn statedb.Txn) error {
		if err := l.registry.RequireInitialized(txn); err != nil {
			return err
		}
		if err := l.registry.Authenticate(ctx, caller); err != nil {
			return err
		}
		isAdmin, err := l.registry.IsAdmin(txn, caller)
		if err != nil {
			return err
		}
		if !isAdmin {
			return fmt.Errorf("%w: %s", governance.ErrNotAdmin, caller)
		}
		current, ok, err := l.history.Current(txn)
		if err != nil {
			return err
		}
		if ok && current == candidate {
			return ErrSameImplementation
		}
		if len(metadata) > MaxMetadataSize {
			return fmt.Errorf(
				"%w: %d bytes (max %d)",
				ErrMetadataTooLarge,
				len(metadata),
				MaxMetadataSize,
			)
		}
		delaySeconds, err = l.registry.DelaySeconds(txn)
		if err != nil {
			return err
		}
		proposalID, err = l.nextProposalID(txn)
		if err != nil {
			return err
		}
		if err := l.registry.SetLastInvoker(txn, caller); err != nil {
			return err
		}
		now := uint64(l.timeFunc().Unix()) //nolint:gosec // ledger time is after 1970
		proposal := &UpgradeProposal{
			ID:           proposalID,
			Candidate:    candidate,
			Metadata:     metadata,
			Proposer:     caller,
			Approvals:    []string{},
			CreatedAt:    now,
			ExecutableAt: now + delaySeconds,
		}
		return l.SaveTxn(txn, proposal)
	})
	if err != nil {
		return 0, err
	}
	l.metrics.proposalsTotal.Inc()
	l.logger.Info(
		"upgrade proposal created",
		"component", "ledger",
		"proposal_id", proposalID,
		"candidate", candidate,
		"proposer", caller,
	)
	if l.eventBus != nil {
		l.eventBus.Publish(
			ProposalCreatedEventType,
			event.New(ProposalCreatedEventType, ProposalCreatedEvent{
				ID:             proposalID,
				Approvals:      0,
				DelayRemaining: delaySeconds,
			}),
		)
	}
	return proposalID, nil
}

// Approve records an admin's approval on a proposal. Approving twice from
// the same admin is a no-op for the approval count.
func (l *Ledger) Approve(
	ctx context.Context,
	proposalID uint64,
	admin string,
) error {
	var remaining uint32
	err := l.store.Update(func(txn statedb.Txn) error {
		if err := l.registry.RequireInitialized(txn); err != nil {
			return err
		}
		if err := l.registry.Authenticate(ctx, admin); err != nil {
			return err
		}
		isAdmin, err := l.registry.IsAdmin(txn, admin)
		if err != nil {
			return err
		}
		if !isAdmin {
			return fmt.Errorf("%w: %s", governance.ErrNotAdmin, admin)
		}
		proposal, err := l.GetTxn(txn, proposalID)
		if err != nil {
			return err
		}
		if proposal.Executed {
			return fmt.Errorf("%w: proposal %d", ErrAlreadyExecuted, proposalID)
		}
		if !proposal.HasApproval(admin) {
			proposal.Approvals = append(proposal.Approvals, admin)
			if err := l.SaveTxn(txn, proposal); err != nil {
				return err
			}
		}
		threshold, err := l.registry.Threshold(txn)
		if err != nil {
			return err
		}
		if approvals := uint32(len(proposal.Approvals)); approvals < threshold { //nolint:gosec // approvals is bounded by the admin set
			remaining = threshold - approvals
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.metrics.approvalsTotal.Inc()
	l.logger.Info(
		"proposal approval recorded",
		"component", "ledger",
		"proposal_id", proposalID,
		"admin", admin,
		"approvals_remaining", remaining,
	)
	if l.eventBus != nil {
		l.eventBus.Publish(
			ApprovalAddedEventType,
			event.New(ApprovalAddedEventType, ApprovalAddedEvent{
				ID:                 proposalID,
				ApprovalsRemaining: remaining,
			}),
		)
	}
	return nil
}

// Get fetches a proposal by id
func (l *Ledger) Get(proposalID uint64) (*UpgradeProposal, error) {
	var proposal *UpgradeProposal
	err := l.store.View(func(txn statedb.Txn) error {
		var err error
		proposal, err = l.GetTxn(txn, proposalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// GetTxn fetches a proposal within an existing transaction
func (l *Ledger) GetTxn(
	txn statedb.Txn,
	proposalID uint64,
) (*UpgradeProposal, error) {
	data, err := txn.Get(proposalKey(proposalID))
	if err != nil {
		if errors.Is(err, statedb.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
		}
		return nil, err
	}
	var proposal UpgradeProposal
	if err := json.Unmarshal(data, &proposal); err != nil {
		return nil, fmt.Errorf("malformed proposal %d: %w", proposalID, err)
	}
	return &proposal, nil
}

// SaveTxn persists a proposal within an existing transaction
func (l *Ledger) SaveTxn(txn statedb.Txn, proposal *UpgradeProposal) error {
	data, err := json.Marshal(proposal)
	if err != nil {
		return err
	}
	return txn.Set(proposalKey(proposal.ID), data)
}

func (l *Ledger) nextProposalID(txn statedb.Txn) (uint64, error) {
	var seq uint64
	data, err := txn.Get(keyProposalSeq)
	if err != nil {
		if !errors.Is(err, statedb.ErrKeyNotFound) {
			return 0, err
		}
	} else {
		if len(data) != 8 {
			return 0, fmt.Errorf(
				"malformed proposal sequence (%d bytes)",
				len(data),
			)
		}
		seq = binary.BigEndian.Uint64(data)
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set(keyProposalSeq, buf); err != nil {
		return 0, err
	}
	return seq, nil
}
