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

// Package audit persists a queryable trail of governance and upgrade
// activity. Entries are derived from the event bus, so the trail reflects
// exactly what the other components announced.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/quaylabs-io/pylon/event"
	"github.com/quaylabs-io/pylon/ledger"
	"github.com/quaylabs-io/pylon/upgrade"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is a single audit record. Detail holds the event payload as JSON.
type Entry struct {
	ID         uint   `gorm:"primarykey"`
	Kind       string `gorm:"index"`
	ProposalID uint64 `gorm:"index"`
	Detail     string
	CreatedAt  time.Time
}

// Log is a SQLite-backed audit trail fed from the event bus
type Log struct {
	db          *gorm.DB
	logger      *slog.Logger
	subscribers []event.SubscriberID
	eventBus    *event.Bus
}

// auditedEventTypes is the set of bus events recorded in the trail
var auditedEventTypes = []event.EventType{
	ledger.ProposalCreatedEventType,
	ledger.ApprovalAddedEventType,
	upgrade.UpgradeImpactEventType,
	upgrade.MigrationCompleteEventType,
	upgrade.UpgradeExecutedEventType,
	upgrade.RollbackCompleteEventType,
}

// New creates an audit log. Uses an in-memory database if dataDir is empty.
func New(dataDir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var auditDb *gorm.DB
	var err error
	if dataDir == "" {
		// cache=shared allows multiple connections to share the same in-memory database
		auditDb, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		auditDbPath := filepath.Join(dataDir, "audit.sqlite")
		auditConnOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
		auditDb, err = gorm.Open(
			sqlite.Open(
				fmt.Sprintf("file:%s?%s", auditDbPath, auditConnOpts),
			),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	l := &Log{
		db:     auditDb,
		logger: logger,
	}
	if err := l.db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return l, nil
}

// Attach subscribes the log to the audited event types on the given bus.
// Entries are written from the bus handler goroutines.
func (l *Log) Attach(eventBus *event.Bus) {
	l.eventBus = eventBus
	for _, eventType := range auditedEventTypes {
		subID := eventBus.SubscribeFunc(eventType, l.record)
		l.subscribers = append(l.subscribers, subID)
	}
}

func (l *Log) record(evt event.Event) {
	detail, err := json.Marshal(evt.Data)
	if err != nil {
		l.logger.Warn(
			"failed to encode audit detail",
			"component", "audit",
			"type", evt.Type,
			"error", err,
		)
		detail = []byte("{}")
	}
	entry := Entry{
		Kind:       string(evt.Type),
		ProposalID: proposalID(evt.Data),
		Detail:     string(detail),
		CreatedAt:  evt.Timestamp,
	}
	if result := l.db.Create(&entry); result.Error != nil {
		l.logger.Warn(
			"failed to write audit entry",
			"component", "audit",
			"type", evt.Type,
			"error", result.Error,
		)
	}
}

func proposalID(data any) uint64 {
	switch payload := data.(type) {
	case ledger.ProposalCreatedEvent:
		return payload.ID
	case ledger.ApprovalAddedEvent:
		return payload.ID
	case upgrade.UpgradeImpactEvent:
		return payload.ID
	case upgrade.MigrationCompleteEvent:
		return payload.ID
	case upgrade.UpgradeExecutedEvent:
		return payload.ID
	default:
		return 0
	}
}

// Recent returns up to limit entries, newest first
func (l *Log) Recent(limit int) ([]Entry, error) {
	var entries []Entry
	result := l.db.Order("id desc").Limit(limit).Find(&entries)
	if result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

// ForProposal returns all entries recorded for a proposal, oldest first
func (l *Log) ForProposal(proposalID uint64) ([]Entry, error) {
	var entries []Entry
	result := l.db.Where("proposal_id = ?", proposalID).
		Order("id asc").
		Find(&entries)
	if result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

// Close detaches the log from the event bus and closes the database
func (l *Log) Close() error {
	if l.eventBus != nil {
		for idx, subID := range l.subscribers {
			l.eventBus.Unsubscribe(auditedEventTypes[idx], subID)
		}
		l.subscribers = nil
	}
	sqlDb, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}
