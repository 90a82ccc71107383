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
	"github.com/quaylabs-io/pylon/statedb"
)

// Stats is a point-in-time summary of the proxy's upgrade state
type Stats struct {
	Version              uint64 `json:"version"`
	ActiveImplementation string `json:"active_implementation"`
	TotalUpgrades        uint64 `json:"total_upgrades"`
}

// Stats reads the upgrade counters from state
func (e *Executor) Stats() (Stats, error) {
	var stats Stats
	err := e.store.View(func(txn statedb.Txn) error {
		version, err := e.history.Version(txn)
		if err != nil {
			return err
		}
		current, _, err := e.history.Current(txn)
		if err != nil {
			return err
		}
		records, err := e.history.Records(txn)
		if err != nil {
			return err
		}
		stats = Stats{
			Version:              version,
			ActiveImplementation: current,
			TotalUpgrades:        uint64(len(records)),
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Checklist flags for a proposal, computed live from current state rather
// than stored, so a threshold crossed after the last approval still reads
// as met
const (
	ChecklistThresholdMet = "threshold_met"
	ChecklistDelayPassed  = "delay_passed"
	ChecklistExecuted     = "executed"
)

// Checklist reports the readiness flags for a proposal
func (e *Executor) Checklist(proposalID uint64) (map[string]bool, error) {
	checklist := make(map[string]bool, 3)
	err := e.store.View(func(txn statedb.Txn) error {
		proposal, err := e.ledger.GetTxn(txn, proposalID)
		if err != nil {
			return err
		}
		threshold, err := e.registry.Threshold(txn)
		if err != nil {
			return err
		}
		now := uint64(e.timeFunc().Unix()) //nolint:gosec // ledger time is after 1970
		checklist[ChecklistThresholdMet] = uint64(len(proposal.Approvals)) >= uint64(threshold)
		checklist[ChecklistDelayPassed] = now >= proposal.ExecutableAt
		checklist[ChecklistExecuted] = proposal.Executed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checklist, nil
}
