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

package api

// ErrorResponse is the JSON body returned for failed requests
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

// RootResponse is returned from GET /
type RootResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// HealthResponse is returned from GET /health
type HealthResponse struct {
	IsHealthy bool `json:"is_healthy"`
}

// InitRequest is the body for POST /v1/init
type InitRequest struct {
	Admins       []string `json:"admins"`
	Threshold    uint32   `json:"threshold"`
	DelaySeconds uint64   `json:"delay_seconds"`
}

// StatusResponse is returned from GET /v1/status
type StatusResponse struct {
	Version              uint64 `json:"version"`
	ActiveImplementation string `json:"active_implementation"`
	TotalUpgrades        uint64 `json:"total_upgrades"`
}

// VersionResponse is returned from GET /v1/version
type VersionResponse struct {
	Version uint64 `json:"version"`
}

// ImplementationResponse is returned from GET /v1/implementation
type ImplementationResponse struct {
	Implementation string `json:"implementation"`
	Set            bool   `json:"set"`
}

// HistoryRecord is a single entry in GET /v1/history
type HistoryRecord struct {
	Version        uint64 `json:"version"`
	Implementation string `json:"implementation"`
	Previous       string `json:"previous,omitempty"`
}

// ProposeRequest is the body for POST /v1/proposals
type ProposeRequest struct {
	Candidate string `json:"candidate"`
	Metadata  []byte `json:"metadata,omitempty"`
	Caller    string `json:"caller"`
}

// ProposeResponse is returned from POST /v1/proposals
type ProposeResponse struct {
	ID uint64 `json:"id"`
}

// ProposalResponse is returned from GET /v1/proposals/{id}
type ProposalResponse struct {
	ID           uint64   `json:"id"`
	Candidate    string   `json:"candidate"`
	Proposer     string   `json:"proposer"`
	Approvals    []string `json:"approvals"`
	CreatedAt    uint64   `json:"created_at"`
	ExecutableAt uint64   `json:"executable_at"`
	Executed     bool     `json:"executed"`
	Migration    bool     `json:"migration"`
}

// ApproveRequest is the body for POST /v1/proposals/{id}/approvals
type ApproveRequest struct {
	Admin string `json:"admin"`
}

// CallerRequest is the body for execute and rollback requests
type CallerRequest struct {
	Caller string `json:"caller"`
}

// ForwardRequest is the body for POST /v1/forward
type ForwardRequest struct {
	Caller   string `json:"caller"`
	Function string `json:"function"`
	Args     []any  `json:"args,omitempty"`
}

// ForwardResponse is returned from POST /v1/forward
type ForwardResponse struct {
	Result any `json:"result"`
}

// AuditEntryResponse is a single entry in GET /v1/audit
type AuditEntryResponse struct {
	Kind       string `json:"kind"`
	ProposalID uint64 `json:"proposal_id,omitempty"`
	Detail     string `json:"detail"`
	CreatedAt  string `json:"created_at"`
}
