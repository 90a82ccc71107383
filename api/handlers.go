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

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/quaylabs-io/pylon/governance"
	"github.com/quaylabs-io/pylon/ledger"
	"github.com/quaylabs-io/pylon/upgrade"
)

const apiVersion = "0.1.0"

const defaultAuditLimit = 100

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

// writeProxyError maps proxy sentinel errors onto HTTP status codes
func writeProxyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrProposalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, governance.ErrNotAdmin),
		errors.Is(err, governance.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, governance.ErrAlreadyInitialized),
		errors.Is(err, ledger.ErrAlreadyExecuted),
		errors.Is(err, upgrade.ErrThresholdNotMet),
		errors.Is(err, upgrade.ErrDelayNotPassed),
		errors.Is(err, upgrade.ErrNoRollbackAvailable),
		errors.Is(err, upgrade.ErrImplementationNotSet):
		status = http.StatusConflict
	case errors.Is(err, governance.ErrNotInitialized),
		errors.Is(err, governance.ErrInvalidAdmins),
		errors.Is(err, governance.ErrInvalidThreshold),
		errors.Is(err, ledger.ErrSameImplementation),
		errors.Is(err, ledger.ErrMetadataTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, upgrade.ErrValidationFailed),
		errors.Is(err, upgrade.ErrCompatibilityCheckFailed),
		errors.Is(err, upgrade.ErrMigrationValidationFailed),
		errors.Is(err, upgrade.ErrMigrationFailed),
		errors.Is(err, upgrade.ErrInvocationFailed):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func proposalIDFromPath(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{
		Service: "pylon",
		Version: apiVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		IsHealthy: true,
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.proxy.Initialize(
		r.Context(),
		req.Admins,
		req.Threshold,
		req.DelaySeconds,
	)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct{}{})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.proxy.Stats()
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:              stats.Version,
		ActiveImplementation: stats.ActiveImplementation,
		TotalUpgrades:        stats.TotalUpgrades,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	version, err := s.proxy.Version()
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{Version: version})
}

func (s *Server) handleImplementation(w http.ResponseWriter, _ *http.Request) {
	impl, ok, err := s.proxy.CurrentImplementation()
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ImplementationResponse{
		Implementation: impl,
		Set:            ok,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	records, err := s.proxy.History()
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := make([]HistoryRecord, 0, len(records))
	for _, rec := range records {
		resp = append(resp, HistoryRecord{
			Version:        rec.Version,
			Implementation: rec.Implementation,
			Previous:       rec.Previous,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := s.proxy.AuditTrail(limit)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, AuditEntryResponse{
			Kind:       entry.Kind,
			ProposalID: entry.ProposalID,
			Detail:     entry.Detail,
			CreatedAt:  entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.proxy.ProposeUpgrade(
		r.Context(),
		req.Candidate,
		req.Metadata,
		req.Caller,
	)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ProposeResponse{ID: id})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalIDFromPath(w, r)
	if !ok {
		return
	}
	proposal, err := s.proxy.GetProposal(id)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{
		ID:           proposal.ID,
		Candidate:    proposal.Candidate,
		Proposer:     proposal.Proposer,
		Approvals:    proposal.Approvals,
		CreatedAt:    proposal.CreatedAt,
		ExecutableAt: proposal.ExecutableAt,
		Executed:     proposal.Executed,
		Migration:    proposal.MigrationRequested(),
	})
}

func (s *Server) handleChecklist(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalIDFromPath(w, r)
	if !ok {
		return
	}
	checklist, err := s.proxy.Checklist(id)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checklist)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalIDFromPath(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.proxy.ApproveUpgrade(r.Context(), id, req.Admin); err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalIDFromPath(w, r)
	if !ok {
		return
	}
	var req CallerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.proxy.ExecuteUpgrade(r.Context(), id, req.Caller); err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.proxy.Rollback(r.Context(), req.Caller); err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	var req ForwardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.proxy.Forward(
		r.Context(),
		req.Caller,
		req.Function,
		req.Args,
	)
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ForwardResponse{Result: result})
}
