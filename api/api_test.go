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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pylon "github.com/quaylabs-io/pylon"
	"github.com/quaylabs-io/pylon/implreg"
	"github.com/stretchr/testify/require"
)

func testProxy(t *testing.T) *pylon.Proxy {
	t.Helper()
	proxy, err := pylon.New(pylon.NewConfig(pylon.WithAuditDisabled(true)))
	require.NoError(t, err)
	t.Cleanup(func() {
		proxy.Close()
	})
	proxy.RegisterImplementation("impl-v1", implreg.FuncMap{
		"schema_version": func(_ context.Context, _ []any) (any, error) {
			return uint32(1), nil
		},
		"proxy_compatible": func(_ context.Context, _ []any) (any, error) {
			return true, nil
		},
		"balance": func(_ context.Context, _ []any) (any, error) {
			return uint64(0), nil
		},
		"transfer": func(_ context.Context, _ []any) (any, error) {
			return true, nil
		},
		"echo": func(_ context.Context, args []any) (any, error) {
			return args[0], nil
		},
	})
	return proxy
}

func initializedServer(t *testing.T) *Server {
	t.Helper()
	proxy := testProxy(t)
	require.NoError(
		t,
		proxy.Initialize(context.Background(), []string{"admin-1"}, 1, 0),
	)
	return New(ServerConfig{}, proxy, nil)
}

func TestStartStop(t *testing.T) {
	server := New(ServerConfig{ListenAddress: "127.0.0.1:0"}, testProxy(t), nil)
	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	require.Error(t, server.Start(ctx))
	require.NoError(t, server.Stop(ctx))
}

func TestHandleRoot(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	server.handleRoot(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp RootResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "pylon", resp.Service)
}

func TestHandleInitConflict(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(
		http.MethodPost,
		"/v1/init",
		strings.NewReader(`{"admins":["admin-9"],"threshold":1}`),
	)
	w := httptest.NewRecorder()
	server.handleInit(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestProposalFlow(t *testing.T) {
	server := initializedServer(t)

	// Propose
	req := httptest.NewRequest(
		http.MethodPost,
		"/v1/proposals",
		strings.NewReader(`{"candidate":"impl-v1","caller":"admin-1"}`),
	)
	w := httptest.NewRecorder()
	server.handlePropose(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var proposeResp ProposeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &proposeResp))
	require.Equal(t, uint64(1), proposeResp.ID)

	// Approve
	req = httptest.NewRequest(
		http.MethodPost,
		"/v1/proposals/1/approvals",
		strings.NewReader(`{"admin":"admin-1"}`),
	)
	req.SetPathValue("id", "1")
	w = httptest.NewRecorder()
	server.handleApprove(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Checklist shows the proposal is ready
	req = httptest.NewRequest(
		http.MethodGet,
		"/v1/proposals/1/checklist",
		nil,
	)
	req.SetPathValue("id", "1")
	w = httptest.NewRecorder()
	server.handleChecklist(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var checklist map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checklist))
	require.True(t, checklist["threshold_met"])
	require.False(t, checklist["executed"])

	// Execute
	req = httptest.NewRequest(
		http.MethodPost,
		"/v1/proposals/1/execute",
		strings.NewReader(`{"caller":"admin-1"}`),
	)
	req.SetPathValue("id", "1")
	w = httptest.NewRecorder()
	server.handleExecute(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Status reflects the upgrade
	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w = httptest.NewRecorder()
	server.handleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, uint64(1), status.Version)
	require.Equal(t, "impl-v1", status.ActiveImplementation)

	// Forward a call
	req = httptest.NewRequest(
		http.MethodPost,
		"/v1/forward",
		strings.NewReader(
			`{"caller":"caller-1","function":"echo","args":["hello"]}`,
		),
	)
	w = httptest.NewRecorder()
	server.handleForward(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var forwardResp ForwardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &forwardResp))
	require.Equal(t, "hello", forwardResp.Result)

	// History has a single record
	req = httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	w = httptest.NewRecorder()
	server.handleHistory(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var records []HistoryRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "impl-v1", records[0].Implementation)
}

func TestHandleVersionAndImplementation(t *testing.T) {
	server := initializedServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()
	server.handleVersion(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var version VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &version))
	require.Equal(t, uint64(0), version.Version)

	req = httptest.NewRequest(http.MethodGet, "/v1/implementation", nil)
	w = httptest.NewRecorder()
	server.handleImplementation(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var impl ImplementationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &impl))
	require.False(t, impl.Set)
	require.Empty(t, impl.Implementation)
}

func TestHandleGetProposalNotFound(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/proposals/99", nil)
	req.SetPathValue("id", "99")
	w := httptest.NewRecorder()
	server.handleGetProposal(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleProposeNonAdmin(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(
		http.MethodPost,
		"/v1/proposals",
		strings.NewReader(`{"candidate":"impl-v1","caller":"stranger"}`),
	)
	w := httptest.NewRecorder()
	server.handlePropose(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleRollbackUnavailable(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(
		http.MethodPost,
		"/v1/rollback",
		strings.NewReader(`{"caller":"admin-1"}`),
	)
	w := httptest.NewRecorder()
	server.handleRollback(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleForwardNotSet(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(
		http.MethodPost,
		"/v1/forward",
		strings.NewReader(`{"caller":"caller-1","function":"echo"}`),
	)
	w := httptest.NewRecorder()
	server.handleForward(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleBadBody(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(
		http.MethodPost,
		"/v1/proposals",
		strings.NewReader(`{not json`),
	)
	w := httptest.NewRecorder()
	server.handlePropose(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBadProposalID(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/proposals/abc", nil)
	req.SetPathValue("id", "abc")
	w := httptest.NewRecorder()
	server.handleGetProposal(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAuditDisabled(t *testing.T) {
	server := initializedServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	w := httptest.NewRecorder()
	server.handleAudit(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []AuditEntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Empty(t, entries)
}
