package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/events"
	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/orchestrator/mocks"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/session"
)

const testKey = "test-key-123"

type harness struct {
	sessions *mocks.MockSessions
	svc      *mocks.MockService
	hub      *events.Hub
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		sessions: mocks.NewMockSessions(ctrl),
		svc:      mocks.NewMockService(ctrl),
		hub:      events.NewHub(16),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Listen: "localhost:0", APIKey: testKey}, h.sessions, command.Builtins().Defs(), h.hub, prometheus.NewRegistry(), logger)
	h.handler = srv.Handler()
	return h
}

func (h *harness) expectSession(name string) {
	h.sessions.EXPECT().Session(gomock.Any(), name).Return(h.svc, nil)
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestHealthzNoAuth(t *testing.T) {
	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, len(command.Builtins().Defs()), resp.Commands)
}

func TestMetricsNoAuth(t *testing.T) {
	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	h := newHarness(t)
	for _, header := range []string{"", "Bearer wrong-key-000", "Basic abc"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/alpha/open", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, header)
	}
}

func TestNoKeyConfiguredSkipsAuth(t *testing.T) {
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessions(ctrl)
	sessions.EXPECT().List(gomock.Any()).Return([]session.Session{{Name: "alpha"}}, nil)
	srv := New(Config{}, sessions, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOpenRoot(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	h.svc.EXPECT().OpenRoot(gomock.Any()).Return("root-1", nil)

	rr := h.do(http.MethodPost, "/v1/sessions/alpha/open", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp OpenResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, OpenResponse{Session: "alpha", WorkspaceID: "root-1"}, resp)
}

func TestRunCommandReturnsFailedResultAsOK(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	failed := protocol.Failed(protocol.FailureExecutorCrash, "unknown error")
	h.svc.EXPECT().
		RunCommand(gomock.Any(), "root-1", "set_option", json.RawMessage(`{"key":"a","value":"b"}`)).
		Return("ws-2", failed, nil)

	rr := h.do(http.MethodPost, "/v1/sessions/alpha/run", map[string]any{
		"parent_id": "root-1",
		"command":   "set_option",
		"args":      map[string]string{"key": "a", "value": "b"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp RunResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ws-2", resp.WorkspaceID)
	assert.False(t, resp.Result.Success)
	assert.Equal(t, protocol.FailureExecutorCrash, resp.Result.FailureKind)
}

func TestRunCommandDefaultsArgs(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	h.svc.EXPECT().
		RunCommand(gomock.Any(), "root-1", "noop", json.RawMessage(`{}`)).
		Return("", protocol.Result{}, fault.New("decode", "", fault.ErrUnknownCommand, "noop"))

	rr := h.do(http.MethodPost, "/v1/sessions/alpha/run", map[string]any{"parent_id": "root-1", "command": "noop"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "unknown_command", decodeError(t, rr).Kind)
}

func TestRunCommandValidatesBody(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/v1/sessions/alpha/run", map[string]any{"command": "set_option"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(http.MethodPost, "/v1/sessions/alpha/run", map[string]any{"parent_id": "p", "command": "c", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"parent not found", fault.New("open", "x", fault.ErrParentNotFound, ""), http.StatusNotFound, "parent_not_found"},
		{"sealed", fault.New("open", "x", fault.ErrLineageSealed, ""), http.StatusConflict, "lineage_sealed"},
		{"corrupt", fault.Corrupt("read", "x", "bad pointer"), http.StatusInternalServerError, "corrupt_lineage"},
		{"invalid args", fault.New("decode", "", fault.ErrInvalidArgs, "sql"), http.StatusBadRequest, "invalid_args"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.expectSession("alpha")
			h.svc.EXPECT().RunCommand(gomock.Any(), "p", "c", gomock.Any()).Return("", protocol.Result{}, tt.err)

			rr := h.do(http.MethodPost, "/v1/sessions/alpha/run", RunRequest{ParentID: "p", Command: "c"})
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.kind, decodeError(t, rr).Kind)
		})
	}
}

func TestInvalidSessionName(t *testing.T) {
	h := newHarness(t)
	h.sessions.EXPECT().Session(gomock.Any(), "bad..").Return(nil, session.ErrInvalidName)
	rr := h.do(http.MethodPost, "/v1/sessions/bad../open", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFinalize(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	h.svc.EXPECT().Finalize(gomock.Any(), "leaf").Return(&finalize.Result{RootID: "root-1", LeafID: "leaf", Artifacts: 2}, nil)

	rr := h.do(http.MethodPost, "/v1/sessions/alpha/finalize", FinalizeRequest{LeafID: "leaf"})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp finalize.Result
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Artifacts)

	rr = h.do(http.MethodPost, "/v1/sessions/alpha/finalize", FinalizeRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLineage(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	root := &audit.Node{WorkspaceID: "root-1", Type: audit.NodeRoot, Status: audit.StatusRoot}
	h.svc.EXPECT().ReadLineage(gomock.Any(), "root-1").Return(&audit.Lineage{
		RootID: "root-1", LeafID: "root-1", Branch: []*audit.Node{root}, Tree: root, ByTime: []*audit.Node{root},
	}, nil)

	rr := h.do(http.MethodGet, "/v1/sessions/alpha/lineage/root-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "root-1", resp["root_id"])
	assert.Len(t, resp["branch"], 1)
}

func TestCommandsAndSettings(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	h.svc.EXPECT().Commands().Return([]command.Def{{Name: "set_option"}})
	rr := h.do(http.MethodGet, "/v1/sessions/alpha/commands", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"set_option"`)

	h.expectSession("alpha")
	h.sessions.EXPECT().SetSetting(gomock.Any(), "alpha", "analyst", "kim").Return(nil)
	rr = h.do(http.MethodPut, "/v1/sessions/alpha/settings/analyst", SettingRequest{Value: "kim"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	h.sessions.EXPECT().Settings(gomock.Any(), "alpha").Return(map[string]string{"analyst": "kim"}, nil)
	rr = h.do(http.MethodGet, "/v1/sessions/alpha/settings", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"analyst":"kim"}`, rr.Body.String())

	h.sessions.EXPECT().Settings(gomock.Any(), "ghost").Return(nil, session.ErrNotFound)
	rr = h.do(http.MethodGet, "/v1/sessions/ghost/settings", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListSessions(t *testing.T) {
	h := newHarness(t)
	h.sessions.EXPECT().List(gomock.Any()).Return(nil, nil)
	rr := h.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestCanceledRequest(t *testing.T) {
	h := newHarness(t)
	h.expectSession("alpha")
	h.svc.EXPECT().OpenRoot(gomock.Any()).Return("", context.Canceled)
	rr := h.do(http.MethodPost, "/v1/sessions/alpha/open", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMCPMountedBehindAuth(t *testing.T) {
	ctrl := gomock.NewController(t)
	var hit bool
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusAccepted)
	})
	srv := New(Config{APIKey: testKey, MCPHandler: mcp}, mocks.NewMockSessions(ctrl), nil, nil, nil, slog.Default())
	handler := srv.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, hit)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.True(t, hit)
}
