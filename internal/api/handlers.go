package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/orchestrator"
	"github.com/mattjoyce/snapline/internal/session"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Commands:      len(s.commands),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	respondJSON(w, http.StatusOK, list)
}

// service resolves the {session} URL parameter, writing the error response
// itself when it fails.
func (s *Server) service(w http.ResponseWriter, r *http.Request) (orchestrator.Service, bool) {
	svc, err := s.sessions.Session(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.writeFault(w, r, err)
		return nil, false
	}
	return svc, true
}

// handleOpenRoot handles POST /v1/sessions/{session}/open
func (s *Server) handleOpenRoot(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	id, err := svc.OpenRoot(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, OpenResponse{Session: chi.URLParam(r, "session"), WorkspaceID: id})
}

// handleRunCommand handles POST /v1/sessions/{session}/run
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ParentID == "" || req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "parent_id and command are required")
		return
	}
	if len(req.Args) == 0 {
		req.Args = json.RawMessage(`{}`)
	}

	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	id, res, err := svc.RunCommand(r.Context(), req.ParentID, req.Command, req.Args)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, RunResponse{WorkspaceID: id, ParentID: req.ParentID, Result: res})
}

// handleFinalize handles POST /v1/sessions/{session}/finalize
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LeafID == "" {
		s.writeError(w, http.StatusBadRequest, "leaf_id is required")
		return
	}
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	res, err := svc.Finalize(r.Context(), req.LeafID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleLineage handles GET /v1/sessions/{session}/lineage/{workspaceID}
func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	lineage, err := svc.ReadLineage(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lineage)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, svc.Commands())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.sessions.Settings(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req SettingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "session")
	// Resolving first lets settings be set on a session before its first lineage.
	if _, ok := s.service(w, r); !ok {
		return
	}
	if err := s.sessions.SetSetting(r.Context(), name, chi.URLParam(r, "key"), req.Value); err != nil {
		s.writeFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, fault.ErrParentNotFound):
		return http.StatusNotFound, "parent_not_found"
	case errors.Is(err, fault.ErrLineageSealed):
		return http.StatusConflict, "lineage_sealed"
	case errors.Is(err, fault.ErrCorruptLineage):
		return http.StatusInternalServerError, "corrupt_lineage"
	case errors.Is(err, fault.ErrUnknownCommand):
		return http.StatusNotFound, "unknown_command"
	case errors.Is(err, fault.ErrInvalidArgs):
		return http.StatusBadRequest, "invalid_args"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrInvalidName):
		return http.StatusBadRequest, "invalid_session"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, ""
	}
}

func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
