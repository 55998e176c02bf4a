package api

import (
	"encoding/json"

	"github.com/mattjoyce/snapline/internal/protocol"
)

// OpenResponse is returned by POST /v1/sessions/{session}/open
type OpenResponse struct {
	Session     string `json:"session"`
	WorkspaceID string `json:"workspace_id"`
}

// RunRequest is the JSON body for POST /v1/sessions/{session}/run
type RunRequest struct {
	ParentID string          `json:"parent_id"`
	Command  string          `json:"command"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// RunResponse carries the new workspace and the command outcome. A failed
// command is still a 200: the workspace exists and records the failure.
type RunResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	ParentID    string          `json:"parent_id"`
	Result      protocol.Result `json:"result"`
}

// FinalizeRequest is the JSON body for POST /v1/sessions/{session}/finalize
type FinalizeRequest struct {
	LeafID string `json:"leaf_id"`
}

// SettingRequest is the JSON body for PUT /v1/sessions/{session}/settings/{key}
type SettingRequest struct {
	Value string `json:"value"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Commands      int    `json:"commands"`
}
