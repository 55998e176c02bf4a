package protocol

import (
	"encoding/json"
	"time"
)

// Version is the worker protocol revision spoken on stdin and fd 3.
const Version = 1

// FailureKind says why a command did not succeed.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureCommandFailed FailureKind = "command_failed"
	FailureExecutorCrash FailureKind = "executor_crash"
	FailureTimeout       FailureKind = "timeout"
	FailureCanceled      FailureKind = "canceled"
)

// Result is the outcome of one command, as recorded in the audit entry and
// returned to callers.
type Result struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	FailureKind FailureKind    `json:"failure_kind,omitempty"`
}

// OK builds a successful result.
func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failed builds a failed result of the given kind.
func Failed(kind FailureKind, message string) Result {
	return Result{Success: false, Message: message, FailureKind: kind}
}

// Toolchain carries the engine settings a worker needs.
type Toolchain struct {
	SourceDB string `json:"source_db,omitempty"`
	MaxRows  int    `json:"max_rows,omitempty"`
}

// Request is written once by the parent to the worker's stdin.
type Request struct {
	Protocol     int             `json:"protocol"`
	WorkspaceID  string          `json:"workspace_id"`
	ParentID     string          `json:"parent_id"`
	WorkspaceDir string          `json:"workspace_dir"`
	Command      string          `json:"command"`
	Args         json.RawMessage `json:"args"`
	DeadlineAt   time.Time       `json:"deadline_at"`
	Toolchain    Toolchain       `json:"toolchain"`
	Sandbox      bool            `json:"sandbox"`
	LogLevel     string          `json:"log_level,omitempty"`
}

// Response is written exactly once by the worker to the result channel.
type Response struct {
	Protocol     int    `json:"protocol"`
	WorkspaceID  string `json:"workspace_id"`
	Result       Result `json:"result"`
	AuditWritten bool   `json:"audit_written"`
}
