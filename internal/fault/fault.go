// Package fault defines the error taxonomy shared by the workspace engine.
//
// Integrity errors (ErrParentNotFound, ErrLineageSealed, ErrCorruptLineage)
// abort the operation that raised them. Command-level errors
// (ErrCommandFailed, ErrExecutorCrash) are recorded in the audit entry of the
// workspace they happened in and surface to callers as a failed result.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrParentNotFound = errors.New("parent workspace not found")
	ErrLineageSealed  = errors.New("lineage is sealed")
	ErrCorruptLineage = errors.New("corrupt lineage")
	ErrCommandFailed  = errors.New("command failed")
	ErrExecutorCrash  = errors.New("executor crashed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidArgs    = errors.New("invalid command arguments")
)

// Error attaches the failing operation and workspace to a sentinel.
type Error struct {
	Op          string
	WorkspaceID string
	Err         error
	Detail      string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.WorkspaceID != "" {
		msg += fmt.Sprintf(" workspace %q", e.WorkspaceID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error. detail is formatted with args when any are given.
func New(op, workspaceID string, err error, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Op: op, WorkspaceID: workspaceID, Err: err, Detail: detail}
}

// Corrupt is shorthand for a CorruptLineage error.
func Corrupt(op, workspaceID, detail string, args ...any) *Error {
	return New(op, workspaceID, ErrCorruptLineage, detail, args...)
}

// IsIntegrity reports whether err is one of the lineage integrity errors.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrParentNotFound) ||
		errors.Is(err, ErrLineageSealed) ||
		errors.Is(err, ErrCorruptLineage)
}

// WorkspaceOf returns the workspace id carried by err, if any.
func WorkspaceOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.WorkspaceID
	}
	return ""
}
