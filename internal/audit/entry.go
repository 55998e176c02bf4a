// Package audit records what ran in each workspace and rebuilds the lineage
// graph from the records left on disk.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
)

// Recorder identifies who wrote an entry.
type Recorder string

const (
	RecordedByWorker   Recorder = "worker"
	RecordedByExecutor Recorder = "executor"
)

// Entry is the tool_call.json of one workspace.
type Entry struct {
	ParentWorkspaceID string          `json:"parent_workspace_id"`
	WorkspaceID       string          `json:"workspace_id"`
	Command           string          `json:"command"`
	Args              json.RawMessage `json:"args"`
	Result            protocol.Result `json:"result"`
	Success           bool            `json:"success"`
	RecordedBy        Recorder        `json:"recorded_by"`
	RecordedAt        time.Time       `json:"recorded_at"`
}

// NewEntry fills an Entry for a finished command.
func NewEntry(parentID, id, command string, args json.RawMessage, result protocol.Result, by Recorder) Entry {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return Entry{
		ParentWorkspaceID: parentID,
		WorkspaceID:       id,
		Command:           command,
		Args:              args,
		Result:            result,
		Success:           result.Success,
		RecordedBy:        by,
		RecordedAt:        time.Now().UTC(),
	}
}

// Write persists e in dir. A workspace holds at most one entry; a second
// write fails with fs.ErrExist.
func Write(dir string, e Entry) error {
	if e.WorkspaceID == "" || e.ParentWorkspaceID == "" || e.Command == "" {
		return fmt.Errorf("audit entry needs workspace_id, parent_workspace_id and command")
	}
	e.Success = e.Result.Success
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := snapshot.WriteOnce(filepath.Join(dir, snapshot.AuditFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write audit entry of %q: %w", e.WorkspaceID, err)
	}
	return nil
}

// Read loads the entry in dir. A missing entry yields an error matching
// fs.ErrNotExist.
func Read(dir string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshot.AuditFile))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", snapshot.AuditFile, err)
	}
	return &e, nil
}

// Exists reports whether dir already carries an entry.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, snapshot.AuditFile))
	return !errors.Is(err, fs.ErrNotExist)
}
