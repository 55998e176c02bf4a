package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/toolchain"
)

type noteArgs struct {
	Note  string `json:"note"`
	Panic bool   `json:"panic,omitempty"`
	Sleep int    `json:"sleep_ms,omitempty"`
}

func (a *noteArgs) Validate() error {
	if a.Note == "" {
		return errors.New("note is required")
	}
	return nil
}

func testRegistry() *command.Registry {
	r := command.Builtins()
	command.Register(r, command.Def{Name: "note"}, func(ctx context.Context, eng *toolchain.Engine, a *noteArgs) (protocol.Result, error) {
		if a.Panic {
			panic("engine exploded")
		}
		if a.Sleep > 0 {
			select {
			case <-time.After(time.Duration(a.Sleep) * time.Millisecond):
			case <-ctx.Done():
				return protocol.Result{}, ctx.Err()
			}
		}
		eng.SetOption("note", a.Note)
		return protocol.OK("noted", map[string]any{"note": a.Note}), nil
	})
	return r
}

func serve(t *testing.T, req *protocol.Request) *protocol.Response {
	t.Helper()
	t.Chdir(t.TempDir())

	var in, out bytes.Buffer
	require.NoError(t, protocol.EncodeRequest(&in, req))
	require.NoError(t, Serve(context.Background(), testRegistry(), &in, &out))

	resp, err := protocol.DecodeResponse(&out, req.WorkspaceID)
	require.NoError(t, err)
	return resp
}

func request(dir, command, args string) *protocol.Request {
	return &protocol.Request{
		Protocol:     protocol.Version,
		WorkspaceID:  "child",
		ParentID:     "parent",
		WorkspaceDir: dir,
		Command:      command,
		Args:         json.RawMessage(args),
		DeadlineAt:   time.Now().Add(time.Minute),
	}
}

func TestServeRunsCommandAndWritesAudit(t *testing.T) {
	dir := t.TempDir()
	resp := serve(t, request(dir, "note", `{"note":"hello"}`))

	assert.True(t, resp.Result.Success)
	assert.True(t, resp.AuditWritten)

	entry, err := audit.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "parent", entry.ParentWorkspaceID)
	assert.Equal(t, "child", entry.WorkspaceID)
	assert.Equal(t, audit.RecordedByWorker, entry.RecordedBy)
	assert.JSONEq(t, `{"note":"hello"}`, string(entry.Args))

	state, err := os.ReadFile(filepath.Join(dir, toolchain.StateFile))
	require.NoError(t, err)
	assert.Contains(t, string(state), `"note": "hello"`)
}

func TestServeRecordsFailures(t *testing.T) {
	dir := t.TempDir()
	resp := serve(t, request(dir, "describe_dataset", `{"dataset":"nope","columns":["x"]}`))

	assert.False(t, resp.Result.Success)
	assert.Equal(t, protocol.FailureCommandFailed, resp.Result.FailureKind)

	entry, err := audit.Read(dir)
	require.NoError(t, err)
	assert.False(t, entry.Success)
}

func TestServeRecoversPanics(t *testing.T) {
	dir := t.TempDir()
	resp := serve(t, request(dir, "note", `{"note":"x","panic":true}`))

	assert.False(t, resp.Result.Success)
	assert.Contains(t, resp.Result.Message, "engine exploded")
	assert.True(t, audit.Exists(dir))
}

func TestServeHonoursDeadline(t *testing.T) {
	dir := t.TempDir()
	req := request(dir, "note", `{"note":"slow","sleep_ms":2000}`)
	req.DeadlineAt = time.Now().Add(50 * time.Millisecond)

	resp := serve(t, req)
	assert.False(t, resp.Result.Success)
}

func TestServeRejectsBadArgs(t *testing.T) {
	dir := t.TempDir()
	resp := serve(t, request(dir, "note", `{"bogus":1}`))
	assert.False(t, resp.Result.Success)
	assert.Contains(t, resp.Result.Message, "invalid command arguments")
}

func TestServeRejectsGarbageRequest(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), testRegistry(), bytes.NewReader([]byte{0xff}), &out)
	assert.Error(t, err)
	assert.Zero(t, out.Len())
}
