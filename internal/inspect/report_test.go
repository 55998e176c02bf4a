package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/workspace"
)

type lineageFixture struct {
	t   *testing.T
	mgr *workspace.Manager
	n   int
}

func newLineageFixture(t *testing.T) *lineageFixture {
	t.Helper()
	f := &lineageFixture{t: t}
	mgr, err := workspace.NewManager(workspace.Config{
		Root:     t.TempDir(),
		Snapshot: snapshot.DefaultOptions(),
		NewID: func() string {
			f.n++
			return fmt.Sprintf("ws%02d", f.n)
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *lineageFixture) open(parent string) *workspace.Workspace {
	f.t.Helper()
	ws, err := f.mgr.Open(context.Background(), parent, false)
	if err != nil {
		f.t.Fatalf("Open(%q): %v", parent, err)
	}
	return ws
}

func (f *lineageFixture) run(parent, command, args string, res protocol.Result, plots ...string) string {
	f.t.Helper()
	ws := f.open(parent)
	for _, p := range plots {
		path := filepath.Join(ws.Dir, snapshot.PlotsDir, p)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			f.t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte("<svg/>"), 0o644); err != nil {
			f.t.Fatalf("WriteFile: %v", err)
		}
	}
	entry := audit.NewEntry(parent, ws.ID, command, json.RawMessage(args), res, audit.RecordedByWorker)
	if err := audit.Write(ws.Dir, entry); err != nil {
		f.t.Fatalf("audit.Write: %v", err)
	}
	if err := ws.Close(nil); err != nil {
		f.t.Fatalf("Close: %v", err)
	}
	return ws.ID
}

func (f *lineageFixture) reader() *audit.Reader {
	return audit.NewReader(f.mgr.Store(), 0)
}

func TestBuildReportRendersBranchAndTree(t *testing.T) {
	t.Parallel()

	f := newLineageFixture(t)
	root := f.open("")
	if err := root.Close(nil); err != nil {
		t.Fatalf("Close(root): %v", err)
	}
	w1 := f.run(root.ID, "create_dataset", `{"dataset_name":"sales","sql":"SELECT 1"}`, protocol.OK("created dataset sales with 1 rows", nil))
	w2 := f.run(w1, "filter_dataset", `{}`, protocol.Failed(protocol.FailureCommandFailed, "column not found"))
	w3 := f.run(w1, "describe_dataset", `{}`, protocol.OK("described 1 columns of sales", nil), "sales_summary.svg")

	out, err := BuildReport(context.Background(), f.mgr, f.reader(), w3)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, needle := range []string{
		"Lineage Report",
		"Root        : " + root.ID,
		"Sealed      : no",
		"Workspaces  : 4 (1 failed)",
		"command    : <root>",
		"command    : create_dataset",
		`"dataset_name": "sales"`,
		"created dataset sales with 1 rows",
		"- sales_summary.svg",
		"├── ✗ " + w2 + " filter_dataset",
		"└── ● " + w3 + " describe_dataset ◀",
	} {
		if !strings.Contains(out, needle) {
			t.Fatalf("output missing %q:\n%s", needle, out)
		}
	}
	if strings.Contains(out, "[3]") {
		t.Fatalf("failed sibling should not appear on the branch:\n%s", out)
	}
}

func TestBuildJSONReportMarksSealed(t *testing.T) {
	t.Parallel()

	f := newLineageFixture(t)
	root := f.open("")
	if err := root.Close(nil); err != nil {
		t.Fatalf("Close(root): %v", err)
	}
	w1 := f.run(root.ID, "set_option", `{"key":"a","value":"b"}`, protocol.OK("set a", nil))

	if _, err := finalize.New(f.mgr, f.reader(), finalize.Options{}).Finalize(context.Background(), w1, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	out, err := BuildJSONReport(context.Background(), f.mgr, f.reader(), w1)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.Sealed || report.SealedAt == nil {
		t.Fatalf("expected sealed report, got %+v", report)
	}
	if report.RootID != root.ID || len(report.Branch) != 2 {
		t.Fatalf("unexpected branch: %+v", report.Branch)
	}
	// Root, w1 and the no-op workspace finalization appended.
	if report.Nodes != 3 {
		t.Fatalf("expected 3 nodes, got %d", report.Nodes)
	}
	if report.Timeline[2].Type != audit.NodeNoOp {
		t.Fatalf("expected no-op last in timeline, got %s", report.Timeline[2].Type)
	}
}

func TestGatherRejectsEmptyID(t *testing.T) {
	t.Parallel()

	f := newLineageFixture(t)
	if _, err := Gather(context.Background(), f.mgr, f.reader(), "  "); err == nil {
		t.Fatalf("expected error for empty workspace id")
	}
}

func TestRenderTreeNil(t *testing.T) {
	if got := RenderTree(nil, ""); got != "" {
		t.Fatalf("expected empty drawing, got %q", got)
	}
}
