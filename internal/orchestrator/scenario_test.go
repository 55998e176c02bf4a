package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/events"
	"github.com/mattjoyce/snapline/internal/executor"
	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/toolchain"
	"github.com/mattjoyce/snapline/internal/worker"
)

const workerEnv = "SNAPLINE_ORCHESTRATOR_TEST_WORKER"

type noArgs struct{}

func (*noArgs) Validate() error { return nil }

func scenarioRegistry() *command.Registry {
	r := command.Builtins()
	command.Register(r, command.Def{Name: "crash"}, func(context.Context, *toolchain.Engine, *noArgs) (protocol.Result, error) {
		os.Stderr.WriteString("engine aborted\n")
		os.Exit(2)
		return protocol.Result{}, nil
	})
	return r
}

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		worker.Main(scenarioRegistry())
	}
	os.Exit(m.Run())
}

func sourceDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE sales(region TEXT, amount REAL, units INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sales VALUES ('north', 120.5, 3), ('south', 80, 2), ('east', 42.25, 1), ('west', 300, 9)`)
	require.NoError(t, err)
	return path
}

func newScenario(t *testing.T) (*Orchestrator, *events.Hub) {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	exec, err := executor.New(executor.Config{
		WorkerCommand:  []string{self},
		Env:            []string{workerEnv + "=1"},
		MaxWorkers:     2,
		DefaultTimeout: 30 * time.Second,
		GracePeriod:    200 * time.Millisecond,
		Toolchain:      protocol.Toolchain{SourceDB: sourceDB(t), MaxRows: 100},
	}, prometheus.NewRegistry())
	require.NoError(t, err)

	hub := events.NewHub(64)
	o, err := New(Config{
		Session:  "scenario",
		Root:     t.TempDir(),
		Snapshot: snapshot.DefaultOptions(),
		Registry: scenarioRegistry(),
		Runner:   exec,
		Events:   hub,
		Finalize: finalize.Options{ConfigDigest: "test"},
		NewID:    sequentialIDs(),
	})
	require.NoError(t, err)
	return o, hub
}

func ids(nodes []*audit.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.WorkspaceID)
	}
	return out
}

func TestScenarioBranchingAnalysis(t *testing.T) {
	o, hub := newScenario(t)
	ctx := context.Background()

	root, err := o.OpenRoot(ctx)
	require.NoError(t, err)

	w1, res, err := o.RunCommand(ctx, root, "create_dataset",
		json.RawMessage(`{"dataset_name":"sales","sql":"SELECT region, amount, units FROM sales"}`))
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.EqualValues(t, 4, res.Data["rows"])

	w2, res, err := o.RunCommand(ctx, w1, "filter_dataset",
		json.RawMessage(`{"dataset_in":"sales","dataset_out":"big","column":"margin","min":100}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.FailureCommandFailed, res.FailureKind)

	w3, res, err := o.RunCommand(ctx, w1, "describe_dataset",
		json.RawMessage(`{"dataset":"sales","columns":["amount","units"]}`))
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.FileExists(t, filepath.Join(o.Manager().Root(), snapshot.DirName(w3), snapshot.PlotsDir, "sales_summary.svg"))

	// The failed sibling did not disturb w1's datasets.
	_, err = os.Stat(filepath.Join(o.Manager().Root(), snapshot.DirName(w1), toolchain.DatasetDir))
	require.NoError(t, err)

	lineage, err := o.ReadLineage(ctx, w3)
	require.NoError(t, err)
	assert.Equal(t, []string{root, w1, w3}, ids(lineage.Branch))
	assert.Equal(t, root, lineage.Tree.WorkspaceID)
	require.Len(t, lineage.Tree.Children, 1)
	assert.ElementsMatch(t, []string{w2, w3}, ids(lineage.Tree.Children[0].Children))
	assert.Equal(t, []string{root, w1, w2, w3}, ids(lineage.ByTime))
	assert.Equal(t, audit.StatusFailed, lineage.Nodes[w2].Status)
	assert.Equal(t, audit.RecordedByWorker, lineage.Nodes[w2].Entry.RecordedBy)

	sealed, err := o.Finalize(ctx, w3)
	require.NoError(t, err)
	assert.Equal(t, root, sealed.RootID)
	assert.Equal(t, 1, sealed.Artifacts)

	rec, err := finalize.ReadRecord(o.Manager(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{root, w1, w3}, ids(rec.Branch))
	assert.Equal(t, sealed.NoOpWorkspaceID, rec.ByTime[len(rec.ByTime)-1].WorkspaceID)
	assert.Equal(t, audit.StatusNoOp, rec.ByTime[len(rec.ByTime)-1].Status)
	assert.Equal(t, "test", rec.ConfigDigest)

	_, _, err = o.RunCommand(ctx, w2, "set_option", json.RawMessage(`{"key":"k","value":"v"}`))
	assert.ErrorIs(t, err, fault.ErrLineageSealed)

	var completed int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.TypeCommandCompleted {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
}

func TestScenarioCrashLeavesParentUsable(t *testing.T) {
	o, _ := newScenario(t)
	ctx := context.Background()

	root, err := o.OpenRoot(ctx)
	require.NoError(t, err)
	w1, res, err := o.RunCommand(ctx, root, "set_option", json.RawMessage(`{"key":"palette","value":"mono"}`))
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	crashed, res, err := o.RunCommand(ctx, w1, "crash", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.FailureExecutorCrash, res.FailureKind)
	assert.Equal(t, "unknown error", res.Message)

	node, err := o.Reader().Node(crashed)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, node.Status)
	assert.Equal(t, audit.RecordedByExecutor, node.Entry.RecordedBy)

	w3, res, err := o.RunCommand(ctx, w1, "set_option", json.RawMessage(`{"key":"palette","value":"warm"}`))
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "mono", res.Data["previous"])

	lineage, err := o.ReadLineage(ctx, w3)
	require.NoError(t, err)
	assert.Equal(t, []string{root, w1, w3}, ids(lineage.Branch))
}
