package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/blob"
	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/workspace"
)

type fixture struct {
	t   *testing.T
	mgr *workspace.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	mgr, err := workspace.NewManager(workspace.Config{
		Root:     filepath.Join(t.TempDir(), "ws"),
		Snapshot: snapshot.DefaultOptions(),
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("w%02d", n)
		},
	})
	require.NoError(t, err)
	return &fixture{t: t, mgr: mgr}
}

func (f *fixture) finalizer(opts Options) *Finalizer {
	return New(f.mgr, audit.NewReader(f.mgr.Store(), 0), opts)
}

func (f *fixture) root() string {
	ws, err := f.mgr.Open(context.Background(), "", false)
	require.NoError(f.t, err)
	require.NoError(f.t, ws.Close(nil))
	return ws.ID
}

// step records a command in a child of parent, writing the given plots.
func (f *fixture) step(parent, command string, ok bool, plots ...string) string {
	ws, err := f.mgr.Open(context.Background(), parent, false)
	require.NoError(f.t, err)
	for _, p := range plots {
		path := filepath.Join(ws.Dir, snapshot.PlotsDir, p)
		require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(f.t, os.WriteFile(path, []byte("<svg>"+p+"</svg>"), 0o644))
	}
	res := protocol.OK("done", nil)
	if !ok {
		res = protocol.Failed(protocol.FailureCommandFailed, "bad")
	}
	require.NoError(f.t, audit.Write(ws.Dir, audit.NewEntry(parent, ws.ID, command, json.RawMessage(`{}`), res, audit.RecordedByWorker)))
	require.NoError(f.t, ws.Close(nil))
	return ws.ID
}

func TestFinalizeWritesRecord(t *testing.T) {
	f := newFixture(t)
	root := f.root()
	w1 := f.step(root, "create_dataset", true)
	w2 := f.step(w1, "describe_dataset", false)
	w3 := f.step(w1, "describe_dataset", true, "sales_summary.svg")

	res, err := f.finalizer(Options{ConfigDigest: "abc"}).Finalize(context.Background(), w3, map[string]string{"analyst": "kim"})
	require.NoError(t, err)
	assert.Equal(t, root, res.RootID)
	assert.Equal(t, w3, res.LeafID)
	assert.Equal(t, 1, res.Artifacts)
	assert.Empty(t, res.Bundle)
	assert.Equal(t, f.mgr.SealPath(root), res.RecordPath)

	info, err := os.Stat(res.RecordPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	rec, err := ReadRecord(f.mgr, root)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, rec.Schema)
	assert.Equal(t, "abc", rec.ConfigDigest)
	assert.Equal(t, map[string]string{"analyst": "kim"}, rec.Labels)
	assert.Equal(t, res.NoOpWorkspaceID, rec.NoOpWorkspaceID)

	var branch []string
	for _, n := range rec.Branch {
		branch = append(branch, n.WorkspaceID)
		assert.Empty(t, n.Children)
	}
	assert.Equal(t, []string{root, w1, w3}, branch)

	// root, w1, w2, w3 and the no-op fork of w3.
	assert.Len(t, rec.ByTime, 5)
	require.Len(t, rec.Tree.Children, 1)
	assert.Len(t, rec.Tree.Children[0].Children, 2)
	statuses := map[string]audit.Status{}
	for _, n := range rec.ByTime {
		statuses[n.WorkspaceID] = n.Status
	}
	assert.Equal(t, audit.StatusFailed, statuses[w2], "failed branches are retained")
	assert.Equal(t, audit.StatusNoOp, statuses[res.NoOpWorkspaceID])

	require.Len(t, rec.Artifacts, 1)
	a := rec.Artifacts[0]
	assert.Equal(t, w3, a.WorkspaceID)
	assert.Equal(t, "plots/sales_summary.svg", a.Source)
	assert.Equal(t, "artifacts/"+w3+"/plots/sales_summary.svg", a.Path)
	assert.Contains(t, a.Digest, "blake3:")
	body, err := os.ReadFile(filepath.Join(f.mgr.FinalDir(root), filepath.FromSlash(a.Path)))
	require.NoError(t, err)
	assert.Equal(t, "<svg>sales_summary.svg</svg>", string(body))

	noop, err := audit.NewReader(f.mgr.Store(), 0).Node(res.NoOpWorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, audit.NodeNoOp, noop.Type)
	assert.Equal(t, w3, noop.ParentID)
}

func TestFinalizeSealsWholeLineage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root()
	w1 := f.step(root, "create_dataset", true)
	w2 := f.step(w1, "describe_dataset", true)

	_, err := f.finalizer(Options{}).Finalize(ctx, w2, nil)
	require.NoError(t, err)

	for _, id := range []string{root, w1, w2} {
		_, err := f.mgr.Open(ctx, id, false)
		assert.ErrorIs(t, err, fault.ErrLineageSealed, id)
	}
	_, err = f.finalizer(Options{}).Finalize(ctx, w1, nil)
	assert.ErrorIs(t, err, fault.ErrLineageSealed)

	other := f.root()
	_, err = f.mgr.Open(ctx, other, false)
	assert.NoError(t, err, "an unrelated lineage stays open")
}

func TestFinalizeUnknownLeaf(t *testing.T) {
	f := newFixture(t)
	_, err := f.finalizer(Options{}).Finalize(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, fault.ErrParentNotFound)
}

func TestFinalizeConcurrentCallsSealOnce(t *testing.T) {
	f := newFixture(t)
	root := f.root()
	w1 := f.step(root, "create_dataset", true)
	w2 := f.step(root, "create_dataset", true)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, leaf := range []string{w1, w2} {
		wg.Add(1)
		go func(i int, leaf string) {
			defer wg.Done()
			_, errs[i] = f.finalizer(Options{}).Finalize(context.Background(), leaf, nil)
		}(i, leaf)
	}
	wg.Wait()

	var sealedErrs, ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, fault.ErrLineageSealed):
			sealedErrs++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, sealedErrs)
}

func TestFinalizeBundlesAndPublishes(t *testing.T) {
	f := newFixture(t)
	root := f.root()
	w1 := f.step(root, "describe_dataset", true, "a.svg", "nested/b.svg")

	store := blob.NewMemory()
	res, err := f.finalizer(Options{Publisher: store, KeyPrefix: "lineages"}).Finalize(context.Background(), w1, nil)
	require.NoError(t, err)
	assert.Empty(t, res.PublishError)
	require.NotNil(t, res.Published)
	assert.Equal(t, "lineages/"+root+".tar.zst", res.Published.Key)
	assert.Equal(t, root, res.Published.Metadata["root-id"])

	entries, err := ReadBundle(res.Bundle)
	require.NoError(t, err)
	assert.Contains(t, entries, workspace.SealFile)
	assert.Contains(t, entries, "artifacts/"+w1+"/plots/a.svg")
	assert.Contains(t, entries, "artifacts/"+w1+"/plots/nested/b.svg")

	_, rc, err := store.Get(context.Background(), res.Published.Key)
	require.NoError(t, err)
	defer rc.Close()
	published, err := readBundle(rc)
	require.NoError(t, err)
	assert.Equal(t, entries[workspace.SealFile], published[workspace.SealFile])
}

func TestFinalizePublishFailureKeepsSeal(t *testing.T) {
	f := newFixture(t)
	root := f.root()
	w1 := f.step(root, "create_dataset", true)

	store := blob.NewMemory()
	_, err := store.Put(context.Background(), root+".tar.zst", strings.NewReader("taken"), blob.PutOptions{})
	require.NoError(t, err)

	res, err := f.finalizer(Options{Publisher: store}).Finalize(context.Background(), w1, nil)
	require.NoError(t, err)
	assert.Contains(t, res.PublishError, "already exists")
	sealed, err := f.mgr.IsSealed(root)
	require.NoError(t, err)
	assert.True(t, sealed)
}

func TestFinalizeRetryAfterCorruptionLeavesOneNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root()
	w1 := f.step(root, "create_dataset", true)
	w2 := f.step(root, "filter_dataset", false)

	dir, err := f.mgr.Store().Path(w2)
	require.NoError(t, err)
	entry := filepath.Join(dir, snapshot.AuditFile)
	saved, err := os.ReadFile(entry)
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry))

	for i := 0; i < 3; i++ {
		_, err := f.finalizer(Options{}).Finalize(ctx, w1, nil)
		require.ErrorIs(t, err, fault.ErrCorruptLineage)
	}
	ids, err := f.mgr.Store().List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root, w1, w2}, ids, "failed finalizes add no workspaces")
	sealed, err := f.mgr.IsSealed(root)
	require.NoError(t, err)
	assert.False(t, sealed)

	require.NoError(t, os.WriteFile(entry, saved, 0o444))
	res, err := f.finalizer(Options{}).Finalize(ctx, w1, nil)
	require.NoError(t, err)

	rec, err := ReadRecord(f.mgr, root)
	require.NoError(t, err)
	var noops []string
	for _, n := range rec.ByTime {
		if n.Type == audit.NodeNoOp {
			noops = append(noops, n.WorkspaceID)
		}
	}
	assert.Equal(t, []string{res.NoOpWorkspaceID}, noops)
}
