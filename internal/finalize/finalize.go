// Package finalize seals a lineage: it records the full history as seen from
// a chosen leaf, gathers side artifacts and, optionally, publishes a bundle.
// Once sealed, no workspace of the lineage can be forked again.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/blob"
	"github.com/mattjoyce/snapline/internal/digest"
	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/workspace"
)

const (
	SchemaVersion = 1
	ArtifactsDir  = "artifacts"
	BundleFile    = "bundle.tar.zst"
)

// Artifact is a side file copied out of a workspace at sealing time.
type Artifact struct {
	WorkspaceID string `json:"workspace_id"`
	// Source is relative to the workspace, Path relative to the final dir.
	Source string `json:"source"`
	Path   string `json:"path"`
	Size   int64  `json:"size_bytes"`
	Digest string `json:"digest"`
}

// Record is the content of final.json.
type Record struct {
	Schema          int               `json:"schema"`
	RootID          string            `json:"root_id"`
	LeafID          string            `json:"leaf_id"`
	NoOpWorkspaceID string            `json:"noop_workspace_id"`
	SealedAt        time.Time         `json:"sealed_at"`
	ConfigDigest    string            `json:"config_digest,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Branch          []*audit.Node     `json:"branch"`
	Tree            *audit.Node       `json:"tree"`
	ByTime          []*audit.Node     `json:"by_time"`
	Artifacts       []Artifact        `json:"artifacts"`
}

// Result reports what Finalize produced.
type Result struct {
	RootID          string     `json:"root_id"`
	LeafID          string     `json:"leaf_id"`
	NoOpWorkspaceID string     `json:"noop_workspace_id"`
	RecordPath      string     `json:"record_path"`
	Artifacts       int        `json:"artifacts"`
	Bundle          string     `json:"bundle,omitempty"`
	Published       *blob.Info `json:"published,omitempty"`
	// PublishError is set when sealing succeeded but the upload did not.
	PublishError string `json:"publish_error,omitempty"`
}

// Options tune a Finalizer.
type Options struct {
	ConfigDigest string
	// Bundle writes final.json and the artifacts into a tar.zst next to the record.
	Bundle bool
	// Publisher receives the bundle when non-nil. Implies Bundle.
	Publisher blob.Store
	// KeyPrefix is prepended to published keys.
	KeyPrefix string
}

// Finalizer seals lineages of one storage root.
type Finalizer struct {
	m      *workspace.Manager
	reader *audit.Reader
	opts   Options
	logger *slog.Logger
}

func New(m *workspace.Manager, reader *audit.Reader, opts Options) *Finalizer {
	if opts.Publisher != nil {
		opts.Bundle = true
	}
	return &Finalizer{m: m, reader: reader, opts: opts, logger: log.WithComponent("finalize")}
}

// Finalize seals the lineage containing leafID. labels are stored verbatim
// in the record.
func (f *Finalizer) Finalize(ctx context.Context, leafID string, labels map[string]string) (*Result, error) {
	rootID, err := f.m.RootOf(ctx, leafID)
	if err != nil {
		return nil, err
	}
	logger := f.logger.With("root_id", rootID, "leaf_id", leafID)

	excl, err := f.m.LockExclusive(ctx, rootID)
	if err != nil {
		return nil, err
	}
	defer excl.Release()

	sealed, err := f.m.IsSealed(rootID)
	if err != nil {
		return nil, err
	}
	if sealed {
		return nil, fault.New("finalize", leafID, fault.ErrLineageSealed, "lineage root %q", rootID)
	}

	// A lineage that cannot be read is refused before the no-op joins it.
	if _, err := f.reader.ReadLineage(ctx, leafID); err != nil {
		return nil, err
	}

	noop, err := excl.OpenNoOp(ctx, leafID)
	if err != nil {
		return nil, err
	}
	written := false
	defer func() {
		if !written {
			f.discard(noop, logger)
		}
	}()
	if err := noop.Close(nil); err != nil {
		return nil, err
	}

	lineage, err := f.reader.ReadLineage(ctx, leafID)
	if err != nil {
		return nil, err
	}

	finalDir := f.m.FinalDir(rootID)
	artifacts, err := f.collectArtifacts(ctx, finalDir, lineage)
	if err != nil {
		return nil, err
	}

	rec := Record{
		Schema:          SchemaVersion,
		RootID:          rootID,
		LeafID:          leafID,
		NoOpWorkspaceID: noop.ID,
		SealedAt:        time.Now().UTC(),
		ConfigDigest:    f.opts.ConfigDigest,
		Labels:          labels,
		Branch:          flat(lineage.Branch),
		Tree:            lineage.Tree,
		ByTime:          lineage.ByTime,
		Artifacts:       artifacts,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode finalization record: %w", err)
	}
	data = append(data, '\n')

	sealPath := f.m.SealPath(rootID)
	if err := snapshot.WriteOnce(sealPath, data, 0o444); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fault.New("finalize", leafID, fault.ErrLineageSealed, "lineage root %q", rootID)
		}
		return nil, fmt.Errorf("write finalization record: %w", err)
	}
	written = true
	logger.Info("lineage sealed", "noop_id", noop.ID, "artifacts", len(artifacts), "nodes", len(lineage.Nodes))

	res := &Result{
		RootID:          rootID,
		LeafID:          leafID,
		NoOpWorkspaceID: noop.ID,
		RecordPath:      sealPath,
		Artifacts:       len(artifacts),
	}
	if !f.opts.Bundle {
		return res, nil
	}

	// The lineage is sealed from here on; bundle and upload failures are
	// reported but do not undo the seal.
	bundlePath := filepath.Join(finalDir, BundleFile)
	if err := writeBundle(bundlePath, finalDir, artifacts); err != nil {
		logger.Error("bundle not written", "error", err)
		res.PublishError = err.Error()
		return res, nil
	}
	res.Bundle = bundlePath

	if f.opts.Publisher != nil {
		info, err := f.publish(ctx, rootID, bundlePath, rec)
		if err != nil {
			logger.Error("bundle not published", "error", err)
			res.PublishError = err.Error()
			return res, nil
		}
		logger.Info("bundle published", "key", info.Key, "driver", f.opts.Publisher.Driver())
		res.Published = &info
	}
	return res, nil
}

// discard removes a no-op workspace whose seal was never written. It carries
// no command evidence, and leaving it would add a second end state on retry.
func (f *Finalizer) discard(noop *workspace.Workspace, logger *slog.Logger) {
	if err := os.RemoveAll(noop.Dir); err != nil {
		logger.Warn("remove unsealed no-op workspace", "noop_id", noop.ID, "error", err)
		return
	}
	logger.Debug("unsealed no-op workspace removed", "noop_id", noop.ID)
}

// ReadRecord loads the finalization record of a sealed lineage.
func ReadRecord(m *workspace.Manager, rootID string) (*Record, error) {
	data, err := os.ReadFile(m.SealPath(rootID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fault.Corrupt("read record", rootID, "%v", err)
	}
	return &rec, nil
}

func flat(nodes []*audit.Node) []*audit.Node {
	out := make([]*audit.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Flat()
	}
	return out
}

// collectArtifacts copies plots/ of every workspace of the lineage into
// <final>/artifacts/<workspace_id>/. Leftovers of an interrupted attempt are
// discarded first; the exclusive lock guarantees no other finalizer runs.
func (f *Finalizer) collectArtifacts(ctx context.Context, finalDir string, lineage *audit.Lineage) ([]Artifact, error) {
	outRoot := filepath.Join(finalDir, ArtifactsDir)
	if err := os.RemoveAll(outRoot); err != nil {
		return nil, fmt.Errorf("clear artifacts: %w", err)
	}

	var artifacts []Artifact
	for _, n := range lineage.ByTime {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir, err := f.m.Store().Path(n.WorkspaceID)
		if err != nil {
			return nil, err
		}
		src := filepath.Join(dir, snapshot.PlotsDir)
		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == src {
					return filepath.SkipDir
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			out := filepath.Join(outRoot, n.WorkspaceID, rel)
			size, sum, err := copyArtifact(path, out)
			if err != nil {
				return fmt.Errorf("collect %s from %q: %w", rel, n.WorkspaceID, err)
			}
			outRel, _ := filepath.Rel(finalDir, out)
			artifacts = append(artifacts, Artifact{
				WorkspaceID: n.WorkspaceID,
				Source:      filepath.ToSlash(rel),
				Path:        filepath.ToSlash(outRel),
				Size:        size,
				Digest:      digest.Prefix + sum,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return artifacts, nil
}

func copyArtifact(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		return 0, "", err
	}
	sum, size, err := digest.Reader(io.TeeReader(in, out))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return size, sum, err
}

func (f *Finalizer) publish(ctx context.Context, rootID, bundlePath string, rec Record) (blob.Info, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return blob.Info{}, err
	}
	defer file.Close()

	key := rootID + ".tar.zst"
	if f.opts.KeyPrefix != "" {
		key = f.opts.KeyPrefix + "/" + key
	}
	return f.opts.Publisher.Put(ctx, key, file, blob.PutOptions{
		ContentType: "application/zstd",
		Metadata: map[string]string{
			"root-id":   rec.RootID,
			"leaf-id":   rec.LeafID,
			"sealed-at": rec.SealedAt.Format(time.RFC3339),
		},
	})
}
