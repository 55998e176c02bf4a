// Package workspace opens and closes versioned workspaces on top of the
// snapshot store and enforces the lineage seal.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/lock"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/snapshot"
)

const (
	DefaultMaxDepth = 1000
	FinalDir        = "final"
	SealFile        = "final.json"
	lockFile        = ".lock"
)

// Config is per session. Nothing in this package keeps process-wide state.
type Config struct {
	Root     string
	Snapshot snapshot.Options
	MaxDepth int
	// NewID overrides workspace id generation. Defaults to random UUIDs.
	NewID func() string
}

// Manager opens workspaces under one storage root.
type Manager struct {
	store    *snapshot.Store
	maxDepth int
	newID    func() string
	logger   *slog.Logger
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	store, err := snapshot.NewStore(cfg.Root, cfg.Snapshot)
	if err != nil {
		return nil, err
	}
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		store:    store,
		maxDepth: depth,
		newID:    newID,
		logger:   log.WithComponent("workspace"),
	}, nil
}

func (m *Manager) Store() *snapshot.Store { return m.store }
func (m *Manager) Root() string           { return m.store.Root() }
func (m *Manager) MaxDepth() int          { return m.maxDepth }

// Workspace is an open workspace. Close must be called exactly once.
type Workspace struct {
	ID       string
	ParentID string
	RootID   string
	Dir      string
	NoOp     bool

	m    *Manager
	held *lock.FileLock
}

// SealPath is where the finalization record of a lineage lives. Its presence
// seals the lineage.
func (m *Manager) SealPath(rootID string) string {
	return filepath.Join(m.Root(), FinalDir, rootID, SealFile)
}

// FinalDir is the directory holding a lineage's finalization output.
func (m *Manager) FinalDir(rootID string) string {
	return filepath.Join(m.Root(), FinalDir, rootID)
}

func (m *Manager) lockPath(rootID string) string {
	return filepath.Join(m.Root(), FinalDir, rootID, lockFile)
}

// IsSealed reports whether the lineage rooted at rootID has been finalized.
func (m *Manager) IsSealed(rootID string) (bool, error) {
	_, err := os.Stat(m.SealPath(rootID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat seal of %q: %w", rootID, err)
}

// RootOf walks pointer records from id up to its lineage root.
func (m *Manager) RootOf(ctx context.Context, id string) (string, error) {
	if !m.store.Exists(id) {
		return "", fault.New("resolve root", id, fault.ErrParentNotFound, "no workspace directory under %s", m.Root())
	}
	cur := id
	for depth := 0; depth <= m.maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dir, err := m.store.Path(cur)
		if err != nil {
			return "", fault.Corrupt("resolve root", cur, "%v", err)
		}
		p, err := ReadPointer(dir, cur)
		if err != nil {
			return "", err
		}
		if p.IsRoot() {
			return cur, nil
		}
		if !m.store.Exists(p.ParentID) {
			return "", fault.Corrupt("resolve root", cur, "parent %q has no workspace directory", p.ParentID)
		}
		cur = p.ParentID
	}
	return "", fault.Corrupt("resolve root", id, "lineage deeper than %d hops", m.maxDepth)
}

// CheckOpen reports whether parentID can be forked right now: it must exist,
// resolve to a root, and belong to an unsealed lineage. It returns the root.
func (m *Manager) CheckOpen(ctx context.Context, parentID string) (string, error) {
	rootID, err := m.RootOf(ctx, parentID)
	if err != nil {
		return "", err
	}
	sealed, err := m.IsSealed(rootID)
	if err != nil {
		return "", err
	}
	if sealed {
		return "", fault.New("open", parentID, fault.ErrLineageSealed, "lineage root %q", rootID)
	}
	return rootID, nil
}

// Open creates a new workspace. With an empty parentID it starts a new
// lineage; otherwise it forks parentID. noCommand marks a workspace that will
// never carry an audit entry.
//
// A fork holds its lineage shared until Close, so a finalization waits for
// every command already running on the lineage.
func (m *Manager) Open(ctx context.Context, parentID string, noCommand bool) (*Workspace, error) {
	if parentID == "" {
		return m.create(ctx, "", "", noCommand)
	}
	rootID, err := m.RootOf(ctx, parentID)
	if err != nil {
		return nil, err
	}

	held, err := lock.Acquire(ctx, m.lockPath(rootID), lock.Shared)
	if err != nil {
		return nil, fmt.Errorf("lock lineage %q: %w", rootID, err)
	}
	ws, err := m.openUnderLock(ctx, parentID, rootID, noCommand)
	if err != nil {
		_ = held.Release()
		return nil, err
	}
	ws.held = held
	return ws, nil
}

func (m *Manager) openUnderLock(ctx context.Context, parentID, rootID string, noCommand bool) (*Workspace, error) {
	sealed, err := m.IsSealed(rootID)
	if err != nil {
		return nil, err
	}
	if sealed {
		return nil, fault.New("open", parentID, fault.ErrLineageSealed, "lineage root %q", rootID)
	}
	return m.create(ctx, parentID, rootID, noCommand)
}

func (m *Manager) create(ctx context.Context, parentID, rootID string, noCommand bool) (*Workspace, error) {
	id := m.newID()
	ptr := Pointer{ID: id, ParentID: parentID, NoOp: noCommand && parentID != ""}

	dir, err := m.store.Fork(ctx, parentID, id, func(staging string) error {
		if err := WritePointer(staging, ptr); err != nil {
			return fmt.Errorf("write pointer for %q: %w", id, err)
		}
		if ptr.IsRoot() || ptr.NoOp {
			return nil
		}
		if err := os.WriteFile(filepath.Join(staging, snapshot.InflightFile), nil, 0o644); err != nil {
			return fmt.Errorf("mark %q in flight: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rootID == "" {
		rootID = id
	}

	m.logger.Debug("workspace opened", "workspace_id", id, "parent_id", parentID, "root_id", rootID, "noop", ptr.NoOp)
	return &Workspace{ID: id, ParentID: parentID, RootID: rootID, Dir: dir, NoOp: ptr.NoOp, m: m}, nil
}

// Close ends the workspace's creating operation and releases its hold on the
// lineage. On success the in-flight marker is dropped and the workspace
// frozen. On failure the partial workspace is kept as evidence and cause is
// returned unchanged; once it carries an audit entry it is frozen as well.
func (w *Workspace) Close(cause error) error {
	defer w.release()
	logger := w.m.logger.With("workspace_id", w.ID)
	inflight := filepath.Join(w.Dir, snapshot.InflightFile)

	if cause != nil {
		logger.Warn("workspace closed with error", "error", cause)
		if _, err := os.Stat(filepath.Join(w.Dir, snapshot.AuditFile)); err == nil {
			_ = os.Remove(inflight)
			if err := w.m.store.Freeze(w.ID); err != nil {
				logger.Warn("freeze failed workspace", "error", err)
			}
		}
		return cause
	}

	if err := os.Remove(inflight); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear in-flight marker of %q: %w", w.ID, err)
	}
	if err := w.m.store.Freeze(w.ID); err != nil {
		return err
	}
	return nil
}

func (w *Workspace) release() {
	if w.held == nil {
		return
	}
	if err := w.held.Release(); err != nil {
		w.m.logger.Warn("release lineage lock", "workspace_id", w.ID, "error", err)
	}
	w.held = nil
}

// Exclusive holds a lineage against concurrent opens, for finalization.
type Exclusive struct {
	RootID string
	held   *lock.FileLock
	m      *Manager
}

// LockExclusive blocks until every workspace opened on the lineage of rootID
// has been closed.
func (m *Manager) LockExclusive(ctx context.Context, rootID string) (*Exclusive, error) {
	held, err := lock.Acquire(ctx, m.lockPath(rootID), lock.Exclusive)
	if err != nil {
		return nil, fmt.Errorf("lock lineage %q: %w", rootID, err)
	}
	return &Exclusive{RootID: rootID, held: held, m: m}, nil
}

// OpenNoOp opens a no-command workspace against parentID while the exclusive
// lock is held.
func (x *Exclusive) OpenNoOp(ctx context.Context, parentID string) (*Workspace, error) {
	return x.m.openUnderLock(ctx, parentID, x.RootID, true)
}

func (x *Exclusive) Release() error { return x.held.Release() }
