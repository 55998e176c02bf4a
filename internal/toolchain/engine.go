// Package toolchain is the computational engine commands run against.
//
// The engine keeps process-global state and cannot be re-entered: at most one
// Engine is resident per process, and each command runs in a fresh worker
// process so its engine starts from the state persisted in the workspace.
package toolchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/storage"
)

const (
	StateFile       = "engine_state.json"
	DatasetDir      = "datasets"
	DatasetExt      = ".jsonl.zst"
	DefaultMaxRows  = 1000
	stateSchemaVers = 1
)

// ErrResident is returned when a second engine is started in one process.
var ErrResident = errors.New("toolchain engine already resident in this process")

var resident atomic.Bool

// Settings configure an engine instance.
type Settings struct {
	SourceDB string
	MaxRows  int
}

// DatasetInfo describes one dataset file registered in the engine.
type DatasetInfo struct {
	Name      string    `json:"name"`
	File      string    `json:"file"`
	Columns   []string  `json:"columns"`
	Rows      int       `json:"rows"`
	CreatedIn string    `json:"created_in"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the engine memory persisted between commands.
type State struct {
	Schema   int                     `json:"schema"`
	Datasets map[string]*DatasetInfo `json:"datasets"`
	Options  map[string]string       `json:"options"`
	Commands int                     `json:"commands"`
}

// Engine operates on one workspace directory.
type Engine struct {
	dir         string
	workspaceID string
	settings    Settings
	state       *State
	source      *sql.DB
	closed      bool
}

// Start makes this process's engine resident over dir, loading any state
// the workspace inherited from its parent.
func Start(dir, workspaceID string, settings Settings) (*Engine, error) {
	if !resident.CompareAndSwap(false, true) {
		return nil, ErrResident
	}
	if settings.MaxRows <= 0 {
		settings.MaxRows = DefaultMaxRows
	}
	st, err := loadState(dir)
	if err != nil {
		resident.Store(false)
		return nil, err
	}
	return &Engine{dir: dir, workspaceID: workspaceID, settings: settings, state: st}, nil
}

func loadState(dir string) (*State, error) {
	st := &State{Schema: stateSchemaVers, Datasets: map[string]*DatasetInfo{}, Options: map[string]string{}}
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read engine state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode engine state: %w", err)
	}
	if st.Schema != stateSchemaVers {
		return nil, fmt.Errorf("engine state schema %d is not supported", st.Schema)
	}
	if st.Datasets == nil {
		st.Datasets = map[string]*DatasetInfo{}
	}
	if st.Options == nil {
		st.Options = map[string]string{}
	}
	return st, nil
}

// Close persists the engine state into the workspace and releases the
// process slot. The state file is replaced rather than edited in place.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	defer resident.Store(false)

	if e.source != nil {
		_ = e.source.Close()
	}
	e.state.Commands++
	data, err := json.MarshalIndent(e.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode engine state: %w", err)
	}
	return replaceFile(filepath.Join(e.dir, StateFile), append(data, '\n'))
}

// Dir is the workspace directory the engine writes into.
func (e *Engine) Dir() string { return e.dir }

func (e *Engine) WorkspaceID() string { return e.workspaceID }

func (e *Engine) MaxRows() int { return e.settings.MaxRows }

// Dataset returns the registered dataset name.
func (e *Engine) Dataset(name string) (*DatasetInfo, bool) {
	d, ok := e.state.Datasets[name]
	return d, ok
}

// Datasets lists registered dataset names in order.
func (e *Engine) Datasets() []string {
	names := make([]string, 0, len(e.state.Datasets))
	for n := range e.state.Datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) SetOption(key, value string) (previous string, existed bool) {
	previous, existed = e.state.Options[key]
	e.state.Options[key] = value
	return previous, existed
}

func (e *Engine) Option(key string) (string, bool) {
	v, ok := e.state.Options[key]
	return v, ok
}

// Source opens the read-only source database on first use.
func (e *Engine) Source(ctx context.Context) (*sql.DB, error) {
	if e.source != nil {
		return e.source, nil
	}
	if e.settings.SourceDB == "" {
		return nil, fmt.Errorf("no source database configured (toolchain.source_db)")
	}
	db, err := storage.OpenSQLiteReadOnly(ctx, e.settings.SourceDB)
	if err != nil {
		return nil, err
	}
	e.source = db
	return db, nil
}

// replaceFile writes data under a temp name and renames it over path, which
// breaks any hard link path had with another workspace.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), snapshot.TempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
