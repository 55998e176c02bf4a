package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/snapshot"
)

const (
	rootLine   = "root"
	noopSuffix = "noop"
)

var edgePattern = regexp.MustCompile(`^"([A-Za-z0-9-]+)"->"([A-Za-z0-9-]+)"(?: (noop))?$`)

// Pointer is the parsed workspace_pointer.txt of one workspace. It is the only
// persisted record of a lineage edge.
type Pointer struct {
	ID       string
	ParentID string
	// NoOp marks a workspace opened without a command. Such workspaces have
	// no audit entry.
	NoOp bool
}

func (p Pointer) IsRoot() bool { return p.ParentID == "" }

// String renders the single line stored on disk.
func (p Pointer) String() string {
	if p.IsRoot() {
		return rootLine
	}
	line := fmt.Sprintf("%q->%q", p.ParentID, p.ID)
	if p.NoOp {
		line += " " + noopSuffix
	}
	return line
}

// ParsePointer parses one pointer line for the workspace with id.
func ParsePointer(id, line string) (Pointer, error) {
	line = strings.TrimSpace(line)
	if line == rootLine {
		return Pointer{ID: id}, nil
	}
	m := edgePattern.FindStringSubmatch(line)
	if m == nil {
		return Pointer{}, fault.Corrupt("parse pointer", id, "unparsable pointer record %q", line)
	}
	if m[2] != id {
		return Pointer{}, fault.Corrupt("parse pointer", id, "pointer names child %q", m[2])
	}
	if m[1] == id {
		return Pointer{}, fault.Corrupt("parse pointer", id, "workspace is its own parent")
	}
	return Pointer{ID: id, ParentID: m[1], NoOp: m[3] == noopSuffix}, nil
}

// ReadPointer loads the pointer record stored in dir for workspace id.
func ReadPointer(dir, id string) (Pointer, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshot.PointerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Pointer{}, fault.Corrupt("read pointer", id, "missing %s", snapshot.PointerFile)
	}
	if err != nil {
		return Pointer{}, fmt.Errorf("read pointer of %q: %w", id, err)
	}
	return ParsePointer(id, string(data))
}

// WritePointer stores p in dir. A pointer is written once and never rewritten.
func WritePointer(dir string, p Pointer) error {
	return snapshot.WriteOnce(filepath.Join(dir, snapshot.PointerFile), []byte(p.String()+"\n"), 0o444)
}
