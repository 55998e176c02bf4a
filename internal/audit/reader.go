package audit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/workspace"
)

// DefaultMaxDepth bounds branch walks so a pointer cycle cannot hang a reader.
const DefaultMaxDepth = 1000

type NodeType string

const (
	NodeRoot  NodeType = "root"
	NodeChild NodeType = "child"
	NodeNoOp  NodeType = "noop"
)

type Status string

const (
	StatusRoot      Status = "root"
	StatusNoOp      Status = "noop"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusInFlight  Status = "in_flight"
)

// Node is one workspace in a reconstructed lineage.
type Node struct {
	WorkspaceID string    `json:"workspace_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Type        NodeType  `json:"type"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Entry       *Entry    `json:"entry,omitempty"`
	Children    []*Node   `json:"children,omitempty"`
}

// Flat returns a copy of n without its children.
func (n *Node) Flat() *Node {
	c := *n
	c.Children = nil
	return &c
}

// Lineage bundles the three views of one lineage as seen from a leaf.
type Lineage struct {
	RootID string           `json:"root_id"`
	LeafID string           `json:"leaf_id"`
	Branch []*Node          `json:"branch"`
	Tree   *Node            `json:"tree"`
	ByTime []*Node          `json:"by_time"`
	Nodes  map[string]*Node `json:"-"`
}

// Reader rebuilds lineages from pointer records and audit entries under one
// storage root. It holds no cached state.
type Reader struct {
	store    *snapshot.Store
	maxDepth int
}

// NewReader reads the workspaces held by store.
func NewReader(store *snapshot.Store, maxDepth int) *Reader {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Reader{store: store, maxDepth: maxDepth}
}

func (r *Reader) dir(id string) (string, error) {
	dir, err := r.store.Path(id)
	if err != nil {
		return "", fault.Corrupt("read node", id, "%v", err)
	}
	return dir, nil
}

func (r *Reader) pointer(id string) (workspace.Pointer, error) {
	dir, err := r.dir(id)
	if err != nil {
		return workspace.Pointer{}, err
	}
	return workspace.ReadPointer(dir, id)
}

// Node loads a single workspace: pointer, audit entry, status and creation time.
func (r *Reader) Node(id string) (*Node, error) {
	ptr, err := r.pointer(id)
	if err != nil {
		return nil, err
	}
	return r.load(ptr)
}

func (r *Reader) load(ptr workspace.Pointer) (*Node, error) {
	dir, err := r.dir(ptr.ID)
	if err != nil {
		return nil, err
	}
	created, err := createdAt(filepath.Join(dir, snapshot.PointerFile))
	if err != nil {
		return nil, fmt.Errorf("creation time of %q: %w", ptr.ID, err)
	}
	n := &Node{WorkspaceID: ptr.ID, ParentID: ptr.ParentID, CreatedAt: created}

	switch {
	case ptr.IsRoot():
		n.Type, n.Status = NodeRoot, StatusRoot
		return n, nil
	case ptr.NoOp:
		n.Type, n.Status = NodeNoOp, StatusNoOp
		return n, nil
	}

	n.Type = NodeChild
	entry, err := Read(dir)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(filepath.Join(dir, snapshot.InflightFile)); statErr == nil {
			n.Status = StatusInFlight
			return n, nil
		}
		return nil, fault.Corrupt("read node", ptr.ID, "command workspace has no %s", snapshot.AuditFile)
	}
	if err != nil {
		return nil, fault.Corrupt("read node", ptr.ID, "%v", err)
	}
	if entry.WorkspaceID != ptr.ID || entry.ParentWorkspaceID != ptr.ParentID {
		return nil, fault.Corrupt("read node", ptr.ID, "audit entry names %q->%q", entry.ParentWorkspaceID, entry.WorkspaceID)
	}
	n.Entry = entry
	if entry.Success {
		n.Status = StatusSucceeded
	} else {
		n.Status = StatusFailed
	}
	return n, nil
}

// TraverseBranch returns the nodes from the lineage root down to leafID.
func (r *Reader) TraverseBranch(ctx context.Context, leafID string) ([]*Node, error) {
	if !r.store.Exists(leafID) {
		return nil, fault.New("traverse branch", leafID, fault.ErrParentNotFound, "no workspace directory")
	}
	var branch []*Node
	cur := leafID
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth > r.maxDepth {
			return nil, fault.Corrupt("traverse branch", leafID, "more than %d hops without reaching a root", r.maxDepth)
		}
		if !r.store.Exists(cur) {
			return nil, fault.Corrupt("traverse branch", cur, "referenced workspace has no directory")
		}
		n, err := r.Node(cur)
		if err != nil {
			return nil, err
		}
		branch = append(branch, n)
		if n.Type == NodeRoot {
			break
		}
		cur = n.ParentID
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// TraverseTree scans every workspace under the storage root and returns the
// tree hanging from rootID together with an id index of its nodes.
func (r *Reader) TraverseTree(ctx context.Context, rootID string) (*Node, map[string]*Node, error) {
	ids, err := r.store.List()
	if err != nil {
		return nil, nil, err
	}

	pointers := make(map[string]workspace.Pointer, len(ids))
	children := make(map[string][]string)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		ptr, err := r.pointer(id)
		if err != nil {
			return nil, nil, fmt.Errorf("scan storage root %s: %w", r.store.Root(), err)
		}
		pointers[id] = ptr
		if !ptr.IsRoot() {
			children[ptr.ParentID] = append(children[ptr.ParentID], id)
		}
	}

	rootPtr, ok := pointers[rootID]
	if !ok {
		return nil, nil, fault.New("traverse tree", rootID, fault.ErrParentNotFound, "no workspace directory")
	}
	if !rootPtr.IsRoot() {
		return nil, nil, fmt.Errorf("traverse tree: workspace %q is not a lineage root", rootID)
	}

	root, err := r.load(rootPtr)
	if err != nil {
		return nil, nil, err
	}
	index := map[string]*Node{rootID: root}
	queue := []*Node{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		parent := queue[0]
		queue = queue[1:]
		for _, cid := range children[parent.WorkspaceID] {
			if _, seen := index[cid]; seen {
				return nil, nil, fault.Corrupt("traverse tree", cid, "reached twice")
			}
			child, err := r.load(pointers[cid])
			if err != nil {
				return nil, nil, err
			}
			index[cid] = child
			parent.Children = append(parent.Children, child)
		}
		sortNodes(parent.Children)
		queue = append(queue, parent.Children...)
	}
	return root, index, nil
}

// TraverseByTime orders nodes by creation time, ties broken by id. The
// returned nodes are flat copies.
func TraverseByTime(nodes map[string]*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Flat())
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.WorkspaceID < b.WorkspaceID
	})
}

// ReadLineage rebuilds the branch, tree and chronological views for leafID.
func (r *Reader) ReadLineage(ctx context.Context, leafID string) (*Lineage, error) {
	branch, err := r.TraverseBranch(ctx, leafID)
	if err != nil {
		return nil, err
	}
	rootID := branch[0].WorkspaceID
	tree, index, err := r.TraverseTree(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return &Lineage{
		RootID: rootID,
		LeafID: leafID,
		Branch: branch,
		Tree:   tree,
		ByTime: TraverseByTime(index),
		Nodes:  index,
	}, nil
}
