// Package inspect renders lineages for people: a text report, its JSON form,
// and the tree drawing shared with the TUI.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/workspace"
)

var (
	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AF00"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#D70000"))
	statusMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	statusBusy   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF00"))
	headingStyle = lipgloss.NewStyle().Bold(true)
)

// Report is the structured JSON representation of a lineage report.
type Report struct {
	RootID   string      `json:"root_id"`
	LeafID   string      `json:"leaf_id"`
	Sealed   bool        `json:"sealed"`
	SealedAt *time.Time  `json:"sealed_at,omitempty"`
	Nodes    int         `json:"nodes"`
	Failed   int         `json:"failed"`
	Branch   []Step      `json:"branch"`
	Timeline []Step      `json:"timeline"`
	Tree     *audit.Node `json:"tree"`
}

// Step is one workspace as shown in a report.
type Step struct {
	Hop           int             `json:"hop,omitempty"`
	WorkspaceID   string          `json:"workspace_id"`
	ParentID      string          `json:"parent_id,omitempty"`
	Type          audit.NodeType  `json:"type"`
	Status        audit.Status    `json:"status"`
	Command       string          `json:"command,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Message       string          `json:"message,omitempty"`
	FailureKind   string          `json:"failure_kind,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	WorkspacePath string          `json:"workspace_path"`
	Artifacts     []string        `json:"artifacts,omitempty"`
}

// Gather reads the lineage of leafID and whether it is sealed.
func Gather(ctx context.Context, m *workspace.Manager, r *audit.Reader, leafID string) (*Report, error) {
	if strings.TrimSpace(leafID) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	lineage, err := r.ReadLineage(ctx, leafID)
	if err != nil {
		return nil, err
	}

	report := FromLineage(lineage, func(id string) string {
		dir, err := m.Store().Path(id)
		if err != nil {
			return ""
		}
		return dir
	})

	sealed, err := m.IsSealed(lineage.RootID)
	if err != nil {
		return nil, err
	}
	if sealed {
		report.Sealed = true
		if rec, err := finalize.ReadRecord(m, lineage.RootID); err == nil {
			at := rec.SealedAt
			report.SealedAt = &at
		}
	}
	return report, nil
}

// FromLineage builds a report from an already read lineage. dirOf maps a
// workspace id to its directory, or "" when artifacts should not be listed.
func FromLineage(lineage *audit.Lineage, dirOf func(id string) string) *Report {
	report := &Report{
		RootID:   lineage.RootID,
		LeafID:   lineage.LeafID,
		Nodes:    len(lineage.ByTime),
		Tree:     lineage.Tree,
		Branch:   make([]Step, 0, len(lineage.Branch)),
		Timeline: make([]Step, 0, len(lineage.ByTime)),
	}
	for i, n := range lineage.Branch {
		step := stepOf(n, dirOf)
		step.Hop = i
		report.Branch = append(report.Branch, step)
	}
	for _, n := range lineage.ByTime {
		if n.Status == audit.StatusFailed {
			report.Failed++
		}
		report.Timeline = append(report.Timeline, stepOf(n, dirOf))
	}
	return report
}

func stepOf(n *audit.Node, dirOf func(string) string) Step {
	step := Step{
		WorkspaceID: n.WorkspaceID,
		ParentID:    n.ParentID,
		Type:        n.Type,
		Status:      n.Status,
		CreatedAt:   n.CreatedAt,
	}
	if n.Entry != nil {
		step.Command = n.Entry.Command
		step.Args = n.Entry.Args
		step.Message = n.Entry.Result.Message
		step.FailureKind = string(n.Entry.Result.FailureKind)
	}
	if dirOf != nil {
		step.WorkspacePath = dirOf(n.WorkspaceID)
		if step.WorkspacePath != "" {
			step.Artifacts, _ = listArtifacts(filepath.Join(step.WorkspacePath, snapshot.PlotsDir))
		}
	}
	return step
}

// BuildReport renders a terminal-friendly lineage report.
func BuildReport(ctx context.Context, m *workspace.Manager, r *audit.Reader, leafID string) (string, error) {
	report, err := Gather(ctx, m, r, leafID)
	if err != nil {
		return "", err
	}
	return Render(report), nil
}

// Render formats a report as text.
func Render(report *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", headingStyle.Render("Lineage Report"))
	fmt.Fprintf(&out, "Root        : %s\n", report.RootID)
	fmt.Fprintf(&out, "Leaf        : %s\n", report.LeafID)
	if report.Sealed {
		sealed := "yes"
		if report.SealedAt != nil {
			sealed += " (" + report.SealedAt.Format(time.RFC3339) + ")"
		}
		fmt.Fprintf(&out, "Sealed      : %s\n", sealed)
	} else {
		fmt.Fprintf(&out, "Sealed      : no\n")
	}
	fmt.Fprintf(&out, "Workspaces  : %d (%d failed)\n", report.Nodes, report.Failed)
	fmt.Fprintf(&out, "\n%s\n", headingStyle.Render("Branch"))

	for _, step := range report.Branch {
		fmt.Fprintf(&out, "[%d] %s %s\n", step.Hop, StatusSymbol(step.Status), step.WorkspaceID)
		fmt.Fprintf(&out, "    command    : %s\n", renderUnset(step.Command, "<"+string(step.Type)+">"))
		if len(step.Args) > 0 && string(step.Args) != "{}" {
			fmt.Fprintf(&out, "    args       :\n")
			for _, line := range strings.Split(prettyJSON(step.Args), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
		if step.Message != "" {
			fmt.Fprintf(&out, "    result     : %s\n", step.Message)
		}
		if step.WorkspacePath != "" {
			fmt.Fprintf(&out, "    workspace  : %s\n", step.WorkspacePath)
		}
		if len(step.Artifacts) > 0 {
			fmt.Fprintf(&out, "    artifacts  :\n")
			for _, artifact := range step.Artifacts {
				fmt.Fprintf(&out, "      - %s\n", artifact)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	fmt.Fprintf(&out, "%s\n", headingStyle.Render("Tree"))
	out.WriteString(RenderTree(report.Tree, report.LeafID))

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// BuildJSONReport returns the machine-readable JSON lineage report.
func BuildJSONReport(ctx context.Context, m *workspace.Manager, r *audit.Reader, leafID string) (string, error) {
	report, err := Gather(ctx, m, r, leafID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// StatusSymbol is a one-cell glyph for s, coloured when the terminal allows.
func StatusSymbol(s audit.Status) string {
	switch s {
	case audit.StatusSucceeded:
		return statusOK.Render("●")
	case audit.StatusFailed:
		return statusFailed.Render("✗")
	case audit.StatusInFlight:
		return statusBusy.Render("◉")
	case audit.StatusNoOp:
		return statusMuted.Render("◇")
	default:
		return statusMuted.Render("○")
	}
}

// RenderTree draws root and its descendants, one workspace per line. The
// workspace named mark is flagged with an arrow.
func RenderTree(root *audit.Node, mark string) string {
	if root == nil {
		return ""
	}
	var out strings.Builder
	var walk func(n *audit.Node, prefix string, last, top bool)
	walk = func(n *audit.Node, prefix string, last, top bool) {
		connector, childPrefix := "├── ", prefix+"│   "
		if last {
			connector, childPrefix = "└── ", prefix+"    "
		}
		if top {
			connector, childPrefix = "", ""
		}
		label := renderUnset(commandOf(n), "<"+string(n.Type)+">")
		line := fmt.Sprintf("%s%s%s %s %s", prefix, connector, StatusSymbol(n.Status), n.WorkspaceID, label)
		if n.WorkspaceID == mark {
			line += " ◀"
		}
		out.WriteString(line + "\n")
		for i, c := range n.Children {
			walk(c, childPrefix, i == len(n.Children)-1, false)
		}
	}
	walk(root, "", true, true)
	return out.String()
}

func commandOf(n *audit.Node) string {
	if n.Entry == nil {
		return ""
	}
	return n.Entry.Command
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func listArtifacts(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
