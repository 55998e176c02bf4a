package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/snapline/internal/api"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/inspect"
	"github.com/mattjoyce/snapline/internal/session"
	"github.com/mattjoyce/snapline/internal/tui"
)

// Exit codes beyond 0/1 let scripts tell integrity errors apart.
const (
	exitCommandFailed  = 2
	exitParentNotFound = 3
	exitSealed         = 4
	exitCorrupt        = 5
)

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrParentNotFound):
		return exitParentNotFound
	case errors.Is(err, fault.ErrLineageSealed):
		return exitSealed
	case errors.Is(err, fault.ErrCorruptLineage):
		return exitCorrupt
	default:
		return 1
	}
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCodeFor(err)
}

// signalContext is cancelled on SIGINT/SIGTERM so a running worker is
// stopped and its workspace recorded as canceled.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runOpen(args []string) int {
	fs := newFlagSet("open")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	sessionName := fs.String("session", "", "Session name (default: workspaces.default_session)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: snapline open [--session NAME] [--json]")
		return 1
	}

	ctx, stop := signalContext()
	defer stop()
	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()

	o, err := a.session(ctx, *sessionName)
	if err != nil {
		return fail(err)
	}
	id, err := o.OpenRoot(ctx)
	if err != nil {
		return fail(err)
	}
	if *jsonOut {
		return printJSON(api.OpenResponse{Session: o.Session(), WorkspaceID: id})
	}
	fmt.Println(id)
	return 0
}

func runRun(args []string) int {
	fs := newFlagSet("run")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	sessionName := fs.String("session", "", "Session name (default: workspaces.default_session)")
	parent := fs.StringP("parent", "p", "", "Workspace to fork (required)")
	rawArgs := fs.String("args", "", "Command arguments as a JSON object")
	pairs := fs.StringArrayP("arg", "a", nil, "Command argument as key=value (repeatable; value parsed as JSON when valid)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 || *parent == "" {
		fmt.Fprintln(os.Stderr, "Usage: snapline run <command> --parent <workspace-id> [--args JSON | --arg key=value ...]")
		return 1
	}
	name := fs.Arg(0)

	cmdArgs, err := buildArgs(*rawArgs, *pairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()
	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()

	o, err := a.session(ctx, *sessionName)
	if err != nil {
		return fail(err)
	}
	id, res, err := o.RunCommand(ctx, *parent, name, cmdArgs)
	if err != nil {
		return fail(err)
	}

	code := 0
	if !res.Success {
		code = exitCommandFailed
	}
	if *jsonOut {
		if rc := printJSON(api.RunResponse{WorkspaceID: id, ParentID: *parent, Result: res}); rc != 0 {
			return rc
		}
		return code
	}

	fmt.Printf("workspace: %s\n", id)
	if res.Success {
		fmt.Println("status: succeeded")
	} else {
		fmt.Printf("status: failed (%s)\n", res.FailureKind)
	}
	if res.Message != "" {
		fmt.Printf("message: %s\n", res.Message)
	}
	if len(res.Data) > 0 {
		data, err := json.Marshal(res.Data)
		if err == nil {
			fmt.Printf("data: %s\n", data)
		}
	}
	return code
}

// buildArgs merges a JSON object with key=value pairs; pairs win.
func buildArgs(raw string, pairs []string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q: expected key=value", pair)
		}
		if json.Valid([]byte(value)) {
			obj[key] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		obj[key] = quoted
	}
	return json.Marshal(obj)
}

func runFinalize(args []string) int {
	fs := newFlagSet("finalize")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	sessionName := fs.String("session", "", "Session name (default: workspaces.default_session)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: snapline finalize <leaf-workspace-id> [--session NAME] [--json]")
		return 1
	}

	ctx, stop := signalContext()
	defer stop()
	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()

	o, err := a.session(ctx, *sessionName)
	if err != nil {
		return fail(err)
	}
	res, err := o.Finalize(ctx, fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	if *jsonOut {
		return printJSON(res)
	}
	fmt.Printf("sealed: %s\n", res.RootID)
	fmt.Printf("leaf: %s\n", res.LeafID)
	fmt.Printf("noop: %s\n", res.NoOpWorkspaceID)
	fmt.Printf("record: %s\n", res.RecordPath)
	fmt.Printf("artifacts: %d\n", res.Artifacts)
	if res.Bundle != "" {
		fmt.Printf("bundle: %s\n", res.Bundle)
	}
	if res.Published != nil {
		fmt.Printf("published: %s\n", res.Published.Key)
	}
	if res.PublishError != "" {
		fmt.Fprintf(os.Stderr, "Warning: lineage sealed but publish failed: %s\n", res.PublishError)
	}
	return 0
}

func runLineage(args []string) int {
	fs := newFlagSet("lineage")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	sessionName := fs.String("session", "", "Session name (default: workspaces.default_session)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: snapline lineage <workspace-id> [--session NAME] [--json]")
		return 1
	}

	ctx, stop := signalContext()
	defer stop()
	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()

	o, err := a.session(ctx, *sessionName)
	if err != nil {
		return fail(err)
	}
	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, o.Manager(), o.Reader(), fs.Arg(0))
	} else {
		out, err = inspect.BuildReport(ctx, o.Manager(), o.Reader(), fs.Arg(0))
	}
	if err != nil {
		return fail(err)
	}
	fmt.Println(out)
	return 0
}

func runBrowse(args []string) int {
	fs := newFlagSet("browse")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	sessionName := fs.String("session", "", "Session name (default: workspaces.default_session)")
	interval := fs.Duration("interval", 2*time.Second, "Reload interval (0 disables)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: snapline browse <workspace-id> [--session NAME] [--interval 2s]")
		return 1
	}
	id := fs.Arg(0)

	ctx := context.Background()
	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()

	o, err := a.session(ctx, *sessionName)
	if err != nil {
		return fail(err)
	}
	load := func(ctx context.Context) (*inspect.Report, error) {
		return inspect.Gather(ctx, o.Manager(), o.Reader(), id)
	}
	// Fail fast on a bad id instead of opening an empty screen.
	if _, err := load(ctx); err != nil {
		return fail(err)
	}

	p := tea.NewProgram(tui.NewBrowser(load, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Browser failed: %v\n", err)
		return 1
	}
	return 0
}

func runCommands(args []string) int {
	fs := newFlagSet("commands")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	defs := command.Builtins().Defs()
	if *jsonOut {
		return printJSON(defs)
	}
	for _, def := range defs {
		fmt.Printf("%s\n    %s\n", def.Name, def.Description)
		for _, p := range def.Params {
			req := ""
			if p.Required {
				req = " (required)"
			}
			fmt.Printf("    --arg %s=<%s>%s  %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return 0
}

func runSessionNoun(args []string) int {
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		fmt.Fprintln(os.Stderr, "Usage: snapline session <list|settings|set> [flags]")
		return 1
	}
	action, rest := args[0], args[1:]

	fs := newFlagSet("session " + action)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, rest); !ok {
		return code
	}

	want := map[string]int{"list": 0, "settings": 1, "set": 3}
	n, known := want[action]
	if !known {
		fmt.Fprintf(os.Stderr, "Unknown session action: %s\n", action)
		return 1
	}
	if fs.NArg() != n {
		fmt.Fprintln(os.Stderr, "Usage: snapline session list | settings <name> | set <name> <key> <value>")
		return 1
	}

	ctx := context.Background()
	a := bootstrap(ctx, *configPath)
	if a == nil {
		return 1
	}
	defer a.Close()

	switch action {
	case "list":
		sessions, err := a.pool.List(ctx)
		if err != nil {
			return fail(err)
		}
		if sessions == nil {
			sessions = []session.Session{}
		}
		if *jsonOut {
			return printJSON(sessions)
		}
		for _, s := range sessions {
			fmt.Printf("%s\t%s\t%s\n", s.Name, s.CreatedAt.UTC().Format(time.RFC3339), s.WorkDir)
		}
		return 0

	case "settings":
		settings, err := a.pool.Settings(ctx, fs.Arg(0))
		if err != nil {
			return fail(err)
		}
		if *jsonOut {
			return printJSON(settings)
		}
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s=%s\n", k, settings[k])
		}
		return 0

	default:
		if err := a.pool.SetSetting(ctx, fs.Arg(0), fs.Arg(1), fs.Arg(2)); err != nil {
			return fail(err)
		}
		fmt.Printf("%s: %s=%s\n", fs.Arg(0), fs.Arg(1), fs.Arg(2))
		return 0
	}
}
