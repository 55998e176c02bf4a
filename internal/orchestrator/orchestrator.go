// Package orchestrator composes the workspace manager, executor, audit
// reader and finalizer into the operations exposed for one session.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/events"
	"github.com/mattjoyce/snapline/internal/executor"
	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/workspace"
)

// Config wires one session. Nothing here is shared implicitly between
// sessions; the Runner and Events may be shared on purpose.
type Config struct {
	Session  string
	Root     string
	Snapshot snapshot.Options
	MaxDepth int
	Registry *command.Registry
	Runner   Runner
	Events   events.Publisher
	Finalize finalize.Options
	// Labels supplies the labels stored in finalization records.
	Labels func(ctx context.Context) (map[string]string, error)
	NewID  func() string
}

type Orchestrator struct {
	session   string
	mgr       *workspace.Manager
	reader    *audit.Reader
	finalizer *finalize.Finalizer
	registry  *command.Registry
	runner    Runner
	events    events.Publisher
	labels    func(ctx context.Context) (map[string]string, error)
	logger    *slog.Logger
}

var _ Service = (*Orchestrator)(nil)

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("orchestrator for session %q needs a registry and a runner", cfg.Session)
	}
	mgr, err := workspace.NewManager(workspace.Config{
		Root:     cfg.Root,
		Snapshot: cfg.Snapshot,
		MaxDepth: cfg.MaxDepth,
		NewID:    cfg.NewID,
	})
	if err != nil {
		return nil, err
	}
	reader := audit.NewReader(mgr.Store(), mgr.MaxDepth())
	return &Orchestrator{
		session:   cfg.Session,
		mgr:       mgr,
		reader:    reader,
		finalizer: finalize.New(mgr, reader, cfg.Finalize),
		registry:  cfg.Registry,
		runner:    cfg.Runner,
		events:    cfg.Events,
		labels:    cfg.Labels,
		logger:    log.WithSession(cfg.Session).With("component", "orchestrator"),
	}, nil
}

func (o *Orchestrator) Session() string             { return o.session }
func (o *Orchestrator) Manager() *workspace.Manager { return o.mgr }
func (o *Orchestrator) Reader() *audit.Reader       { return o.reader }
func (o *Orchestrator) Commands() []command.Def     { return o.registry.Defs() }

func (o *Orchestrator) publish(eventType string, data any) {
	if o.events != nil {
		o.events.Publish(o.session, eventType, data)
	}
}

// OpenRoot starts a new lineage and returns its root workspace id.
func (o *Orchestrator) OpenRoot(ctx context.Context) (string, error) {
	ws, err := o.mgr.Open(ctx, "", false)
	if err != nil {
		return "", err
	}
	if err := ws.Close(nil); err != nil {
		return "", err
	}
	o.logger.Info("lineage opened", "workspace_id", ws.ID)
	o.publish(events.TypeWorkspaceOpened, map[string]any{"workspace_id": ws.ID, "root_id": ws.ID})
	return ws.ID, nil
}

// RunCommand forks parentID and runs name in the fork. Nothing is forked
// until the request passes its checks, in this order: the parent exists and
// belongs to an unsealed lineage, then the command is known and its
// arguments decode. A command that fails or crashes still yields its
// workspace id and a failed result; only integrity and I/O problems return
// an error.
func (o *Orchestrator) RunCommand(ctx context.Context, parentID, name string, args json.RawMessage) (string, protocol.Result, error) {
	if _, err := o.mgr.CheckOpen(ctx, parentID); err != nil {
		return "", protocol.Result{}, err
	}
	if _, err := o.registry.Decode(name, args); err != nil {
		return "", protocol.Result{}, err
	}

	ws, err := o.mgr.Open(ctx, parentID, false)
	if err != nil {
		return "", protocol.Result{}, err
	}
	o.publish(events.TypeWorkspaceOpened, map[string]any{
		"workspace_id": ws.ID, "parent_id": parentID, "root_id": ws.RootID, "command": name,
	})

	res := o.runner.Execute(ctx, executor.Target{ID: ws.ID, ParentID: parentID, Dir: ws.Dir}, name, args)

	logger := o.logger.With("workspace_id", ws.ID, "parent_id", parentID, "command", name)
	if res.Success {
		if err := ws.Close(nil); err != nil {
			return ws.ID, res, err
		}
		logger.Info("command succeeded", "message", res.Message)
	} else {
		_ = ws.Close(failureCause(ws.ID, res))
		logger.Warn("command failed", "failure_kind", res.FailureKind, "message", res.Message)
	}

	o.publish(events.TypeCommandCompleted, map[string]any{
		"workspace_id": ws.ID,
		"parent_id":    parentID,
		"command":      name,
		"success":      res.Success,
		"failure_kind": res.FailureKind,
		"message":      res.Message,
	})
	return ws.ID, res, nil
}

func failureCause(id string, res protocol.Result) error {
	sentinel := fault.ErrCommandFailed
	if res.FailureKind == protocol.FailureExecutorCrash {
		sentinel = fault.ErrExecutorCrash
	}
	return fault.New("run command", id, sentinel, "%s", res.Message)
}

// Finalize seals the lineage of leafID.
func (o *Orchestrator) Finalize(ctx context.Context, leafID string) (*finalize.Result, error) {
	var labels map[string]string
	if o.labels != nil {
		l, err := o.labels(ctx)
		if err != nil {
			return nil, fmt.Errorf("read labels: %w", err)
		}
		labels = l
	}
	res, err := o.finalizer.Finalize(ctx, leafID, labels)
	if err != nil {
		return nil, err
	}
	o.publish(events.TypeLineageSealed, res)
	return res, nil
}

// ReadLineage reconstructs the history of leafID.
func (o *Orchestrator) ReadLineage(ctx context.Context, leafID string) (*audit.Lineage, error) {
	return o.reader.ReadLineage(ctx, leafID)
}
