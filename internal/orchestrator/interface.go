package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/executor"
	"github.com/mattjoyce/snapline/internal/finalize"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/session"
)

//go:generate mockgen -destination=mocks/mock_orchestrator.go -package=mocks github.com/mattjoyce/snapline/internal/orchestrator Service,Sessions

// Service is the per-session surface used by the API, MCP and CLI layers.
type Service interface {
	OpenRoot(ctx context.Context) (string, error)
	RunCommand(ctx context.Context, parentID, name string, args json.RawMessage) (string, protocol.Result, error)
	Finalize(ctx context.Context, leafID string) (*finalize.Result, error)
	ReadLineage(ctx context.Context, leafID string) (*audit.Lineage, error)
	Commands() []command.Def
}

// Sessions resolves session names to their Service.
type Sessions interface {
	Session(ctx context.Context, name string) (Service, error)
	List(ctx context.Context) ([]session.Session, error)
	Settings(ctx context.Context, name string) (map[string]string, error)
	SetSetting(ctx context.Context, name, key, value string) error
}

// Runner executes one command in an already forked workspace.
type Runner interface {
	Execute(ctx context.Context, t executor.Target, command string, args json.RawMessage) protocol.Result
}
