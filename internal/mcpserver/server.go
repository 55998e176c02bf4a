// Package mcpserver exposes the workspace operations as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mattjoyce/snapline/internal/fault"
	"github.com/mattjoyce/snapline/internal/orchestrator"
)

// Server wraps the session pool to provide MCP tool access.
type Server struct {
	sessions       orchestrator.Sessions
	defaultSession string
	server         *server.MCPServer
}

// New builds the MCP server. Tools that omit "session" use defaultSession.
func New(sessions orchestrator.Sessions, defaultSession, version string) *Server {
	s := &Server{sessions: sessions, defaultSession: defaultSession}
	mcpServer := server.NewMCPServer(
		"snapline",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.registerTools(mcpServer)
	s.server = mcpServer
	return s
}

const instructions = `Every command runs in a new workspace forked from a parent workspace.
Start with open_root, pass the returned workspace_id as parent_id to run_command,
and keep branching from any earlier workspace to try alternatives. Failed commands
still produce a workspace; branch from its parent instead. finalize seals the
whole lineage and nothing can be added to it afterwards.`

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session", mcp.Description("Session name (defaults to the configured session)"))
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("open_root",
			mcp.WithDescription("Create the root workspace of a new lineage."),
			sessionParam(),
		),
		s.handleOpenRoot,
	)

	mcpServer.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Fork parent_id into a new workspace and run one command in it."),
			sessionParam(),
			mcp.WithString("parent_id", mcp.Required(), mcp.Description("Workspace to fork")),
			mcp.WithString("command", mcp.Required(), mcp.Description("Command name, see list_commands")),
			mcp.WithObject("args", mcp.Description("Command arguments")),
		),
		s.handleRunCommand,
	)

	mcpServer.AddTool(
		mcp.NewTool("finalize",
			mcp.WithDescription("Seal the lineage of leaf_id and collect its plots."),
			sessionParam(),
			mcp.WithString("leaf_id", mcp.Required(), mcp.Description("Workspace whose branch is the final analysis")),
		),
		s.handleFinalize,
	)

	mcpServer.AddTool(
		mcp.NewTool("read_lineage",
			mcp.WithDescription("Read the branch, tree and chronology of a workspace's lineage."),
			sessionParam(),
			mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Leaf workspace")),
			mcp.WithString("view", mcp.Description("branch, tree, by_time or all (default)")),
		),
		s.handleReadLineage,
	)

	mcpServer.AddTool(
		mcp.NewTool("list_commands",
			mcp.WithDescription("List the commands run_command accepts and their arguments."),
			sessionParam(),
		),
		s.handleListCommands,
	)
}

func (s *Server) service(ctx context.Context, request mcp.CallToolRequest) (orchestrator.Service, error) {
	return s.sessions.Session(ctx, request.GetString("session", s.defaultSession))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errorResult turns engine errors into tool errors the model can act on.
// Only unexpected failures become protocol errors.
func errorResult(err error) (*mcp.CallToolResult, error) {
	switch {
	case fault.IsIntegrity(err),
		errors.Is(err, fault.ErrUnknownCommand),
		errors.Is(err, fault.ErrInvalidArgs):
		return mcp.NewToolResultError(err.Error()), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", err)), nil
	}
}

func (s *Server) handleOpenRoot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(ctx, request)
	if err != nil {
		return errorResult(err)
	}
	id, err := svc.OpenRoot(ctx)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]string{"workspace_id": id})
}

func (s *Server) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parentID, err := request.RequireString("parent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args, err := rawArgs(request.GetArguments()["args"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	svc, err := s.service(ctx, request)
	if err != nil {
		return errorResult(err)
	}
	id, res, err := svc.RunCommand(ctx, parentID, name, args)
	if err != nil {
		return errorResult(err)
	}
	out, err := jsonResult(map[string]any{"workspace_id": id, "parent_id": parentID, "result": res})
	if err != nil {
		return nil, err
	}
	out.IsError = !res.Success
	return out, nil
}

// rawArgs accepts args as an object or as a JSON-encoded string.
func rawArgs(v any) (json.RawMessage, error) {
	switch a := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case string:
		if !json.Valid([]byte(a)) {
			return nil, fmt.Errorf("args is not valid JSON")
		}
		return json.RawMessage(a), nil
	default:
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		return b, nil
	}
}

func (s *Server) handleFinalize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	leafID, err := request.RequireString("leaf_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	svc, err := s.service(ctx, request)
	if err != nil {
		return errorResult(err)
	}
	res, err := svc.Finalize(ctx, leafID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (s *Server) handleReadLineage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	svc, err := s.service(ctx, request)
	if err != nil {
		return errorResult(err)
	}
	lineage, err := svc.ReadLineage(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	switch view := request.GetString("view", "all"); view {
	case "branch":
		return jsonResult(lineage.Branch)
	case "tree":
		return jsonResult(lineage.Tree)
	case "by_time":
		return jsonResult(lineage.ByTime)
	case "all", "":
		return jsonResult(lineage)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown view %q", view)), nil
	}
}

func (s *Server) handleListCommands(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	svc, err := s.service(ctx, request)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(svc.Commands())
}

// HTTPHandler serves MCP over streamable HTTP.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

// ServeStdio serves MCP on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}
