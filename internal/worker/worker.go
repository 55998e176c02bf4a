// Package worker is the child side of command execution. A worker process
// handles exactly one request and then exits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/sandbox"
	"github.com/mattjoyce/snapline/internal/toolchain"
)

// ResultFD is the descriptor the parent hands the worker for its single
// result message.
const ResultFD = 3

// Main serves the request on stdin and exits the process. It never returns.
// Exit status is 0 whenever a result was delivered, failed commands included.
func Main(reg *command.Registry) {
	out := os.NewFile(ResultFD, "result")
	if out == nil {
		fmt.Fprintln(os.Stderr, "worker: result channel fd 3 is not open")
		os.Exit(2)
	}
	err := Serve(context.Background(), reg, os.Stdin, out)
	_ = out.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Serve decodes one request from in, runs it, records the audit entry in the
// workspace and writes one response to out. It returns an error only when no
// response could be delivered.
func Serve(ctx context.Context, reg *command.Registry, in io.Reader, out io.Writer) error {
	req, err := protocol.DecodeRequest(in)
	if err != nil {
		return err
	}
	log.SetupWriter(req.LogLevel, os.Stderr)
	logger := log.WithWorkspace(req.WorkspaceID).With("command", req.Command, "pid", os.Getpid())

	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	result := execute(ctx, reg, req)
	if !result.Success {
		logger.Warn("command failed", "message", result.Message)
	} else {
		logger.Debug("command succeeded", "message", result.Message)
	}

	entry := audit.NewEntry(req.ParentID, req.WorkspaceID, req.Command, req.Args, result, audit.RecordedByWorker)
	written := true
	if err := audit.Write(req.WorkspaceDir, entry); err != nil {
		logger.Error("audit entry not written", "error", err)
		written = false
	}

	resp := &protocol.Response{WorkspaceID: req.WorkspaceID, Result: result, AuditWritten: written}
	return protocol.EncodeResponse(out, resp)
}

func execute(ctx context.Context, reg *command.Registry, req *protocol.Request) (res protocol.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.WithWorkspace(req.WorkspaceID).Error("command panicked", "panic", r, "stack", string(debug.Stack()))
			res = protocol.Failed(protocol.FailureCommandFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if req.Sandbox {
		policy, err := sandbox.ForWorkspace(req.WorkspaceDir)
		if err == nil {
			err = policy.Apply()
		}
		if err != nil {
			return protocol.Failed(protocol.FailureCommandFailed, fmt.Sprintf("sandbox: %v", err))
		}
	}
	if err := os.Chdir(req.WorkspaceDir); err != nil {
		return protocol.Failed(protocol.FailureCommandFailed, fmt.Sprintf("enter workspace: %v", err))
	}

	eng, err := toolchain.Start(req.WorkspaceDir, req.WorkspaceID, toolchain.Settings{
		SourceDB: req.Toolchain.SourceDB,
		MaxRows:  req.Toolchain.MaxRows,
	})
	if err != nil {
		return protocol.Failed(protocol.FailureCommandFailed, fmt.Sprintf("start engine: %v", err))
	}
	defer eng.Close()

	res, err = reg.Run(ctx, eng, req.Command, req.Args)
	closeErr := eng.Close()
	switch {
	case err != nil:
		return protocol.Failed(protocol.FailureCommandFailed, err.Error())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return protocol.Failed(protocol.FailureTimeout, "deadline exceeded")
	case closeErr != nil && res.Success:
		return protocol.Failed(protocol.FailureCommandFailed, fmt.Sprintf("persist engine state: %v", closeErr))
	}
	return res
}
