//go:build linux

package executor

import (
	"os/exec"
	"syscall"
)

// configureProc kills the worker if the parent dies first.
func configureProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
