// Package sandbox confines a worker process to its own workspace.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// Policy lists the paths a worker may touch after Apply. Everything under
// ReadOnly stays readable; only ReadWrite paths accept writes.
type Policy struct {
	ReadOnly  []string
	ReadWrite []string
}

// ForWorkspace allows reads everywhere and writes only inside dir.
func ForWorkspace(dir string) (Policy, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Policy{}, fmt.Errorf("resolve workspace dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Policy{}, fmt.Errorf("stat workspace dir: %w", err)
	}
	if !info.IsDir() {
		return Policy{}, fmt.Errorf("workspace path %q is not a directory", abs)
	}
	return Policy{ReadOnly: []string{"/"}, ReadWrite: []string{abs}}, nil
}
