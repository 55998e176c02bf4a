//go:build linux

package sandbox

import (
	"fmt"
	"os"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
)

// Supported reports whether Apply can confine this process.
func Supported() bool { return true }

// Apply restricts the calling process, and every thread of it, to p. On
// kernels without landlock the call degrades to a no-op rather than failing.
// The restriction cannot be lifted.
func (p Policy) Apply() error {
	rules := make([]landlock.Rule, 0, len(p.ReadOnly)+len(p.ReadWrite))
	for _, path := range p.ReadOnly {
		rules = append(rules, pathRule(path, false))
	}
	for _, path := range p.ReadWrite {
		rules = append(rules, pathRule(path, true))
	}
	if err := landlock.V6.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("apply landlock policy: %w", err)
	}
	return nil
}

func pathRule(path string, writable bool) landlock.Rule {
	info, err := os.Stat(path)
	isFile := err == nil && !info.IsDir()
	switch {
	case writable && isFile:
		return landlock.RWFiles(path)
	case writable:
		return landlock.RWDirs(path)
	case isFile:
		return landlock.ROFiles(path)
	default:
		return landlock.RODirs(path)
	}
}
