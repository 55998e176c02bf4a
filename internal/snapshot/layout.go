package snapshot

import (
	"fmt"
	"regexp"
	"strings"
)

// File and directory names with fixed meaning inside a workspace.
const (
	DirPrefix     = "workspace_"
	PointerFile   = "workspace_pointer.txt"
	AuditFile     = "tool_call.json"
	InflightFile  = ".inflight"
	WorkerLogFile = "worker.log"
	PlotsDir      = "plots"
	TempPrefix    = ".tmp-"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateID rejects ids that cannot appear in a pointer record or would
// escape the storage root.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("workspace id %q must contain only letters, digits and '-'", id)
	}
	return nil
}

// DirName returns the directory name for a workspace id.
func DirName(id string) string { return DirPrefix + id }

// IDFromDirName is the inverse of DirName. ok is false for foreign entries.
func IDFromDirName(name string) (string, bool) {
	id, found := strings.CutPrefix(name, DirPrefix)
	if !found || ValidateID(id) != nil {
		return "", false
	}
	return id, true
}
