package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ValidateLocalFilesystem fails when path lives on a network filesystem.
// SQLite locking, flock(2) and hard links are all unreliable there. purpose
// names the setting in the error so operators know what to move.
func ValidateLocalFilesystem(path, purpose string) error {
	return validateLocalFilesystemWithDetector(path, purpose, detectFilesystemType)
}

func validateLocalFilesystemWithDetector(path, purpose string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", purpose)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", purpose, path, err)
	}

	fsType, err := detector(inspectPath)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"%s %q is on network filesystem %q; locking and hard links need a local filesystem, move it to local disk",
			purpose, path, fsType,
		)
	}
	return nil
}

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
