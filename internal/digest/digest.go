// Package digest computes the BLAKE3 content digests recorded for config
// files and finalized artifacts.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Prefix tags digests in records so the algorithm is explicit.
const Prefix = "blake3:"

// Bytes returns the hex BLAKE3-256 digest of data.
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader digests everything read from r and reports the byte count.
func Reader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// File streams the file at path through BLAKE3.
func File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Reader(f)
}

// Verify checks the file at path against an expected hex digest.
func Verify(path, expected string) error {
	actual, _, err := File(path)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(path), expected, actual)
	}
	return nil
}
