package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/snapline/internal/digest"
)

// ChecksumsFile sits next to a locked config file.
const ChecksumsFile = ".checksums"

// ChecksumManifest pins config files to their BLAKE3 digests.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Lock writes a .checksums manifest pinning the config file at configPath.
// Later loads refuse the file if it changes.
func Lock(configPath string) (string, error) {
	absPath, err := resolve(configPath)
	if err != nil {
		return "", err
	}
	sum, _, err := digest.File(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", absPath, err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): sum},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}

	path := filepath.Join(filepath.Dir(absPath), ChecksumsFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return path, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'snapline config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyConfigHash checks path against its directory's manifest. A directory
// without a manifest is not verified.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(filepath.Join(dir, ChecksumsFile)); os.IsNotExist(err) {
		return nil
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		return err
	}

	base := filepath.Base(path)
	expected, ok := manifest.Hashes[base]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\n"+
			"Run: snapline config lock --config %s", base, filepath.Join(dir, ChecksumsFile), path)
	}
	if err := digest.Verify(path, expected); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: snapline config lock --config %s", path, err, path)
	}
	return nil
}
