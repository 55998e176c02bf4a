package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/snapline/internal/digest"
)

// FileName is looked up when Load is handed a directory.
const FileName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads, verifies and parses configuration from a file or a directory
// holding config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolve(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.Digest = digest.Bytes(data)

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err == nil {
		cfg.source = &root
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolve(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}
	return absPath, nil
}

func parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return applyConfigDefaults(&cfg), nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.State.Driver == "" {
		cfg.State.Driver = defaults.State.Driver
	}
	if cfg.State.Path == "" && cfg.State.Driver == "sqlite" {
		cfg.State.Path = defaults.State.Path
	}

	w := &cfg.Workspaces
	if w.DataDir == "" {
		w.DataDir = defaults.Workspaces.DataDir
	}
	if w.DefaultSession == "" {
		w.DefaultSession = defaults.Workspaces.DefaultSession
	}
	if w.LinkThresholdBytes == 0 {
		w.LinkThresholdBytes = defaults.Workspaces.LinkThresholdBytes
	}
	if w.BulkDirs == nil {
		w.BulkDirs = defaults.Workspaces.BulkDirs
	}
	if w.MaxDepth == 0 {
		w.MaxDepth = defaults.Workspaces.MaxDepth
	}

	e := &cfg.Executor
	if e.MaxWorkers == 0 {
		e.MaxWorkers = defaults.Executor.MaxWorkers
	}
	if e.DefaultTimeout == 0 {
		e.DefaultTimeout = defaults.Executor.DefaultTimeout
	}
	if e.GracePeriod == 0 {
		e.GracePeriod = defaults.Executor.GracePeriod
	}

	if cfg.Toolchain.MaxDatasetRows == 0 {
		cfg.Toolchain.MaxDatasetRows = defaults.Toolchain.MaxDatasetRows
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.MCP.Path == "" {
		cfg.MCP = defaults.MCP
	}
	if cfg.Publish.Driver == "" {
		cfg.Publish.Driver = defaults.Publish.Driver
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.State.Driver {
	case "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
		if err := unresolved("state.dsn", cfg.State.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver)
	}

	w := cfg.Workspaces
	if w.DataDir == "" {
		return fmt.Errorf("workspaces.data_dir is required")
	}
	if w.LinkThresholdBytes < 0 {
		return fmt.Errorf("workspaces.link_threshold_bytes must not be negative")
	}
	if w.MaxDepth < 1 {
		return fmt.Errorf("workspaces.max_depth must be positive")
	}

	e := cfg.Executor
	if e.MaxWorkers < 1 {
		return fmt.Errorf("executor.max_workers must be positive")
	}
	if e.DefaultTimeout <= 0 || e.GracePeriod <= 0 {
		return fmt.Errorf("executor.default_timeout and executor.grace_period must be positive")
	}
	for name, d := range e.Timeouts {
		if d <= 0 {
			return fmt.Errorf("executor.timeouts.%s must be positive", name)
		}
	}

	if cfg.Toolchain.MaxDatasetRows < 1 {
		return fmt.Errorf("toolchain.max_dataset_rows must be positive")
	}
	if err := unresolved("toolchain.source_db", cfg.Toolchain.SourceDB); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if err := unresolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
	}

	switch cfg.Publish.Driver {
	case "none":
	case "fs":
		if cfg.Publish.Dir == "" {
			return fmt.Errorf("publish.dir is required for the fs driver")
		}
	case "s3":
		if cfg.Publish.S3.Bucket == "" {
			return fmt.Errorf("publish.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("publish.driver must be none, fs or s3 (got %q)", cfg.Publish.Driver)
	}
	return nil
}
