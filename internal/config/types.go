package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete snapline configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Toolchain  ToolchainConfig  `yaml:"toolchain"`
	API        APIConfig        `yaml:"api,omitempty"`
	MCP        MCPConfig        `yaml:"mcp,omitempty"`
	Publish    PublishConfig    `yaml:"publish,omitempty"`

	// Path is the absolute file the config was loaded from. Empty for Defaults.
	Path   string `yaml:"-"`
	// Digest is the BLAKE3 digest of the loaded file, before interpolation.
	Digest string `yaml:"-"`

	source *yaml.Node
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig selects the session store backend.
type StateConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn,omitempty"`
}

// WorkspacesConfig controls where sessions keep their workspaces and how
// forks share files.
type WorkspacesConfig struct {
	DataDir            string   `yaml:"data_dir"`
	DefaultSession     string   `yaml:"default_session"`
	LinkThresholdBytes int64    `yaml:"link_threshold_bytes"`
	BulkDirs           []string `yaml:"bulk_dirs"`
	MaxDepth           int      `yaml:"max_depth"`
}

// ExecutorConfig defines worker process limits.
type ExecutorConfig struct {
	MaxWorkers     int                      `yaml:"max_workers"`
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts,omitempty"`
	GracePeriod    time.Duration            `yaml:"grace_period"`
	WorkerCommand  []string                 `yaml:"worker_command,omitempty"`
	Sandbox        bool                     `yaml:"sandbox"`
}

// ToolchainConfig is handed to every worker.
type ToolchainConfig struct {
	SourceDB       string `yaml:"source_db"`
	MaxDatasetRows int    `yaml:"max_dataset_rows"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on /v1 and /mcp.
	APIKey  string `yaml:"api_key,omitempty"`
}

// MCPConfig mounts the MCP tool server on the HTTP API.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PublishConfig selects where finalization bundles are uploaded.
type PublishConfig struct {
	Driver string   `yaml:"driver"` // none | fs | s3
	Dir    string   `yaml:"dir,omitempty"`
	S3     S3Config `yaml:"s3,omitempty"`
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "snapline",
			LogLevel: "info",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/snapline.db",
		},
		Workspaces: WorkspacesConfig{
			DataDir:            "./data/workspaces",
			DefaultSession:     "default",
			LinkThresholdBytes: 1 << 20,
			BulkDirs:           []string{"datasets"},
			MaxDepth:           1000,
		},
		Executor: ExecutorConfig{
			MaxWorkers:     4,
			DefaultTimeout: 10 * time.Minute,
			GracePeriod:    5 * time.Second,
		},
		Toolchain: ToolchainConfig{
			MaxDatasetRows: 1000,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
		Publish: PublishConfig{
			Driver: "none",
		},
	}
}
