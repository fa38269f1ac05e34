// Package config provides configuration management for grove.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for grove.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Retention RetentionConfig `mapstructure:"retention"`

	// DataDir is the root directory for per-project state (entity store,
	// execution logs). Default: ~/.grove
	DataDir string `mapstructure:"dataDir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds entity-store configuration. The sqlite driver stores
// one database file per project under DataDir; the postgres driver points all
// projects at one server.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite (default) or postgres
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EventsConfig holds event bus configuration. An empty URL selects the
// in-memory bus; a NATS URL selects the NATS-backed bus.
type EventsConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the container runtime.
type DockerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	APIVersion   string `mapstructure:"apiVersion"`
	DefaultImage string `mapstructure:"defaultImage"`
	NetworkMode  string `mapstructure:"networkMode"`
}

// AgentsConfig holds the agent catalog configuration.
type AgentsConfig struct {
	// CatalogPath points at the agents.yaml file describing available agent
	// types (command, args, transport). Empty uses built-in definitions.
	CatalogPath string `mapstructure:"catalogPath"`

	// DefaultType is used when an execution request does not name an agent.
	DefaultType string `mapstructure:"defaultType"`

	// McpServerPort is the port for the embedded orchestrator MCP server.
	McpServerPort int `mapstructure:"mcpServerPort"`

	// McpServerEnabled enables the embedded MCP server (default: true).
	McpServerEnabled bool `mapstructure:"mcpServerEnabled"`
}

// ExecutionConfig holds per-execution defaults. Requests may override any of
// these per execution.
type ExecutionConfig struct {
	// Mode selects the agent I/O shape: "structured" (stdio pipes) or
	// "interactive" (PTY).
	Mode string `mapstructure:"mode"`

	// Runtime selects where the agent process runs: "host" or "container".
	Runtime string `mapstructure:"runtime"`

	// PermissionMode is "interactive" (forward prompts to the user) or
	// "auto-approve" (select the first allow option).
	PermissionMode string `mapstructure:"permissionMode"`

	IdleTimeoutMs int `mapstructure:"idleTimeoutMs"` // 0 disables
	HardTimeoutMs int `mapstructure:"hardTimeoutMs"` // 0 disables

	Terminal TerminalConfig `mapstructure:"terminal"`
}

// TerminalConfig holds PTY geometry for interactive executions.
type TerminalConfig struct {
	Cols int    `mapstructure:"cols"`
	Rows int    `mapstructure:"rows"`
	Name string `mapstructure:"name"` // TERM value
}

// WorktreeConfig holds git worktree policy for isolated agent checkouts.
type WorktreeConfig struct {
	// StoragePath is the directory for worktrees, relative to the repository
	// root (default: .grove/worktrees).
	StoragePath string `mapstructure:"storagePath"`

	// BranchPrefix prefixes every branch grove creates.
	BranchPrefix string `mapstructure:"branchPrefix"`

	AutoCreateBranches bool `mapstructure:"autoCreateBranches"`
	AutoDeleteBranches bool `mapstructure:"autoDeleteBranches"`

	EnableSparseCheckout   bool     `mapstructure:"enableSparseCheckout"`
	SparseCheckoutPatterns []string `mapstructure:"sparseCheckoutPatterns"`

	// CleanupOrphansOnStartup removes registered worktrees that no live
	// execution references when a project is opened.
	CleanupOrphansOnStartup bool `mapstructure:"cleanupOrphansOnStartup"`

	// MaxPerRepo caps concurrent worktrees per repository. 0 means unlimited.
	MaxPerRepo int `mapstructure:"maxPerRepo"`
}

// WorkflowConfig holds workflow engine policy defaults.
type WorkflowConfig struct {
	// MaxParallel caps concurrently running steps. 1 means sequential.
	MaxParallel int `mapstructure:"maxParallel"`

	// OnFailure is the default failed-step policy: pause, continue or abort.
	OnFailure string `mapstructure:"onFailure"`

	// DefaultAgentType is used for steps without an agent override.
	DefaultAgentType string `mapstructure:"defaultAgentType"`

	// AutonomyLevel is "human_in_the_loop" (escalations wait for a person)
	// or "autonomous" (escalations auto-resolve with the first option).
	AutonomyLevel string `mapstructure:"autonomyLevel"`

	// StepTimeoutMs bounds each step's execution. 0 disables.
	StepTimeoutMs int `mapstructure:"stepTimeoutMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP endpoint
	ServiceName string `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// RetentionConfig holds log retention policy.
type RetentionConfig struct {
	// MaxAgeDays purges execution logs older than this. 0 disables purging.
	MaxAgeDays int `mapstructure:"maxAgeDays"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the idle timeout as a time.Duration; 0 means disabled.
func (e *ExecutionConfig) IdleTimeout() time.Duration {
	return time.Duration(e.IdleTimeoutMs) * time.Millisecond
}

// HardTimeout returns the hard timeout as a time.Duration; 0 means disabled.
func (e *ExecutionConfig) HardTimeout() time.Duration {
	return time.Duration(e.HardTimeoutMs) * time.Millisecond
}

// StepTimeout returns the per-step timeout as a time.Duration; 0 means disabled.
func (w *WorkflowConfig) StepTimeout() time.Duration {
	return time.Duration(w.StepTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("GROVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7180)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data directory
	v.SetDefault("dataDir", "~/.grove")

	// Database defaults - sqlite per project unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "grove")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "grove")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.url", "")
	v.SetDefault("events.clientId", "grove")
	v.SetDefault("events.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "")
	v.SetDefault("docker.networkMode", "bridge")

	// Agent catalog defaults
	v.SetDefault("agents.catalogPath", "")
	v.SetDefault("agents.defaultType", "claude")
	v.SetDefault("agents.mcpServerEnabled", true)
	v.SetDefault("agents.mcpServerPort", 7181)

	// Execution defaults
	v.SetDefault("execution.mode", "structured")
	v.SetDefault("execution.runtime", "host")
	v.SetDefault("execution.permissionMode", "interactive")
	v.SetDefault("execution.idleTimeoutMs", 0)
	v.SetDefault("execution.hardTimeoutMs", 0)
	v.SetDefault("execution.terminal.cols", 120)
	v.SetDefault("execution.terminal.rows", 40)
	v.SetDefault("execution.terminal.name", "xterm-256color")

	// Worktree defaults
	v.SetDefault("worktree.storagePath", ".grove/worktrees")
	v.SetDefault("worktree.branchPrefix", "grove")
	v.SetDefault("worktree.autoCreateBranches", true)
	v.SetDefault("worktree.autoDeleteBranches", false)
	v.SetDefault("worktree.enableSparseCheckout", false)
	v.SetDefault("worktree.sparseCheckoutPatterns", []string{})
	v.SetDefault("worktree.cleanupOrphansOnStartup", true)
	v.SetDefault("worktree.maxPerRepo", 0)

	// Workflow defaults
	v.SetDefault("workflow.maxParallel", 1)
	v.SetDefault("workflow.onFailure", "pause")
	v.SetDefault("workflow.defaultAgentType", "")
	v.SetDefault("workflow.autonomyLevel", "human_in_the_loop")
	v.SetDefault("workflow.stepTimeoutMs", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "grove")
	v.SetDefault("tracing.sampleRatio", 1.0)

	// Retention defaults - keep logs forever unless configured
	v.SetDefault("retention.maxAgeDays", 0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GROVE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.grove/ or /etc/grove/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GROVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dataDir", "GROVE_DATA_DIR")
	_ = v.BindEnv("agents.mcpServerPort", "GROVE_AGENTS_MCP_SERVER_PORT")
	_ = v.BindEnv("agents.defaultType", "GROVE_AGENTS_DEFAULT_TYPE")
	_ = v.BindEnv("execution.idleTimeoutMs", "GROVE_EXECUTION_IDLE_TIMEOUT_MS")
	_ = v.BindEnv("execution.hardTimeoutMs", "GROVE_EXECUTION_HARD_TIMEOUT_MS")
	_ = v.BindEnv("worktree.storagePath", "GROVE_WORKTREE_STORAGE_PATH")
	_ = v.BindEnv("worktree.branchPrefix", "GROVE_WORKTREE_BRANCH_PREFIX")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.grove")
	v.AddConfigPath("/etc/grove/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Execution.Mode {
	case "structured", "interactive":
	default:
		errs = append(errs, "execution.mode must be one of: structured, interactive")
	}

	switch cfg.Execution.Runtime {
	case "host":
	case "container":
		if !cfg.Docker.Enabled {
			errs = append(errs, "execution.runtime=container requires docker.enabled=true")
		}
	default:
		errs = append(errs, "execution.runtime must be one of: host, container")
	}

	switch cfg.Execution.PermissionMode {
	case "interactive", "auto-approve":
	default:
		errs = append(errs, "execution.permissionMode must be one of: interactive, auto-approve")
	}

	if cfg.Workflow.MaxParallel < 1 {
		errs = append(errs, "workflow.maxParallel must be at least 1")
	}
	switch cfg.Workflow.OnFailure {
	case "pause", "continue", "abort":
	default:
		errs = append(errs, "workflow.onFailure must be one of: pause, continue, abort")
	}
	switch cfg.Workflow.AutonomyLevel {
	case "human_in_the_loop", "autonomous":
	default:
		errs = append(errs, "workflow.autonomyLevel must be one of: human_in_the_loop, autonomous")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing.enabled=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
