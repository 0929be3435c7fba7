// Package config loads agentdesk configuration from layered sources.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Config holds all agentdesk settings.
type Config struct {
	// Port is the HTTP listen port.
	Port int `json:"port" yaml:"port"`
	// DataDir is where durable session state is stored.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// EngineCommand is the agent engine subprocess invocation.
	EngineCommand []string `json:"engineCommand" yaml:"engineCommand"`
	// Model is the default model for new sessions.
	Model string `json:"model" yaml:"model"`
	// ExecutionModel is the model switched to when a deep-plan session's
	// plan is accepted.
	ExecutionModel string `json:"executionModel" yaml:"executionModel"`
	// PermissionMode is the default permission mode for new sessions.
	PermissionMode types.PermissionMode `json:"permissionMode" yaml:"permissionMode"`
	// HistoryLimit bounds in-memory history per session.
	HistoryLimit int `json:"historyLimit" yaml:"historyLimit"`
	// InteractionTimeout is how long a pending interaction waits for a
	// human response before auto-denying.
	InteractionTimeout time.Duration `json:"-" yaml:"-"`
	// InteractionTimeoutSeconds is the serialized form of InteractionTimeout.
	InteractionTimeoutSeconds int `json:"interactionTimeoutSeconds" yaml:"interactionTimeoutSeconds"`
	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	// PrettyLogs enables human-readable console logging.
	PrettyLogs bool `json:"prettyLogs" yaml:"prettyLogs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:               7433,
		DataDir:            filepath.Join(home, ".local", "share", "agentdesk"),
		EngineCommand:      []string{"agentdesk-engine"},
		PermissionMode:     types.ModeDefault,
		HistoryLimit:       100,
		InteractionTimeout: 5 * time.Minute,
		LogLevel:           "info",
	}
}

// Load builds the configuration from (lowest to highest priority):
// built-in defaults, the global config dir, the working directory, and
// AGENTDESK_* environment variables.
func Load(directory string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".config", "agentdesk")
		loadFile(filepath.Join(global, "agentdesk.json"), cfg)
		loadFile(filepath.Join(global, "agentdesk.jsonc"), cfg)
		loadFile(filepath.Join(global, "agentdesk.yaml"), cfg)
	}

	if directory != "" {
		loadFile(filepath.Join(directory, "agentdesk.json"), cfg)
		loadFile(filepath.Join(directory, "agentdesk.jsonc"), cfg)
		loadFile(filepath.Join(directory, "agentdesk.yaml"), cfg)
	}

	applyEnvOverrides(cfg)

	if cfg.InteractionTimeoutSeconds > 0 {
		cfg.InteractionTimeout = time.Duration(cfg.InteractionTimeoutSeconds) * time.Second
	}
	if !types.ValidPermissionMode(cfg.PermissionMode) {
		cfg.PermissionMode = types.ModeDefault
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}

	return cfg, nil
}

// loadFile merges one config file into cfg. Missing files are skipped;
// undecodable ones are skipped with a warning, never fatal.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file Config
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, &file); err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("skipping undecodable config file")
			return err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("skipping undecodable config file")
			return err
		}
	}

	merge(cfg, &file)
	return nil
}

func merge(target, source *Config) {
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if len(source.EngineCommand) > 0 {
		target.EngineCommand = source.EngineCommand
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.ExecutionModel != "" {
		target.ExecutionModel = source.ExecutionModel
	}
	if source.PermissionMode != "" {
		target.PermissionMode = source.PermissionMode
	}
	if source.HistoryLimit != 0 {
		target.HistoryLimit = source.HistoryLimit
	}
	if source.InteractionTimeoutSeconds != 0 {
		target.InteractionTimeoutSeconds = source.InteractionTimeoutSeconds
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.PrettyLogs {
		target.PrettyLogs = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("AGENTDESK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTDESK_ENGINE"); v != "" {
		cfg.EngineCommand = strings.Fields(v)
	}
	if v := os.Getenv("AGENTDESK_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AGENTDESK_EXECUTION_MODEL"); v != "" {
		cfg.ExecutionModel = v
	}
	if v := os.Getenv("AGENTDESK_PERMISSION_MODE"); v != "" {
		cfg.PermissionMode = types.PermissionMode(v)
	}
	if v := os.Getenv("AGENTDESK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
