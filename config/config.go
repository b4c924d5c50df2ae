// Package config holds the immutable runtime configuration. A Config is
// built once by Load and never mutated afterwards; runtimes receive it at
// construction.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runtime type discriminators accepted by the manager.
const (
	RuntimeLocal  = "local"
	RuntimeDocker = "docker"
)

// Limits caps the resources of one sandbox.
type Limits struct {
	CPU       float64 `yaml:"cpu"` // fractional cores
	MemoryMB  int     `yaml:"memory_mb"`
	Pids      int     `yaml:"pids"`
	MaxFileMB int     `yaml:"max_file_mb"` // per write_file
}

// Network configures sandbox egress.
type Network struct {
	Enabled bool     `yaml:"enabled"`
	DNS     []string `yaml:"dns"` // explicit resolvers when enabled
}

type Config struct {
	RuntimeType  string `yaml:"runtime_type"`
	WorkspaceDir string `yaml:"workspace_dir"`
	Image        string `yaml:"image"`

	UID int `yaml:"uid"`
	GID int `yaml:"gid"`

	Limits  Limits  `yaml:"limits"`
	Network Network `yaml:"network"`

	// Command timeouts in milliseconds.
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int `yaml:"max_timeout_ms"`

	// AllowedExtensions restricts write_file targets; empty allows all.
	AllowedExtensions []string `yaml:"allowed_extensions"`

	// Execution server settings (inside the sandbox).
	Listen        string `yaml:"listen"`
	SessionAPIKey string `yaml:"session_api_key"`

	// Session registry.
	DBPath            string `yaml:"db_path"`
	SessionTTLSeconds int    `yaml:"session_ttl_seconds"`
	ReapIntervalSecs  int    `yaml:"reap_interval_seconds"`

	// Extra environment merged into every command.
	Env map[string]string `yaml:"env"`
}

// Load reads an optional YAML file, applies KAPSEL_* environment
// overrides, and fills defaults. A missing file is not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		RuntimeType:  RuntimeDocker,
		WorkspaceDir: "/workspace",
		Image:        "kapsel-runtime:base",
		UID:          1000,
		GID:          1000,
		Limits: Limits{
			CPU:       1.0,
			MemoryMB:  512,
			Pids:      256,
			MaxFileMB: 10,
		},
		Network:           Network{Enabled: false},
		DefaultTimeoutMs:  30_000,
		MaxTimeoutMs:      120_000,
		Listen:            "127.0.0.1:8330",
		DBPath:            "./kapsel.db",
		SessionTTLSeconds: 1800,
		ReapIntervalSecs:  30,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.RuntimeType != RuntimeLocal && cfg.RuntimeType != RuntimeDocker {
		return nil, fmt.Errorf("unknown runtime_type: %q", cfg.RuntimeType)
	}
	if cfg.DefaultTimeoutMs > cfg.MaxTimeoutMs {
		cfg.DefaultTimeoutMs = cfg.MaxTimeoutMs
	}

	return cfg, nil
}

// MaxFileBytes returns the write_file size cap in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Limits.MaxFileMB) * 1024 * 1024
}

// ExtensionAllowed reports whether a filename passes the extension
// allow-list. An empty list allows everything.
func (c *Config) ExtensionAllowed(name string) bool {
	if len(c.AllowedExtensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range c.AllowedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAPSEL_RUNTIME_TYPE"); v != "" {
		cfg.RuntimeType = v
	}
	if v := os.Getenv("KAPSEL_WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := os.Getenv("KAPSEL_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("KAPSEL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KAPSEL_SESSION_API_KEY"); v != "" {
		cfg.SessionAPIKey = v
	}
	if v := os.Getenv("KAPSEL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KAPSEL_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UID = n
		}
	}
	if v := os.Getenv("KAPSEL_GID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GID = n
		}
	}
	if v := os.Getenv("KAPSEL_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPU = f
		}
	}
	if v := os.Getenv("KAPSEL_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MemoryMB = n
		}
	}
	if v := os.Getenv("KAPSEL_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.Pids = n
		}
	}
	if v := os.Getenv("KAPSEL_MAX_FILE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxFileMB = n
		}
	}
	if v := os.Getenv("KAPSEL_NETWORK_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Network.Enabled = b
		}
	}
	if v := os.Getenv("KAPSEL_DNS"); v != "" {
		cfg.Network.DNS = strings.Split(v, ",")
	}
	if v := os.Getenv("KAPSEL_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTimeoutMs = n
		}
	}
	if v := os.Getenv("KAPSEL_MAX_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTimeoutMs = n
		}
	}
	if v := os.Getenv("KAPSEL_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = strings.Split(v, ",")
	}
	if v := os.Getenv("KAPSEL_SESSION_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLSeconds = n
		}
	}
	if v := os.Getenv("KAPSEL_REAP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReapIntervalSecs = n
		}
	}
}
