// Package config loads and persists the service configuration record.
//
// The record lives at <base>/config.yaml. Secrets come from a .env file in
// the base directory so the config file stays shareable. When running in a
// container the host binds all interfaces and paths move to the container's
// mount points.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the preferred listen port; the actual port is negotiated
// upward from here.
const DefaultPort = 6789

// Duration wraps time.Duration so the config file can carry values like
// "2h" or "30m".
type Duration time.Duration

// MarshalYAML renders the duration in time.Duration's string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or raw nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			// A bare integer scalar also decodes into s; read it as nanoseconds.
			if ns, nerr := strconv.ParseInt(s, 10, 64); nerr == nil {
				*d = Duration(ns)
				return nil
			}
			return fmt.Errorf("config: bad duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("config: bad duration value")
	}
	*d = Duration(ns)
	return nil
}

// ConfigFile is the name of the configuration record in the base directory.
const ConfigFile = "config.yaml"

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BatchSize    int    `yaml:"batch_size"`
	AutoGenerate bool   `yaml:"auto_generate"`
}

// VectorConfig sets search defaults.
type VectorConfig struct {
	DefaultK            int     `yaml:"default_k"`
	DefaultThreshold    float64 `yaml:"default_threshold"`
	DefaultHybridWeight float64 `yaml:"default_hybrid_weight"`
}

// Config is the validated configuration record consumed by the core.
type Config struct {
	Name             string           `yaml:"name"`
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	DatabasePath     string           `yaml:"database_path"`
	StaticDir        string           `yaml:"static_dir"`
	BackupDir        string           `yaml:"backup_dir"`
	MinBackups       int              `yaml:"min_backups"`
	MinBackupAgeDays int              `yaml:"min_backup_age_days"`
	BackupInterval   Duration         `yaml:"backup_interval"`
	BackupOnStart    bool             `yaml:"backup_on_start"`
	LogLevel         string           `yaml:"log_level"`
	AllowedOrigins   []string         `yaml:"allowed_origins"`
	Embeddings       EmbeddingsConfig `yaml:"embeddings"`
	Vector           VectorConfig     `yaml:"vector"`

	// BaseDir and InDocker are resolved at load time, not read from the file.
	BaseDir  string `yaml:"-"`
	InDocker bool   `yaml:"-"`
}

// DefaultBaseDir is the per-user base directory.
func DefaultBaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kgraph")
}

// Default returns the configuration with every field at its default for the
// given base directory.
func Default(baseDir string) Config {
	return Config{
		Name:             "kgraph",
		Host:             "127.0.0.1",
		Port:             DefaultPort,
		DatabasePath:     filepath.Join(baseDir, "data", "knowledge_graph.db"),
		BackupDir:        filepath.Join(baseDir, "backup"),
		MinBackups:       5,
		MinBackupAgeDays: 1,
		BackupInterval:   Duration(6 * time.Hour),
		BackupOnStart:    true,
		LogLevel:         "info",
		AllowedOrigins:   []string{"*"},
		Embeddings: EmbeddingsConfig{
			Provider:  "local",
			BatchSize: 32,
		},
		Vector: VectorConfig{
			DefaultK:            10,
			DefaultThreshold:    0.0,
			DefaultHybridWeight: 0.7,
		},
		BaseDir: baseDir,
	}
}

// Load reads the configuration record from baseDir, applying defaults for
// absent fields, the .env overlay for secrets, and docker path/host
// overrides. A missing config file is not an error: the effective defaults
// are written back so the base directory is self-describing.
func Load(baseDir string) (Config, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	cfg := Default(baseDir)

	path := filepath.Join(baseDir, ConfigFile)
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.BaseDir = baseDir
	}

	// Secrets overlay. Absence of the .env file is fine.
	_ = godotenv.Load(filepath.Join(baseDir, ".env"))
	if key := os.Getenv("KGRAPH_EMBEDDINGS_API_KEY"); key != "" {
		cfg.Embeddings.APIKey = key
	}

	cfg.InDocker = detectDocker()
	if cfg.InDocker {
		cfg.Host = "0.0.0.0"
		cfg.DatabasePath = "/data/knowledge_graph.db"
		cfg.BackupDir = "/data/backup"
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the record to <base>/config.yaml.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
		return fmt.Errorf("config: create base dir: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	path := filepath.Join(cfg.BaseDir, ConfigFile)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path must be set")
	}
	if c.Vector.DefaultHybridWeight < 0 || c.Vector.DefaultHybridWeight > 1 {
		return fmt.Errorf("config: default_hybrid_weight must be in [0,1]")
	}
	return nil
}

// LogPath returns the append-only service log file path.
func (c Config) LogPath() string {
	return filepath.Join(c.BaseDir, "kgraph.log")
}

// IdentityPath returns the liveness/identity file path.
func (c Config) IdentityPath() string {
	return filepath.Join(c.BaseDir, "server_info.json")
}

// detectDocker reports whether the process runs inside a container, by the
// /.dockerenv marker or a container id in the cgroup table.
func detectDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	raw, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(raw)
	return strings.Contains(content, "docker") || strings.Contains(content, "containerd")
}

// ContainerName returns the container's hostname when running in docker.
func ContainerName() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
