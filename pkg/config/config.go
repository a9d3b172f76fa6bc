package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jordanhubbard/lessonloop/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWindow is used when lessons.window is unset or non-positive.
	DefaultWindow = 10

	// EnvConfigPath overrides the engine config location.
	EnvConfigPath = "LESSONLOOP_CONFIG"
	// EnvWorkspace overrides the workspace root.
	EnvWorkspace = "LESSONLOOP_WORKSPACE"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config represents the engine configuration for one invocation.
type Config struct {
	Workspace string          `yaml:"workspace" json:"workspace"`
	Lessons   LessonsConfig   `yaml:"lessons" json:"lessons"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Gate      GateConfig      `yaml:"gate" json:"gate"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// LessonsConfig controls lesson selection in the pre-run phase.
type LessonsConfig struct {
	Mode   string `yaml:"mode" json:"mode"`     // "advisory" or "apply"
	Scope  string `yaml:"scope" json:"scope"`   // "profile", "dataset" or "global"
	Window int    `yaml:"window" json:"window"` // Most-recent lessons considered
}

// StoreConfig selects and configures the lesson store backend.
type StoreConfig struct {
	Backend  string `yaml:"backend" json:"backend"`               // "file", "sqlite", "postgres", "redis"
	Path     string `yaml:"path" json:"path"`                     // File log or SQLite database path
	DSN      string `yaml:"dsn" json:"dsn,omitempty"`             // For Postgres
	RedisURL string `yaml:"redis_url" json:"redis_url,omitempty"` // Redis connection URL
	RedisKey string `yaml:"redis_key" json:"redis_key,omitempty"` // List key holding batch envelopes
}

// GateConfig points at the quality gate policy.
type GateConfig struct {
	PolicyPath string `yaml:"policy_path" json:"policy_path,omitempty"`
	Policy     Policy `yaml:"policy" json:"policy,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
}

// MetricsConfig configures Prometheus export for batch runs.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" json:"textfile,omitempty"` // node_exporter textfile collector target
}

// Threshold bounds one metric. Nil means unbounded on that side.
type Threshold struct {
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Policy maps metric name to its threshold.
type Policy map[string]Threshold

// Metrics returns the policy's metric names in sorted order.
func (p Policy) Metrics() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Environment variables (e.g. ${PG_DSN}) are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Relative policy paths are resolved against the config file.
	if cfg.Gate.PolicyPath != "" && !filepath.IsAbs(cfg.Gate.PolicyPath) {
		cfg.Gate.PolicyPath = filepath.Join(filepath.Dir(path), cfg.Gate.PolicyPath)
	}

	return cfg, nil
}

// Load resolves the config path from the environment, falling back to the
// defaults when no file is present.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		loaded, err := LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if ws := os.Getenv(EnvWorkspace); ws != "" {
		cfg.Workspace = ws
	}
	return cfg, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".lessonloop",
		Lessons: LessonsConfig{
			Mode:   string(models.ModeAdvisory),
			Scope:  string(models.ScopeDataset),
			Window: DefaultWindow,
		},
		Store: StoreConfig{
			Backend:  BackendFile,
			RedisKey: "lessonloop:lessons",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "lessonloop",
		},
	}
}

// Validate checks enumerated fields and fills derived defaults.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace cannot be empty")
	}
	if _, err := models.ParseMode(c.Lessons.Mode); err != nil {
		return err
	}
	if _, err := models.ParseScope(c.Lessons.Scope); err != nil {
		return err
	}
	if c.Lessons.Window <= 0 {
		c.Lessons.Window = DefaultWindow
	}
	switch c.Store.Backend {
	case "", BackendFile, BackendSQLite:
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for name, th := range c.Gate.Policy {
		if th.Min != nil && th.Max != nil && *th.Min > *th.Max {
			return fmt.Errorf("gate policy for %s has min %.4g above max %.4g", name, *th.Min, *th.Max)
		}
	}
	return nil
}

// StorePath returns the lesson store location for file and SQLite backends.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == BackendSQLite {
		return filepath.Join(c.Workspace, "lessons", "lessons.db")
	}
	return filepath.Join(c.Workspace, "lessons", "lessons.jsonl")
}

// LoadPolicy returns the effective gate policy: the file at policy_path
// merged under any inline entries.
func (c *Config) LoadPolicy() (Policy, error) {
	policy := Policy{}
	if c.Gate.PolicyPath != "" {
		fromFile, err := LoadPolicyFromFile(c.Gate.PolicyPath)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			policy[k] = v
		}
	}
	for k, v := range c.Gate.Policy {
		policy[k] = v
	}
	return policy, nil
}

// LoadPolicyFromFile reads a metric -> {min, max} YAML document.
func LoadPolicyFromFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gate policy: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse gate policy %s: %w", path, err)
	}
	if policy == nil {
		policy = Policy{}
	}
	return policy, nil
}
