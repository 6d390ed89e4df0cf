package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1
	DefaultPath    = "~/.tableshift/tableshift.yaml"

	GiB = 1 << 30
)

// Config is the top-level configuration.
type Config struct {
	Version      int               `yaml:"version"`
	MigrationDir string            `yaml:"migration_dir"`
	Source       SourceConfig      `yaml:"source"`
	Target       TargetConfig      `yaml:"target"`
	Nodes        []NodeConfig      `yaml:"nodes,omitempty"`
	Extraction   ExtractionConfig  `yaml:"extraction,omitempty"`
	Load         LoadConfig        `yaml:"load,omitempty"`
	ObjectStore  ObjectStoreConfig `yaml:"object_store,omitempty"`
	Logging      LogConfig         `yaml:"logging,omitempty"`
}

// SourceConfig defines the source database connection.
type SourceConfig struct {
	Type           string   `yaml:"type"` // postgresql or oracle
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Database       string   `yaml:"database"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	SSL            bool     `yaml:"ssl,omitempty"`
	Include        []string `yaml:"include,omitempty"` // owner or owner.table patterns
	Exclude        []string `yaml:"exclude,omitempty"`
	EstimateRows   bool     `yaml:"estimate_rows,omitempty"`
	MaxConnections int      `yaml:"max_connections,omitempty"` // default 4, max 50
}

// DSN returns the driver connection string for the source.
func (s SourceConfig) DSN() string {
	switch s.Type {
	case "oracle":
		u := url.URL{
			Scheme: "oracle",
			User:   url.UserPassword(s.Username, s.Password),
			Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
			Path:   "/" + s.Database,
		}
		return u.String()
	default:
		sslmode := "disable"
		if s.SSL {
			sslmode = "require"
		}
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			s.Host, s.Port, s.Database, s.Username, s.Password, sslmode)
	}
}

// TargetConfig defines where unloaded files are reloaded.
type TargetConfig struct {
	Type             string `yaml:"type"` // postgresql, mongodb or command
	ConnectionString string `yaml:"connection_string"`
	Database         string `yaml:"database,omitempty"`
	Schema           string `yaml:"schema,omitempty"`
}

// NodeConfig describes one node of the coordination cluster and how many
// connections the orchestrator may hold to it.
type NodeConfig struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role,omitempty"` // coordinator or worker
	DSN         string `yaml:"dsn,omitempty"`  // defaults to the source DSN
	Connections int    `yaml:"connections,omitempty"`
}

// ExtractionConfig controls the unload phase.
type ExtractionConfig struct {
	BudgetGB           uint64        `yaml:"budget_gb,omitempty"`
	BudgetBytes        uint64        `yaml:"budget_bytes,omitempty"`
	ConnectionsPerNode int           `yaml:"connections_per_node,omitempty"`
	RestartLimit       int           `yaml:"restart_limit,omitempty"`
	PollInterval       time.Duration `yaml:"poll_interval,omitempty"`
	UnitTimeout        time.Duration `yaml:"unit_timeout,omitempty"`
	Compress           bool          `yaml:"compress,omitempty"`
	Command            string        `yaml:"command,omitempty"` // external unload tool template
	CrashExitCode      int           `yaml:"crash_exit_code,omitempty"`
}

// Budget returns the batch budget in bytes. Zero disables batching.
func (e ExtractionConfig) Budget() uint64 {
	if e.BudgetBytes > 0 {
		return e.BudgetBytes
	}
	return e.BudgetGB * GiB
}

// LoadConfig controls the reload phase.
type LoadConfig struct {
	CoordinatorConnections int    `yaml:"coordinator_connections,omitempty"`
	WorkerConnections      int    `yaml:"worker_connections,omitempty"`
	RestartLimit           int    `yaml:"restart_limit,omitempty"`
	Command                string `yaml:"command,omitempty"`
	CrashExitCode          int    `yaml:"crash_exit_code,omitempty"`
	ValidateUpload         bool   `yaml:"validate_upload,omitempty"`
	InsertBatchSize        int    `yaml:"insert_batch_size,omitempty"`
}

// ObjectStoreConfig points at the bucket the unloaded files are copied to.
type ObjectStoreConfig struct {
	Provider    string `yaml:"provider,omitempty"` // s3 or minio
	Bucket      string `yaml:"bucket,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"`
	Region      string `yaml:"region,omitempty"`
	Profile     string `yaml:"profile,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	AccessKey   string `yaml:"access_key,omitempty"`
	SecretKey   string `yaml:"secret_key,omitempty"`
	UseSSL      bool   `yaml:"use_ssl,omitempty"`
	Parallelism int    `yaml:"parallelism,omitempty"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`     // debug, info, warn, error
	Directory string `yaml:"directory,omitempty"` // default <migration_dir>/logs
}

// Load reads and parses the config file from the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks values applyDefaults cannot fix.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes[%d]: duplicate node id %q", i, n.ID)
		}
		seen[n.ID] = true
		if n.Role != "coordinator" && n.Role != "worker" {
			return fmt.Errorf("node %s: role must be coordinator or worker, got %q", n.ID, n.Role)
		}
	}
	switch c.ObjectStore.Provider {
	case "", "s3", "minio":
	default:
		return fmt.Errorf("unsupported object store provider %q", c.ObjectStore.Provider)
	}
	return nil
}

// BudgetWarning returns a message when a non-zero budget is below the
// recommended minimum of 100 GB.
func (c *Config) BudgetWarning() string {
	b := c.Extraction.Budget()
	if b == 0 || b >= 100*GiB {
		return ""
	}
	return fmt.Sprintf("batch budget %d bytes is below the recommended minimum of 100 GB", b)
}

func (c *Config) applyDefaults() {
	if c.MigrationDir == "" {
		c.MigrationDir = "~/.tableshift/migration"
	}
	c.MigrationDir = ExpandHome(c.MigrationDir)
	if c.Source.MaxConnections == 0 {
		c.Source.MaxConnections = 4
	}
	if c.Source.MaxConnections > 50 {
		c.Source.MaxConnections = 50
	}
	if c.Extraction.ConnectionsPerNode < 1 {
		c.Extraction.ConnectionsPerNode = 2
	}
	if c.Extraction.RestartLimit == 0 {
		c.Extraction.RestartLimit = 3
	}
	if c.Extraction.PollInterval == 0 {
		c.Extraction.PollInterval = 5 * time.Second
	}
	if c.Load.WorkerConnections < 1 {
		c.Load.WorkerConnections = 2
	}
	if c.Load.RestartLimit == 0 {
		c.Load.RestartLimit = 3
	}
	if c.Load.InsertBatchSize == 0 {
		c.Load.InsertBatchSize = 1000
	}
	if c.ObjectStore.Parallelism == 0 {
		c.ObjectStore.Parallelism = 8
	}
	for i := range c.Nodes {
		if c.Nodes[i].Role == "" {
			c.Nodes[i].Role = "worker"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = filepath.Join(c.MigrationDir, "logs")
	}
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|VAULT|AWS_SM):([^}]+)\}`)

func (c *Config) resolveSecrets() error {
	var err error
	c.Source.Password, err = ResolveValue(c.Source.Password)
	if err != nil {
		return fmt.Errorf("source password: %w", err)
	}
	c.Target.ConnectionString, err = ResolveValue(c.Target.ConnectionString)
	if err != nil {
		return fmt.Errorf("target connection string: %w", err)
	}
	c.ObjectStore.SecretKey, err = ResolveValue(c.ObjectStore.SecretKey)
	if err != nil {
		return fmt.Errorf("object store secret key: %w", err)
	}
	for i := range c.Nodes {
		c.Nodes[i].DSN, err = ResolveValue(c.Nodes[i].DSN)
		if err != nil {
			return fmt.Errorf("node %s dsn: %w", c.Nodes[i].ID, err)
		}
	}
	return nil
}

// ResolveValue resolves secret references in a string value.
func ResolveValue(val string) (string, error) {
	matches := secretPattern.FindStringSubmatch(val)
	if matches == nil {
		return val, nil
	}

	provider := matches[1]
	ref := matches[2]

	var (
		secret string
		err    error
	)
	switch provider {
	case "ENV":
		secret = os.Getenv(ref)
		if secret == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
	case "VAULT":
		secret, err = resolveVault(ref)
	case "AWS_SM":
		secret, err = resolveAWSSecretsManager(ref)
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
	if err != nil {
		return "", err
	}
	// The reference may be embedded in a longer value such as a DSN.
	return strings.Replace(val, matches[0], secret, 1), nil
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
