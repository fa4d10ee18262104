// Package config loads vectorsync configuration from defaults, YAML files and
// VECTORSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vectorsync/internal/model"
)

// Config represents the complete vectorsync configuration.
type Config struct {
	DataDir    string                  `yaml:"data_dir" json:"data_dir"`
	Log        LogConfig               `yaml:"log" json:"log"`
	Checkpoint CheckpointConfig        `yaml:"checkpoint" json:"checkpoint"`
	Archive    ArchiveConfig           `yaml:"archive" json:"archive"`
	Stream     StreamConfig            `yaml:"stream" json:"stream"`
	Backfill   BackfillConfig          `yaml:"backfill" json:"backfill"`
	Index      IndexConfig             `yaml:"index" json:"index"`
	Query      QueryConfig             `yaml:"query" json:"query"`
	Server     ServerConfig            `yaml:"server" json:"server"`
	Metrics    MetricsConfig           `yaml:"metrics" json:"metrics"`
	Source     SourceConfig            `yaml:"source" json:"source"`
	Indexes    []model.IndexDefinition `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"` // json, text or auto
	File      string `yaml:"file" json:"file"`     // empty disables file logging
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// CheckpointConfig selects the checkpoint and catalog backend.
type CheckpointConfig struct {
	// Backend is one of memory, sqlite, badger, dynamodb.
	Backend string `yaml:"backend" json:"backend"`
	// Path is the sqlite file or badger directory. Defaults under data_dir.
	Path string `yaml:"path" json:"path"`
	// Table is the DynamoDB table name.
	Table string `yaml:"table" json:"table"`
	// Region and Endpoint configure the AWS client (Endpoint for local DynamoDB).
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// ArchiveConfig configures warm-restart archives.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Backend is one of local, s3, minio.
	Backend   string `yaml:"backend" json:"backend"`
	Path      string `yaml:"path" json:"path"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Region    string `yaml:"region" json:"region"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// StreamConfig tunes partition consumers.
type StreamConfig struct {
	// BatchSize is the maximum records per stream read.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Buffer is the number of batches in flight between fetcher and applier.
	Buffer int `yaml:"buffer" json:"buffer"`
	// PollInterval is the wait after an empty read.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// ReconnectInitial and ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration `yaml:"reconnect_initial" json:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
	// CommitRetries is the number of checkpoint commit retries before the consumer halts.
	CommitRetries int `yaml:"commit_retries" json:"commit_retries"`
}

// BackfillConfig tunes the initial table scan.
type BackfillConfig struct {
	Workers  int `yaml:"workers" json:"workers"`
	Ranges   int `yaml:"ranges" json:"ranges"`
	PageSize int `yaml:"page_size" json:"page_size"`
	// PagesPerSecond throttles scans; 0 disables the limiter.
	PagesPerSecond float64 `yaml:"pages_per_second" json:"pages_per_second"`
	PageRetries    int     `yaml:"page_retries" json:"page_retries"`
}

// IndexConfig tunes the in-memory index core.
type IndexConfig struct {
	Shards int `yaml:"shards" json:"shards"`
	// Oversample multiplies k when a filter is present.
	Oversample int `yaml:"oversample" json:"oversample"`
	// MaxElements caps live vectors per shard; 0 means unbounded.
	MaxElements int              `yaml:"max_elements" json:"max_elements"`
	Compaction  CompactionConfig `yaml:"compaction" json:"compaction"`
}

// CompactionConfig controls graph rebuilds after lazy deletes.
type CompactionConfig struct {
	// OrphanThreshold is the orphan ratio above which a replica is rebuilt.
	OrphanThreshold float64 `yaml:"orphan_threshold" json:"orphan_threshold"`
	// MinOrphanCount prevents rebuilding small graphs with high ratios.
	MinOrphanCount int `yaml:"min_orphan_count" json:"min_orphan_count"`
}

// QueryConfig tunes the query service.
type QueryConfig struct {
	// StaleLag is the partition lag (in positions) above which results are stale.
	StaleLag  uint64 `yaml:"stale_lag" json:"stale_lag"`
	CacheSize int    `yaml:"cache_size" json:"cache_size"`
	// DefaultTimeout bounds MinConsistency waits that do not set their own.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	MaxK           int           `yaml:"max_k" json:"max_k"`
}

// ServerConfig configures the daemon socket.
type ServerConfig struct {
	SocketPath          string        `yaml:"socket_path" json:"socket_path"`
	PIDPath             string        `yaml:"pid_path" json:"pid_path"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" json:"shutdown_grace_period"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// SourceConfig selects the change-stream and row-scan driver.
type SourceConfig struct {
	Driver  string            `yaml:"driver" json:"driver"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// DefaultDataDir returns ~/.vectorsync, or a temp-dir fallback.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vectorsync")
	}
	return filepath.Join(home, ".vectorsync")
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log: LogConfig{
			Level:     "info",
			Format:    "auto",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Checkpoint: CheckpointConfig{
			Backend: "sqlite",
			Table:   "vectorsync_checkpoints",
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Backend: "local",
			Prefix:  "archives",
			UseSSL:  true,
		},
		Stream: StreamConfig{
			BatchSize:        256,
			Buffer:           4,
			PollInterval:     200 * time.Millisecond,
			ReconnectInitial: 100 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
			CommitRetries:    5,
		},
		Backfill: BackfillConfig{
			Workers:     4,
			Ranges:      16,
			PageSize:    500,
			PageRetries: 5,
		},
		Index: IndexConfig{
			Shards:     8,
			Oversample: 4,
			Compaction: CompactionConfig{
				OrphanThreshold: 0.2,
				MinOrphanCount:  100,
			},
		},
		Query: QueryConfig{
			StaleLag:       100,
			CacheSize:      1024,
			DefaultTimeout: 5 * time.Second,
			MaxK:           1000,
		},
		Server: ServerConfig{
			Timeout:             30 * time.Second,
			ShutdownGracePeriod: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9464",
		},
		Source: SourceConfig{
			Driver: "memory",
		},
	}
}

// GetUserConfigPath returns the user configuration file path:
// $XDG_CONFIG_HOME/vectorsync/config.yaml or ~/.config/vectorsync/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vectorsync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vectorsync", "config.yaml")
	}
	return filepath.Join(home, ".config", "vectorsync", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	_, err := os.Stat(GetUserConfigPath())
	return err == nil
}

// Load builds the configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config ($XDG_CONFIG_HOME/vectorsync/config.yaml)
//  3. Explicit file (path, may be empty)
//  4. Environment variables (VECTORSYNC_*)
//
// Derived paths are resolved against data_dir and the result is validated.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if UserConfigExists() {
		if err := cfg.loadYAML(GetUserConfigPath()); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML decodes path over the current values, so keys absent from the
// file keep their previous value.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies VECTORSYNC_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"VECTORSYNC_DATA_DIR":           &c.DataDir,
		"VECTORSYNC_LOG_LEVEL":          &c.Log.Level,
		"VECTORSYNC_LOG_FORMAT":         &c.Log.Format,
		"VECTORSYNC_LOG_FILE":           &c.Log.File,
		"VECTORSYNC_CHECKPOINT_BACKEND": &c.Checkpoint.Backend,
		"VECTORSYNC_CHECKPOINT_PATH":    &c.Checkpoint.Path,
		"VECTORSYNC_DYNAMODB_TABLE":     &c.Checkpoint.Table,
		"VECTORSYNC_ARCHIVE_BACKEND":    &c.Archive.Backend,
		"VECTORSYNC_ARCHIVE_BUCKET":     &c.Archive.Bucket,
		"VECTORSYNC_ARCHIVE_ENDPOINT":   &c.Archive.Endpoint,
		"VECTORSYNC_ARCHIVE_ACCESS_KEY": &c.Archive.AccessKey,
		"VECTORSYNC_ARCHIVE_SECRET_KEY": &c.Archive.SecretKey,
		"VECTORSYNC_SOCKET_PATH":        &c.Server.SocketPath,
		"VECTORSYNC_METRICS_ADDR":       &c.Metrics.ListenAddr,
		"VECTORSYNC_SOURCE_DRIVER":      &c.Source.Driver,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"VECTORSYNC_INDEX_SHARDS":     &c.Index.Shards,
		"VECTORSYNC_BACKFILL_WORKERS": &c.Backfill.Workers,
		"VECTORSYNC_STREAM_BATCH":     &c.Stream.BatchSize,
	}
	for env, dst := range ints {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", env, v)
		}
		*dst = n
	}

	if v := os.Getenv("VECTORSYNC_QUERY_STALE_LAG"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("VECTORSYNC_QUERY_STALE_LAG: invalid value %q", v)
		}
		c.Query.StaleLag = n
	}
	if v := os.Getenv("VECTORSYNC_ARCHIVE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VECTORSYNC_ARCHIVE_ENABLED: invalid value %q", v)
		}
		c.Archive.Enabled = b
	}
	if v := os.Getenv("VECTORSYNC_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VECTORSYNC_METRICS_ENABLED: invalid value %q", v)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

// resolvePaths fills paths that default to locations under data_dir.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Checkpoint.Path == "" {
		switch c.Checkpoint.Backend {
		case "sqlite":
			c.Checkpoint.Path = filepath.Join(c.DataDir, "checkpoints.db")
		case "badger":
			c.Checkpoint.Path = filepath.Join(c.DataDir, "checkpoints")
		}
	}
	if c.Archive.Path == "" && c.Archive.Backend == "local" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = filepath.Join(c.DataDir, "vectorsync.sock")
	}
	if c.Server.PIDPath == "" {
		c.Server.PIDPath = filepath.Join(c.DataDir, "vectorsync.pid")
	}
}

// LockPath is the file guarding the data directory against a second server.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "vectorsync.lock")
}

var (
	validLevels      = []string{"debug", "info", "warn", "warning", "error"}
	validFormats     = []string{"auto", "json", "text"}
	validCheckpoints = []string{"memory", "sqlite", "badger", "dynamodb"}
	validArchives    = []string{"local", "s3", "minio"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if !oneOf(c.Log.Level, validLevels) {
		return fmt.Errorf("log.level must be one of %v, got %q", validLevels, c.Log.Level)
	}
	if !oneOf(c.Log.Format, validFormats) {
		return fmt.Errorf("log.format must be one of %v, got %q", validFormats, c.Log.Format)
	}
	if !oneOf(c.Checkpoint.Backend, validCheckpoints) {
		return fmt.Errorf("checkpoint.backend must be one of %v, got %q", validCheckpoints, c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "dynamodb" && c.Checkpoint.Table == "" {
		return fmt.Errorf("checkpoint.table is required for the dynamodb backend")
	}
	if c.Archive.Enabled {
		if !oneOf(c.Archive.Backend, validArchives) {
			return fmt.Errorf("archive.backend must be one of %v, got %q", validArchives, c.Archive.Backend)
		}
		if c.Archive.Backend != "local" && c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the %s backend", c.Archive.Backend)
		}
		if c.Archive.Backend == "minio" && c.Archive.Endpoint == "" {
			return fmt.Errorf("archive.endpoint is required for the minio backend")
		}
	}
	if c.Stream.BatchSize <= 0 {
		return fmt.Errorf("stream.batch_size must be positive, got %d", c.Stream.BatchSize)
	}
	if c.Stream.Buffer <= 0 {
		return fmt.Errorf("stream.buffer must be positive, got %d", c.Stream.Buffer)
	}
	if c.Stream.ReconnectInitial <= 0 || c.Stream.ReconnectMax < c.Stream.ReconnectInitial {
		return fmt.Errorf("stream.reconnect_initial must be positive and <= reconnect_max")
	}
	if c.Stream.CommitRetries < 0 {
		return fmt.Errorf("stream.commit_retries must be >= 0")
	}
	if c.Backfill.Workers <= 0 || c.Backfill.Ranges <= 0 || c.Backfill.PageSize <= 0 {
		return fmt.Errorf("backfill.workers, ranges and page_size must be positive")
	}
	if c.Backfill.PagesPerSecond < 0 {
		return fmt.Errorf("backfill.pages_per_second must be >= 0")
	}
	if c.Index.Shards <= 0 {
		return fmt.Errorf("index.shards must be positive, got %d", c.Index.Shards)
	}
	if c.Index.Oversample < 1 {
		return fmt.Errorf("index.oversample must be >= 1, got %d", c.Index.Oversample)
	}
	if c.Index.Compaction.OrphanThreshold < 0 || c.Index.Compaction.OrphanThreshold > 1 {
		return fmt.Errorf("index.compaction.orphan_threshold must be in [0,1], got %g", c.Index.Compaction.OrphanThreshold)
	}
	if c.Query.DefaultTimeout <= 0 {
		return fmt.Errorf("query.default_timeout must be positive")
	}
	if c.Query.MaxK <= 0 {
		return fmt.Errorf("query.max_k must be positive")
	}
	if c.Source.Driver == "" {
		return fmt.Errorf("source.driver is required")
	}

	seen := make(map[string]bool, len(c.Indexes))
	for i := range c.Indexes {
		def := c.Indexes[i].WithDefaults()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("indexes[%d]: %w", i, err)
		}
		if seen[def.Name] {
			return fmt.Errorf("indexes[%d]: duplicate index name %q", i, def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
