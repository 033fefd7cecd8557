// Package config defines tangram's single root configuration struct,
// loaded from JSON at .config/tangram/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration object. Every subsystem's knobs are
// enumerated here as a nested section; there is no other mutable global
// configuration state.
type Config struct {
	Directory string        `json:"directory"`
	Log       LogConfig     `json:"log"`
	Store     StoreConfig   `json:"store"`
	Index     IndexConfig   `json:"index"`
	Process   ProcessConfig `json:"process"`
	Sync      SyncConfig    `json:"sync"`
	Server    ServerConfig  `json:"server"`
}

// LogConfig controls the ambient zerolog logger (pkg/log).
type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// StoreBackend selects one of the five Store implementations.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendBolt   StoreBackend = "bolt"
	StoreBackendS3     StoreBackend = "s3"
	StoreBackendScylla StoreBackend = "scylla"
	StoreBackendFDB    StoreBackend = "fdb"
)

// StoreConfig configures the Store backend.
type StoreConfig struct {
	Backend StoreBackend `json:"backend"`

	BoltPath string `json:"bolt_path,omitempty"`

	S3Bucket   string `json:"s3_bucket,omitempty"`
	S3Endpoint string `json:"s3_endpoint,omitempty"`
	S3Region   string `json:"s3_region,omitempty"`

	ScyllaHosts    []string `json:"scylla_hosts,omitempty"`
	ScyllaKeyspace string   `json:"scylla_keyspace,omitempty"`

	FDBClusterFile string `json:"fdb_cluster_file,omitempty"`

	// ArtifactsDir is the on-disk content-addressed cache directory that
	// cache references point into.
	ArtifactsDir string `json:"artifacts_dir"`
}

// IndexBackend selects one of the two Index implementations.
type IndexBackend string

const (
	IndexBackendSQLite   IndexBackend = "sqlite"
	IndexBackendPostgres IndexBackend = "postgres"
)

// IndexConfig configures the Index backend.
type IndexConfig struct {
	Backend      IndexBackend `json:"backend"`
	SQLitePath   string       `json:"sqlite_path,omitempty"`
	PostgresDSN  string       `json:"postgres_dsn,omitempty"`
	MaxReadConns int          `json:"max_read_conns,omitempty"`
}

// ProcessConfig configures the process engine's runner and watchdog.
type ProcessConfig struct {
	Concurrency       int           `json:"concurrency"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `json:"heartbeat_ttl"`
	WatchdogInterval  time.Duration `json:"watchdog_interval"`
	MaxRetries        int           `json:"max_retries"`
	SandboxRoot       string        `json:"sandbox_root"`
}

// SyncConfig configures the sync engine's pipeline.
type SyncConfig struct {
	QueueDepth   int           `json:"queue_depth"`
	ProgressTick time.Duration `json:"progress_tick"`
	Eagerness    Eagerness     `json:"eagerness"`
}

// Eagerness controls which process subtrees the sync engine's queue stage
// traverses when pulling a process.
type Eagerness struct {
	Recursive bool `json:"recursive"`
	Commands  bool `json:"commands"`
	Errors    bool `json:"errors"`
	Logs      bool `json:"logs"`
	Outputs   bool `json:"outputs"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr           string `json:"addr"`
	Socket         string `json:"socket"`
	CompressionMin int    `json:"compression_min_bytes"`
}

// Default returns a Config with every knob set to a sane default, matching
// the standard server filesystem layout rooted at dir.
func Default(dir string) Config {
	return Config{
		Directory: dir,
		Log:       LogConfig{Level: "info", JSON: true},
		Store: StoreConfig{
			Backend:      StoreBackendBolt,
			BoltPath:     filepath.Join(dir, "store"),
			ArtifactsDir: filepath.Join(dir, "artifacts"),
		},
		Index: IndexConfig{
			Backend:      IndexBackendSQLite,
			SQLitePath:   filepath.Join(dir, "index"),
			MaxReadConns: 8,
		},
		Process: ProcessConfig{
			Concurrency:       4,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTTL:      30 * time.Second,
			WatchdogInterval:  10 * time.Second,
			MaxRetries:        3,
			SandboxRoot:       filepath.Join(dir, "tmp"),
		},
		Sync: SyncConfig{
			QueueDepth:   256,
			ProgressTick: 100 * time.Millisecond,
			Eagerness:    Eagerness{Recursive: true, Commands: true},
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8476",
			Socket:         filepath.Join(dir, "socket"),
			CompressionMin: 32,
		},
	}
}

// Load reads and parses the JSON config file at path, defaulting any unset
// fields relative to dir.
func Load(path string, dir string) (Config, error) {
	cfg := Default(dir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as JSON to path.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
