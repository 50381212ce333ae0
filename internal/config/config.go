// Package config handles loading and parsing of BleepStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bleepstore/bleepstore/internal/backend"
)

// Config is the top-level configuration for BleepStore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Backend       BackendConfig       `yaml:"backend"`
	Lock          LockConfig          `yaml:"lock"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig holds settings for metrics and health check endpoints.
type ObservabilityConfig struct {
	// Metrics enables the /metrics Prometheus endpoint.
	Metrics bool `yaml:"metrics"`
	// HealthCheck enables the /healthz and /readyz liveness/readiness probes.
	HealthCheck bool `yaml:"health_check"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "trace", "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is the log output format: "text" or "json".
	Format string `yaml:"format"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on, e.g. "0.0.0.0:9000". Empty
	// disables the TCP listener.
	ListenAddr string `yaml:"listen_addr"`
	// SocketPath is a Unix domain socket path to also (or instead) listen on.
	// Empty disables the Unix socket listener.
	SocketPath string `yaml:"socket_path"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds (default: 30).
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize is the maximum single-request object size in bytes (default: 5 GiB).
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// AuthConfig holds the single static credential checked by every request's
// AWS SigV4 signature.
type AuthConfig struct {
	// AccessKeyID is the S3 access key ID.
	AccessKeyID string `yaml:"s3_access_key_id"`
	// SecretAccessKey is the S3 secret access key.
	SecretAccessKey string `yaml:"s3_secret_access_key"`
	// Region is the SigV4 region name bound into every request's scope.
	Region string `yaml:"region"`
}

// BackendConfig holds the settings used to reach the storage zone this
// proxy fronts.
type BackendConfig struct {
	// StorageZone is the name of the storage zone.
	StorageZone string `yaml:"storage_zone"`
	// AccessKey authenticates requests to the storage zone's own API.
	AccessKey string `yaml:"access_key"`
	// Region selects which of the storage zone's regional endpoints to use.
	Region string `yaml:"zone_region"`
}

// RegionEnum returns cfg's region as a backend.Region, defaulting to the
// primary region for an empty or unrecognized value.
func (c BackendConfig) RegionEnum() backend.Region {
	r := backend.Region(c.Region)
	if !r.Valid() {
		return backend.RegionPrimary
	}
	return r
}

// LockConfig selects and configures the ConditionalLock backend used to
// serialize conflicting writes to the same key.
type LockConfig struct {
	// Backend selects the lock implementation: "inprocess", "redis",
	// "dynamodb", "firestore", or "cosmos".
	Backend string `yaml:"backend"`
	// TTLMillis is the lock hold duration before it is considered abandoned.
	TTLMillis int64 `yaml:"ttl_ms"`

	Redis     RedisLockConfig     `yaml:"redis"`
	DynamoDB  DynamoDBLockConfig  `yaml:"dynamodb"`
	Firestore FirestoreLockConfig `yaml:"firestore"`
	Cosmos    CosmosLockConfig    `yaml:"cosmos"`
}

// RedisLockConfig holds Redis-backed lock settings.
type RedisLockConfig struct {
	// URL is a redis:// connection string.
	URL string `yaml:"url"`
}

// DynamoDBLockConfig holds DynamoDB-backed lock settings.
type DynamoDBLockConfig struct {
	// Table is the DynamoDB table name.
	Table string `yaml:"table"`
	// Region is the AWS region.
	Region string `yaml:"region"`
	// EndpointURL is a custom DynamoDB endpoint (for local testing).
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreLockConfig holds Firestore-backed lock settings.
type FirestoreLockConfig struct {
	// ProjectID is the GCP project ID.
	ProjectID string `yaml:"project_id"`
	// Collection is the Firestore collection holding lock documents.
	Collection string `yaml:"collection"`
	// CredentialsFile is the path to a service account JSON file.
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosLockConfig holds Azure Cosmos DB-backed lock settings.
type CosmosLockConfig struct {
	// Endpoint is the Cosmos DB account endpoint.
	Endpoint string `yaml:"endpoint"`
	// Database is the Cosmos DB database name.
	Database string `yaml:"database"`
	// Container is the Cosmos DB container name.
	Container string `yaml:"container"`
	// MasterKey is the Cosmos DB master key.
	MasterKey string `yaml:"master_key"`
	// Partition is the partition key value shared by all lock documents.
	Partition string `yaml:"partition"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config, then applies environment variable overrides and finally
// sensible defaults for anything still unset. If the primary path fails,
// it falls back to bleepstore.example.yaml in the same directory or parent
// directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides lets operators override the most commonly-rotated
// settings (credentials, backend access key) without editing the config
// file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEEPSTORE_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Auth.AccessKeyID = v
	}
	if v := os.Getenv("BLEEPSTORE_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Auth.SecretAccessKey = v
	}
	if v := os.Getenv("BLEEPSTORE_BACKEND_ACCESS_KEY"); v != "" {
		cfg.Backend.AccessKey = v
	}
	if v := os.Getenv("BLEEPSTORE_BACKEND_STORAGE_ZONE"); v != "" {
		cfg.Backend.StorageZone = v
	}
	if v := os.Getenv("BLEEPSTORE_REDIS_URL"); v != "" {
		cfg.Lock.Redis.URL = v
	}
	if v := os.Getenv("BLEEPSTORE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("BLEEPSTORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:9000",
			ShutdownTimeout: 30,
			MaxObjectSize:   5368709120, // 5 GiB
		},
		Auth: AuthConfig{
			AccessKeyID:     "bleepstore",
			SecretAccessKey: "bleepstore-secret",
			Region:          "us-east-1",
		},
		Backend: BackendConfig{
			Region: string(backend.RegionPrimary),
		},
		Lock: LockConfig{
			TTLMillis: 30000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling and environment overrides.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" && cfg.Server.SocketPath == "" {
		cfg.Server.ListenAddr = "127.0.0.1:9000"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5368709120
	}
	if cfg.Auth.AccessKeyID == "" {
		cfg.Auth.AccessKeyID = "bleepstore"
	}
	if cfg.Auth.SecretAccessKey == "" {
		cfg.Auth.SecretAccessKey = "bleepstore-secret"
	}
	if cfg.Auth.Region == "" {
		cfg.Auth.Region = "us-east-1"
	}
	if cfg.Backend.Region == "" {
		cfg.Backend.Region = string(backend.RegionPrimary)
	}
	if cfg.Lock.Backend == "" {
		if cfg.Lock.Redis.URL != "" {
			cfg.Lock.Backend = "redis"
		} else {
			cfg.Lock.Backend = "inprocess"
		}
	}
	if cfg.Lock.TTLMillis == 0 {
		cfg.Lock.TTLMillis = 30000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
