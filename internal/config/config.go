// Package config holds the complete daemon configuration. Values are
// process-wide immutable after init; components receive a read-only pointer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Service    ServiceConfig    `yaml:"service"`
	Cache      CacheConfig      `yaml:"cache"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Workers    WorkerConfig     `yaml:"workers"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// ServiceConfig selects and parameterises the storage provider.
type ServiceConfig struct {
	// Provider is "aws" or "gcs".
	Provider string `yaml:"provider"`
	Bucket   string `yaml:"bucket"`

	// Endpoint is the host the bucket is reached through, without scheme.
	Endpoint string `yaml:"endpoint"`
	UseSSL   bool   `yaml:"use_ssl"`

	// SecretFile holds one line: "<access-key> <secret-key>". It must be
	// readable and writable by the owner only (0600).
	SecretFile string `yaml:"secret_file"`

	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxTransferRetries int           `yaml:"max_transfer_retries"`
	VerboseRequests    bool          `yaml:"verbose_requests"`
}

// CacheConfig represents the object cache settings.
type CacheConfig struct {
	Expiry time.Duration `yaml:"expiry"`
}

// TransferConfig represents file transfer settings.
type TransferConfig struct {
	DownloadChunkSize int64 `yaml:"download_chunk_size"`
	UploadChunkSize   int64 `yaml:"upload_chunk_size"`
}

// WorkerConfig represents the worker pool sizes.
type WorkerConfig struct {
	Foreground int `yaml:"foreground"`
	Background int `yaml:"background"`

	// PoolSize bounds the number of reusable request handles per pool.
	PoolSize int `yaml:"pool_size"`
}

// DefaultsConfig represents fallback POSIX attributes for objects that carry
// no stored metadata.
type DefaultsConfig struct {
	UID         uint32 `yaml:"uid"`
	GID         uint32 `yaml:"gid"`
	Mode        uint32 `yaml:"mode"`
	ContentType string `yaml:"content_type"`
}

// EncryptionConfig represents at-rest encryption settings.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`

	// PasswordFile holds the volume password; 0600 like the secret file.
	PasswordFile string `yaml:"password_file"`
}

// MonitoringConfig represents metrics settings.
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
		},
		Service: ServiceConfig{
			Provider:           "aws",
			Endpoint:           "s3.amazonaws.com",
			UseSSL:             true,
			RequestTimeout:     30 * time.Second,
			MaxTransferRetries: 5,
		},
		Cache: CacheConfig{
			Expiry: 30 * time.Second,
		},
		Transfer: TransferConfig{
			DownloadChunkSize: 128 * 1024 * 1024,
			UploadChunkSize:   128 * 1024 * 1024,
		},
		Workers: WorkerConfig{
			Foreground: 8,
			Background: 8,
			PoolSize:   8,
		},
		Defaults: DefaultsConfig{
			UID:         uint32(os.Geteuid()),
			GID:         uint32(os.Getegid()),
			Mode:        0644,
			ContentType: "binary/octet-stream",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: false,
			MetricsPort:    8080,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the receiver.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies environment variable overrides.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("OBJECTFUSE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("OBJECTFUSE_BUCKET"); val != "" {
		c.Service.Bucket = val
	}
	if val := os.Getenv("OBJECTFUSE_ENDPOINT"); val != "" {
		c.Service.Endpoint = val
	}
	if val := os.Getenv("OBJECTFUSE_SECRET_FILE"); val != "" {
		c.Service.SecretFile = val
	}
	if val := os.Getenv("OBJECTFUSE_CACHE_EXPIRY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.Expiry = d
		}
	}
	if val := os.Getenv("OBJECTFUSE_MAX_TRANSFER_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Service.MaxTransferRetries = n
		}
	}
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Service.Bucket == "" {
		return fmt.Errorf("service.bucket must be set")
	}

	if c.Service.Provider != "aws" && c.Service.Provider != "gcs" {
		return fmt.Errorf("service.provider must be \"aws\" or \"gcs\", got %q", c.Service.Provider)
	}

	if c.Service.MaxTransferRetries <= 0 {
		return fmt.Errorf("service.max_transfer_retries must be greater than 0")
	}

	if c.Workers.Foreground <= 0 || c.Workers.Background <= 0 {
		return fmt.Errorf("worker counts must be greater than 0")
	}

	if c.Transfer.DownloadChunkSize <= 0 || c.Transfer.UploadChunkSize <= 0 {
		return fmt.Errorf("transfer chunk sizes must be greater than 0")
	}

	if c.Encryption.Enabled && c.Encryption.PasswordFile == "" {
		return fmt.Errorf("encryption.password_file must be set when encryption is enabled")
	}

	return nil
}
