// ABOUTME: YAML configuration for the custody daemon with defaults and validation
// ABOUTME: A missing file yields the defaults; CUSTODY_CONFIG names the file when no flag does

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nainya/custody/internal/logger"
	"github.com/nainya/custody/pkg/approval"
	"github.com/nainya/custody/pkg/registry"
	"github.com/nainya/custody/pkg/retry"
	"github.com/nainya/custody/pkg/verification"
)

// EnvPath is the environment variable naming the config file
const EnvPath = "CUSTODY_CONFIG"

// Config is the complete daemon configuration
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Log          logger.Config       `yaml:"log"`
	Store        StoreConfig         `yaml:"store"`
	Blobs        BlobsConfig         `yaml:"blobs"`
	Ledger       LedgerConfig        `yaml:"ledger"`
	Directory    DirectoryConfig     `yaml:"directory"`
	Notify       NotifyConfig        `yaml:"notify"`
	Registry     registry.Config     `yaml:"registry"`
	Approval     approval.Config     `yaml:"approval"`
	Verification verification.Config `yaml:"verification"`
}

// ServerConfig holds listener ports
type ServerConfig struct {
	GRPCPort        int           `yaml:"grpc_port" validate:"min=0,max=65535"`
	HTTPPort        int           `yaml:"http_port" validate:"min=0,max=65535"`
	MetricsPort     int           `yaml:"metrics_port" validate:"min=0,max=65535"`
	MaxMessageBytes int           `yaml:"max_message_bytes" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the metadata store
type StoreConfig struct {
	Driver     string `yaml:"driver" validate:"oneof=memory sqlite"`
	SQLitePath string `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PoolSize   int    `yaml:"pool_size" validate:"min=0"`
}

// BlobsConfig configures the content-addressed blob store. An empty root
// keeps blobs in memory.
type BlobsConfig struct {
	Root        string       `yaml:"root"`
	Compression string       `yaml:"compression" validate:"oneof=none zstd lz4"`
	Retry       retry.Policy `yaml:"retry"`
}

// LedgerConfig selects the ledger
type LedgerConfig struct {
	Driver            string       `yaml:"driver" validate:"oneof=memory wal"`
	Path              string       `yaml:"path" validate:"required_if=Driver wal"`
	SegmentSize       int64        `yaml:"segment_size" validate:"min=0"`
	Sync              bool         `yaml:"sync"`
	AuthorizedSigners []string     `yaml:"authorized_signers"`
	Retry             retry.Policy `yaml:"retry"`
}

// DirectoryConfig points at the identity directory file. Without a file
// identities are not resolved against a directory.
type DirectoryConfig struct {
	File  string       `yaml:"file"`
	Retry retry.Policy `yaml:"retry"`
}

// NotifyConfig selects the notification sink
type NotifyConfig struct {
	Driver         string        `yaml:"driver" validate:"oneof=log redis"`
	RedisAddr      string        `yaml:"redis_addr" validate:"required_if=Driver redis"`
	ChannelPrefix  string        `yaml:"channel_prefix"`
	QueueSize      int           `yaml:"queue_size" validate:"min=0"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:        50051,
			HTTPPort:        8080,
			MetricsPort:     9090,
			MaxMessageBytes: 100 * 1024 * 1024,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: logger.Config{
			Level: "info",
		},
		Store: StoreConfig{
			Driver:   "memory",
			PoolSize: 8,
		},
		Blobs: BlobsConfig{
			Compression: "zstd",
			Retry:       retry.DefaultPolicy,
		},
		Ledger: LedgerConfig{
			Driver: "memory",
			Sync:   true,
			Retry:  retry.DefaultPolicy,
		},
		Directory: DirectoryConfig{
			Retry: retry.DefaultPolicy,
		},
		Notify: NotifyConfig{
			Driver:         "log",
			ChannelPrefix:  "custody",
			QueueSize:      256,
			DeliverTimeout: 5 * time.Second,
		},
		Registry:     registry.DefaultConfig(),
		Approval:     approval.DefaultConfig(),
		Verification: verification.DefaultConfig(),
	}
}

// ResolvePath picks the config file: the flag value, then CUSTODY_CONFIG
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvPath)
}

// Load reads path over the defaults. An empty path or a missing file
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct tags of every section
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid %s: failed %q", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}
