package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// EnvPrefix prefixes every environment override: VMD_DRIVER, VMD_DATA_DIR, ...
const EnvPrefix = "VMD"

// Default values.
const (
	DefaultAddress          = "127.0.0.1:50051"
	DefaultWorkflowsURL     = "https://github.com/canonical/multipass-workflows/archive/refs/heads/main.zip"
	DefaultWorkflowsTTL     = 5 * time.Minute
	DefaultImageManifestTTL = 5 * time.Minute
	DefaultRequestTimeout   = 10 * time.Minute
	DefaultSSHUsername      = "ubuntu"
)

// Config holds the daemon and client configuration.
type Config struct {
	// DataDir holds instance state, instance images and the SSH key.
	DataDir string `mapstructure:"data_dir"`

	// CacheDir holds downloaded images and the workflow archive.
	CacheDir string `mapstructure:"cache_dir"`

	// Storage, when set, replaces both directories with <storage>/data and
	// <storage>/cache.
	Storage string `mapstructure:"storage"`

	// Driver selects the virtualization backend ("qemu" or "vz").
	Driver string `mapstructure:"driver"`

	// Address is the host:port the daemon listens on and clients dial.
	Address string `mapstructure:"address"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	WorkflowsURL     string        `mapstructure:"workflows_url"`
	WorkflowsTTL     time.Duration `mapstructure:"workflows_ttl"`
	ImageManifestTTL time.Duration `mapstructure:"image_manifest_ttl"`

	// NATSURL enables lifecycle event publishing when set.
	NATSURL string `mapstructure:"nats_url"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// SSHUsername is the guest account cloud-init provisions.
	SSHUsername string `mapstructure:"ssh_username"`

	// RequestTimeout bounds how long a client waits for one RPC.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = &Paths{
			DataDir:  filepath.Join(os.TempDir(), "vmd", "data"),
			CacheDir: filepath.Join(os.TempDir(), "vmd", "cache"),
		}
	}

	return &Config{
		DataDir:          paths.DataDir,
		CacheDir:         paths.CacheDir,
		Driver:           hypervisor.DefaultDriver(),
		Address:          DefaultAddress,
		LogLevel:         "info",
		LogFormat:        "text",
		WorkflowsURL:     DefaultWorkflowsURL,
		WorkflowsTTL:     DefaultWorkflowsTTL,
		ImageManifestTTL: DefaultImageManifestTTL,
		MetricsEnabled:   true,
		SSHUsername:      DefaultSSHUsername,
		RequestTimeout:   DefaultRequestTimeout,
	}
}

// Load reads configuration from defaults, an optional config.yaml and
// VMD_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith is Load on a caller-supplied viper instance, so flags bound to
// it take precedence.
func LoadWith(v *viper.Viper) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("storage", "")
	v.SetDefault("driver", defaults.Driver)
	v.SetDefault("address", defaults.Address)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("workflows_url", defaults.WorkflowsURL)
	v.SetDefault("workflows_ttl", defaults.WorkflowsTTL)
	v.SetDefault("image_manifest_ttl", defaults.ImageManifestTTL)
	v.SetDefault("nats_url", "")
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("ssh_username", defaults.SSHUsername)
	v.SetDefault("request_timeout", defaults.RequestTimeout)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if paths, err := GetPaths(); err == nil {
		v.AddConfigPath(paths.ConfigDir)
		v.AddConfigPath(paths.DataDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyStorage()
	return cfg, nil
}

func (c *Config) applyStorage() {
	if c.Storage == "" {
		return
	}
	c.DataDir = filepath.Join(c.Storage, "data")
	c.CacheDir = filepath.Join(c.Storage, "cache")
}

// EnsureDirectories creates the data and cache directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the environment. Missing files are ignored; variables already set
// win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}
