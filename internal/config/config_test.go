package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmd/pkg/hypervisor"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	return home
}

func TestDefaultConfig(t *testing.T) {
	isolate(t)
	c := DefaultConfig()

	assert.Equal(t, DefaultAddress, c.Address)
	assert.Equal(t, hypervisor.DefaultDriver(), c.Driver)
	assert.Equal(t, "ubuntu", c.SSHUsername)
	assert.Equal(t, 5*time.Minute, c.WorkflowsTTL)
	assert.True(t, c.MetricsEnabled)
	assert.True(t, filepath.IsAbs(c.DataDir))
	assert.True(t, filepath.IsAbs(c.CacheDir))
}

func TestGetPathsXDG(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("XDG directories are not used on macOS")
	}
	home := isolate(t)

	p, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "config", "vmd"), p.ConfigDir)
	assert.Equal(t, filepath.Join(home, "data", "vmd"), p.DataDir)
	assert.Equal(t, filepath.Join(home, "cache", "vmd"), p.CacheDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("VMD_ADDRESS", "127.0.0.1:9999")
	t.Setenv("VMD_WORKFLOWS_TTL", "1h")
	t.Setenv("VMD_METRICS_ENABLED", "false")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", c.Address)
	assert.Equal(t, time.Hour, c.WorkflowsTTL)
	assert.False(t, c.MetricsEnabled)
}

func TestLoadStorageOverride(t *testing.T) {
	isolate(t)
	storage := t.TempDir()
	t.Setenv("VMD_STORAGE", storage)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(storage, "data"), c.DataDir)
	assert.Equal(t, filepath.Join(storage, "cache"), c.CacheDir)
}

func TestLoadConfigFile(t *testing.T) {
	isolate(t)
	p, err := GetPaths()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(p.ConfigDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.ConfigDir, "config.yaml"),
		[]byte("ssh_username: admin\nrequest_timeout: 30s\n"), 0644))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "admin", c.SSHUsername)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
}

func TestLoadWithBoundValue(t *testing.T) {
	isolate(t)
	v := viper.New()
	v.Set("log_level", "debug")

	c, err := LoadWith(v)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("VMD_DOTENV_TEST=from-file\n"), 0644))
	t.Setenv("VMD_DOTENV_TEST", "")
	os.Unsetenv("VMD_DOTENV_TEST")

	require.NoError(t, LoadDotEnv(env, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("VMD_DOTENV_TEST"))
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	c := &Config{DataDir: filepath.Join(root, "d"), CacheDir: filepath.Join(root, "c")}
	require.NoError(t, c.EnsureDirectories())
	assert.DirExists(t, c.DataDir)
	assert.DirExists(t, c.CacheDir)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Driver:    hypervisor.DefaultDriver(),
			Address:   DefaultAddress,
			DataDir:   "/var/lib/vmd",
			CacheDir:  "/var/cache/vmd",
			LogFormat: "text",
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
		wantFatal bool
	}{
		{"unsupported driver", func(c *Config) { c.Driver = "hyperv" }, "driver", true},
		{"bad address", func(c *Config) { c.Address = "nope" }, "address", true},
		{"relative data dir", func(c *Config) { c.DataDir = "data" }, "data_dir", false},
		{"missing cache dir", func(c *Config) { c.CacheDir = "" }, "cache_dir", true},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "log_format", false},
		{"negative ttl", func(c *Config) { c.WorkflowsTTL = -time.Second }, "workflows_ttl", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !hypervisor.SupportedPlatform() && tt.wantField != "driver" {
				t.Skip("no driver is supported on this platform")
			}
			c := valid()
			tt.mutate(c)
			errs := ValidateConfig(c)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantField, errs[0].Field)
			assert.Equal(t, tt.wantFatal, errs[0].Fatal)
			assert.Equal(t, tt.wantFatal, HasFatal(errs))
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Empty(t, FormatValidationErrors(nil))

	out := FormatValidationErrors([]ValidationError{
		{Field: "driver", Message: "bad", Fatal: true},
		{Field: "data_dir", Message: "relative"},
	})
	assert.Contains(t, out, "Error [driver]: bad")
	assert.Contains(t, out, "Warning [data_dir]: relative")
}
