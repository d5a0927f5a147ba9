package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/encoder"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "./data", config.DataDir)
	assert.Equal(t, 256, config.Encoder.BlockSize)
	assert.Equal(t, "gzip", config.Encoder.Compression)
	assert.True(t, config.Encoder.SkipEmpty)
	assert.True(t, config.Encoder.CalculateStats)
	assert.Nil(t, config.Encoder.Resolution)
	assert.Equal(t, "pad", config.Encoder.PartialTiles)
	assert.Equal(t, 60*time.Second, config.Remote.Timeout)
	assert.Equal(t, 3, config.Remote.MaxAttempts)
	assert.Equal(t, time.Second, config.Remote.InitialBackoff)
	assert.Equal(t, 9300, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Bind)
	assert.Equal(t, BackendFile, config.Storage.Backend)
	assert.Equal(t, "info", config.Logging.Level)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{"block size not multiple of 16", func(c *Config) { c.Encoder.BlockSize = 100 }, encoder.ErrInvalidBlockSize},
		{"zero block size", func(c *Config) { c.Encoder.BlockSize = 0 }, encoder.ErrInvalidBlockSize},
		{"unknown compression", func(c *Config) { c.Encoder.Compression = "zstd" }, block.ErrUnknownCompression},
		{"unknown partial policy", func(c *Config) { c.Encoder.PartialTiles = "crop" }, encoder.ErrInvalidPartialTiles},
		{"resolution out of range", func(c *Config) { z := 40; c.Encoder.Resolution = &z }, encoder.ErrInvalidResolution},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "bolt" }, ErrInvalidBackend},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidLogLevel},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.ErrorIs(t, config.Validate(), tt.err)
		})
	}

	t.Run("pebble backend", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Backend = BackendPebble
		assert.NoError(t, config.Validate())
	})
}

func TestEncoderOptions(t *testing.T) {
	config := DefaultConfig()
	z := 12
	config.Encoder.BlockSize = 512
	config.Encoder.Compression = "none"
	config.Encoder.PartialTiles = "skip"
	config.Encoder.Resolution = &z

	opts, err := config.EncoderOptions()
	require.NoError(t, err)
	assert.Equal(t, 512, opts.BlockSize)
	assert.Equal(t, block.None, opts.Compression)
	assert.Equal(t, encoder.PartialSkip, opts.PartialTiles)
	require.NotNil(t, opts.Resolution)
	assert.Equal(t, 12, *opts.Resolution)
}

func TestRemoteConfig(t *testing.T) {
	config := DefaultConfig()
	config.Remote = Remote{MaxAttempts: 5, Format: "png"}

	rc := config.RemoteConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, "png", rc.Format)
	// zero values fall back to the client defaults
	assert.Equal(t, 60*time.Second, rc.Timeout)
	assert.Equal(t, 30*time.Second, rc.MaxBackoff)
}

func TestTablePath(t *testing.T) {
	dataDir := t.TempDir()
	config := DefaultConfig()
	config.DataDir = dataDir

	assert.Equal(t, filepath.Join(dataDir, "dem.rqt"), config.TablePath("dem.rqt"))
	assert.Equal(t, filepath.Join("tables", "dem.rqt"), config.TablePath(filepath.Join("tables", "dem.rqt")))
	assert.Equal(t, "/abs/dem.rqt", config.TablePath("/abs/dem.rqt"))

	// a table in the working directory wins
	assert.Equal(t, "config_test.go", config.TablePath("config_test.go"))

	config.DataDir = ""
	assert.Equal(t, "dem.rqt", config.TablePath("dem.rqt"))
}

func TestLoggingNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Logging{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "tiles", 3)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"tiles":3`)

	_, err = Logging{Level: "nope"}.NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestLoadConfig(t *testing.T) {
	t.Run("load existing config", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		z := 9
		expectedConfig := DefaultConfig()
		expectedConfig.DataDir = "/custom/data"
		expectedConfig.Encoder.Resolution = &z
		expectedConfig.Remote.MaxBackoff = 2 * time.Minute
		expectedConfig.Server.Port = 9000
		expectedConfig.Server.CORSOrigins = []string{"https://maps.example.com"}
		expectedConfig.Storage.Backend = BackendPebble
		expectedConfig.Logging.Level = "debug"

		err := SaveConfig(expectedConfig, configPath)
		require.NoError(t, err)

		loadedConfig, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, expectedConfig, loadedConfig)
	})

	t.Run("missing keys keep defaults", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "partial.yaml")
		data := "encoder:\n  block_size: 512\nremote:\n  timeout: 5s\n"
		require.NoError(t, os.WriteFile(configPath, []byte(data), 0600))

		config, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, 512, config.Encoder.BlockSize)
		assert.Equal(t, "gzip", config.Encoder.Compression)
		assert.Equal(t, 5*time.Second, config.Remote.Timeout)
		assert.Equal(t, 3, config.Remote.MaxAttempts)
		assert.Equal(t, 9300, config.Server.Port)
	})

	t.Run("load non-existent config", func(t *testing.T) {
		_, err := LoadConfig("/non/existent/config.yaml")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "config file does not exist")
	})

	t.Run("load invalid yaml", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.yaml")
		err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644)
		require.NoError(t, err)

		_, err = LoadConfig(configPath)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestSaveConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	config := DefaultConfig()

	err := SaveConfig(config, configPath)
	require.NoError(t, err)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loadedConfig, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, config, loadedConfig)
}

func TestBootstrapConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	dataDir := "/custom/data/dir"

	config, err := BootstrapConfig(configPath, dataDir)
	require.NoError(t, err)

	assert.Equal(t, dataDir, config.DataDir)
	assert.Equal(t, 9300, config.Server.Port)
	assert.True(t, ConfigExists(configPath))

	loadedConfig, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, config, loadedConfig)
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "raquet")
	assert.Contains(t, path, "config.yaml")
}

func TestConfigExists(t *testing.T) {
	tmpDir := t.TempDir()
	existingPath := filepath.Join(tmpDir, "exists.yaml")
	nonExistentPath := filepath.Join(tmpDir, "does-not-exist.yaml")

	err := os.WriteFile(existingPath, []byte("test"), 0644)
	require.NoError(t, err)

	assert.True(t, ConfigExists(existingPath))
	assert.False(t, ConfigExists(nonExistentPath))
}

func TestConfigYAMLMarshalling(t *testing.T) {
	z := 4
	config := &Config{
		DataDir: "/test/data",
		Encoder: Encoder{BlockSize: 64, Compression: "none", Resolution: &z, PartialTiles: "skip"},
		Remote:  Remote{Timeout: 90 * time.Second, MaxAttempts: 2},
		Server:  Server{Port: 9999, Bind: "localhost"},
		Storage: Storage{Backend: BackendFile},
		Logging: Logging{Level: "warn", Format: "json"},
	}

	data, err := yaml.Marshal(config)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout: 1m30s")

	var unmarshalled Config
	err = yaml.Unmarshal(data, &unmarshalled)
	require.NoError(t, err)

	assert.Equal(t, config, &unmarshalled)
}

func TestSaveConfigErrorHandling(t *testing.T) {
	config := DefaultConfig()

	invalidPath := "/invalid/path/that/cannot/be/created/config.yaml"

	err := SaveConfig(config, invalidPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create config directory")
}
