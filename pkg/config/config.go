/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/encoder"
	"github.com/ssargent/raquet/pkg/imageserver"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

var (
	ErrInvalidBackend   = errors.New("invalid storage backend")
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrInvalidLogLevel  = errors.New("invalid log level")
)

// Config represents the raquet configuration
type Config struct {
	// DataDir holds tables named without a directory.
	DataDir string  `yaml:"data_dir"`
	Encoder Encoder `yaml:"encoder"`
	Remote  Remote  `yaml:"remote"`
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
}

// Encoder holds the defaults for encode and fetch.
type Encoder struct {
	BlockSize      int    `yaml:"block_size"`
	Compression    string `yaml:"compression"`
	SkipEmpty      bool   `yaml:"skip_empty"`
	CalculateStats bool   `yaml:"calculate_stats"`
	// Resolution pins the tile zoom. Unset means pick it from the source.
	Resolution   *int   `yaml:"resolution"`
	PartialTiles string `yaml:"partial_tiles"`
}

// Remote configures the ImageServer client.
type Remote struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Format         string        `yaml:"format"`
	UserAgent      string        `yaml:"user_agent"`
}

// Server configures the block API.
type Server struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
	// APIKey, when set, is required in the X-API-Key header of /api/v1.
	APIKey      string   `yaml:"api_key,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// Storage selects the table backend.
type Storage struct {
	Backend string `yaml:"backend"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	opts := encoder.DefaultOptions()
	remote := imageserver.DefaultConfig()
	return &Config{
		DataDir: "./data",
		Encoder: Encoder{
			BlockSize:      opts.BlockSize,
			Compression:    string(opts.Compression),
			SkipEmpty:      opts.SkipEmpty,
			CalculateStats: opts.CalculateStats,
			PartialTiles:   string(opts.PartialTiles),
		},
		Remote: Remote{
			Timeout:        remote.Timeout,
			MaxAttempts:    remote.MaxAttempts,
			InitialBackoff: remote.InitialBackoff,
			MaxBackoff:     remote.MaxBackoff,
			Format:         remote.Format,
			UserAgent:      remote.UserAgent,
		},
		Server: Server{
			Port: 9300,
			Bind: "127.0.0.1",
		},
		Storage: Storage{
			Backend: BackendFile,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every section. It does no I/O.
func (c *Config) Validate() error {
	if _, err := c.EncoderOptions(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendFile, BackendPebble:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Storage.Backend)
	}
	if _, err := c.Logging.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}
	return nil
}

// EncoderOptions converts the encoder section. Collaborators such as the
// reprojector are left for the caller to set.
func (c *Config) EncoderOptions() (encoder.Options, error) {
	compression, err := block.ParseCompression(c.Encoder.Compression)
	if err != nil {
		return encoder.Options{}, err
	}
	partial, err := encoder.ParsePartialPolicy(c.Encoder.PartialTiles)
	if err != nil {
		return encoder.Options{}, err
	}
	opts := encoder.Options{
		BlockSize:      c.Encoder.BlockSize,
		Compression:    compression,
		SkipEmpty:      c.Encoder.SkipEmpty,
		CalculateStats: c.Encoder.CalculateStats,
		Resolution:     c.Encoder.Resolution,
		PartialTiles:   partial,
	}
	if err := opts.Validate(); err != nil {
		return encoder.Options{}, err
	}
	return opts, nil
}

// RemoteConfig converts the remote section, falling back to the client
// defaults for zero values.
func (c *Config) RemoteConfig() imageserver.Config {
	rc := imageserver.DefaultConfig()
	if c.Remote.Timeout > 0 {
		rc.Timeout = c.Remote.Timeout
	}
	if c.Remote.MaxAttempts > 0 {
		rc.MaxAttempts = c.Remote.MaxAttempts
	}
	if c.Remote.InitialBackoff > 0 {
		rc.InitialBackoff = c.Remote.InitialBackoff
	}
	if c.Remote.MaxBackoff > 0 {
		rc.MaxBackoff = c.Remote.MaxBackoff
	}
	if c.Remote.Format != "" {
		rc.Format = c.Remote.Format
	}
	if c.Remote.UserAgent != "" {
		rc.UserAgent = c.Remote.UserAgent
	}
	return rc
}

// Addr returns the listen address of the block API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// TablePath resolves a table named without a directory against DataDir,
// unless a table of that name exists in the working directory.
func (c *Config) TablePath(path string) string {
	if c.DataDir == "" || filepath.Base(path) != path {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

func (l Logging) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}
	return level, nil
}

// NewLogger builds a slog logger writing to w with the configured level
// and format.
func (l Logging) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidLogFormat, l.Format)
}

// LoadConfig loads configuration from the specified path
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Missing keys keep their defaults.
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BootstrapConfig writes a default configuration rooted at dataDir.
func BootstrapConfig(configPath string, dataDir string) (*Config, error) {
	config := DefaultConfig()
	if dataDir != "" {
		config.DataDir = dataDir
	}

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./raquet.yaml"
	}

	// For Linux/macOS, use ~/.config/raquet/config.yaml
	configDir := filepath.Join(homeDir, ".config", "raquet")
	return filepath.Join(configDir, "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
