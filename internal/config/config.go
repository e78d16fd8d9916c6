// Package config provides YAML-based configuration with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/doc-extract/backend/internal/models"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Parse backend configuration
	Backend BackendConfig `yaml:"backend"`

	// Defaults for options a request leaves empty
	ParseOptions models.ParseOptions `yaml:"parse_options"`

	// Pushed status channel
	LiveStatus LiveStatusConfig `yaml:"live_status"`

	// Advanced options
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	EnableCORS   bool   `yaml:"enable_cors"`
	AllowOrigins string `yaml:"allow_origins"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
	IdleTimeout  int    `yaml:"idle_timeout_seconds"`
	BodyLimit    string `yaml:"body_limit"`
}

// StorageConfig contains payload storage settings
type StorageConfig struct {
	Driver           string   `yaml:"driver"`
	DataDirectory    string   `yaml:"data_directory"`
	UploadsDirectory string   `yaml:"uploads_directory"`
	OutputDirectory  string   `yaml:"output_directory"`
	S3               S3Config `yaml:"s3"`
}

// S3Config points the payload store at an S3-compatible bucket
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// BackendConfig describes the remote parsing server
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	Variant        string `yaml:"variant"`
	ParsePath      string `yaml:"parse_path"`
	HealthPath     string `yaml:"health_path"`
	OutputURL      string `yaml:"output_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// LiveStatusConfig controls the pushed status socket
type LiveStatusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	MaxRetries  int    `yaml:"max_retries"`
	BaseDelayMs int    `yaml:"base_delay_ms"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `yaml:"log_level"`
	Development          bool   `yaml:"development"`
	EnableRequestLogging bool   `yaml:"enable_request_logging"`
}

// Storage drivers.
const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 330,
			IdleTimeout:  120,
			BodyLimit:    "512M",
		},
		Storage: StorageConfig{
			Driver:           DriverLocal,
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			OutputDirectory:  "./data/output",
			S3: S3Config{
				Region: "auto",
				Prefix: "doc-extract",
			},
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			Variant:        "mineru",
			TimeoutSeconds: 300,
			MaxConcurrent:  4,
		},
		ParseOptions: models.ParseOptions{
			Backend:       "pipeline",
			Lang:          "ch",
			Method:        "auto",
			FormulaEnable: models.Bool(true),
			TableEnable:   models.Bool(true),
			Source:        "huggingface",
		},
		LiveStatus: LiveStatusConfig{
			Enabled:     false,
			MaxRetries:  5,
			BaseDelayMs: 1000,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file is created
// with defaults. A .env file next to the config, if any, is loaded before
// environment overrides are applied.
func LoadConfig(configPath string) (*AppConfig, error) {
	configDir := filepath.Dir(configPath)
	loadDotEnv(configDir)

	config := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	// Resolve relative paths
	config.resolvePaths(configDir)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadDotEnv(dir string) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = filepath.Join(dir, ".env")
	}
	// Missing .env is fine; existing variables win.
	_ = godotenv.Load(envFile)
}

// Save saves the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Document extraction backend configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"PARSE_TIMEOUT", &c.Backend.TimeoutSeconds},
		{"MAX_CONCURRENT", &c.Backend.MaxConcurrent},
	}
	for _, o := range ints {
		v := os.Getenv(o.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", o.key, v)
		}
		*o.dst = n
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"DATA_DIR", &c.Storage.DataDirectory},
		{"OUTPUT_DIR", &c.Storage.OutputDirectory},
		{"STORAGE_DRIVER", &c.Storage.Driver},
		{"PARSE_SERVER_URL", &c.Backend.BaseURL},
		{"PARSE_VARIANT", &c.Backend.Variant},
		{"LOG_LEVEL", &c.Advanced.LogLevel},
		{"S3_ENDPOINT", &c.Storage.S3.Endpoint},
		{"S3_REGION", &c.Storage.S3.Region},
		{"S3_BUCKET", &c.Storage.S3.Bucket},
		{"S3_PREFIX", &c.Storage.S3.Prefix},
		{"S3_ACCESS_KEY_ID", &c.Storage.S3.AccessKey},
		{"S3_SECRET_ACCESS_KEY", &c.Storage.S3.SecretKey},
	}
	for _, o := range strs {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}

	// DATA_DIR moves the uploads directory along with it unless that was set
	// explicitly in the file.
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" && c.Storage.UploadsDirectory == DefaultConfig().Storage.UploadsDirectory {
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
	}

	if v := os.Getenv("LIVE_STATUS_URL"); v != "" {
		c.LiveStatus.URL = v
		c.LiveStatus.Enabled = true
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.OutputDirectory,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// Validate lower-cases the enum settings and rejects settings the server
// cannot run with.
func (c *AppConfig) Validate() error {
	c.Backend.Variant = strings.ToLower(strings.TrimSpace(c.Backend.Variant))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))

	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	switch c.Backend.Variant {
	case "extract", "mineru", "gpu":
	default:
		errs = append(errs, fmt.Errorf("backend.variant must be extract, mineru or gpu, got %q", c.Backend.Variant))
	}
	if c.Backend.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("backend.timeout_seconds must be positive, got %d", c.Backend.TimeoutSeconds))
	}
	if c.Backend.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("backend.max_concurrent must be positive, got %d", c.Backend.MaxConcurrent))
	}
	switch c.Storage.Driver {
	case DriverLocal:
	case DriverS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be local or s3, got %q", c.Storage.Driver))
	}
	if c.LiveStatus.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("live_status.max_retries must not be negative, got %d", c.LiveStatus.MaxRetries))
	}
	return errors.Join(errs...)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// ParseTimeout returns the per-request backend timeout
func (c *AppConfig) ParseTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// LiveStatusURL returns the configured socket URL, or an empty string when
// it should be derived from the backend base URL.
func (c *AppConfig) LiveStatusURL() string {
	return strings.TrimSpace(c.LiveStatus.URL)
}

// LiveStatusBaseDelay returns the reconnect backoff unit
func (c *AppConfig) LiveStatusBaseDelay() time.Duration {
	return time.Duration(c.LiveStatus.BaseDelayMs) * time.Millisecond
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDirectory, c.Storage.OutputDirectory}
	if c.Storage.Driver == DriverLocal {
		dirs = append(dirs, c.Storage.UploadsDirectory)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
