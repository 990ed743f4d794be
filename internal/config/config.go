// Package config loads the annotator configuration from YAML files and
// THERMAL_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/thermal-annotator/internal/errors"
)

// EnvPrefix prefixes environment overrides, e.g. THERMAL_STORE_BASE_URL
const EnvPrefix = "THERMAL"

// Store kinds
const (
	StoreHTTP   = "http"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds the application configuration
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Annotator AnnotatorConfig `mapstructure:"annotator" yaml:"annotator"`
	Export    ExportConfig    `mapstructure:"export" yaml:"export"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Detector  DetectorConfig  `mapstructure:"detector" yaml:"detector"`
	Render    RenderConfig    `mapstructure:"render" yaml:"render"`
}

// StoreConfig selects and configures the anomaly store
type StoreConfig struct {
	Kind       string        `mapstructure:"kind" yaml:"kind"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SQLitePath string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// AnnotatorConfig holds the editing parameters
type AnnotatorConfig struct {
	HandleRadius   float64 `mapstructure:"handle_radius" yaml:"handle_radius"`
	MaxImageHeight float64 `mapstructure:"max_image_height" yaml:"max_image_height"`
}

// ExportConfig holds configuration for feedback exports
type ExportConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
	Format   string `mapstructure:"format" yaml:"format"`
}

// LoggingConfig mirrors logging.Options
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// DetectorConfig holds configuration for the vision-model detector
type DetectorConfig struct {
	OllamaURL string        `mapstructure:"ollama_url" yaml:"ollama_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxDim    int           `mapstructure:"max_dim" yaml:"max_dim"`
	Quality   int           `mapstructure:"quality" yaml:"quality"`
}

// RenderConfig holds configuration for overlays and crops
type RenderConfig struct {
	Format      string  `mapstructure:"format" yaml:"format"`
	Quality     int     `mapstructure:"quality" yaml:"quality"`
	Lossless    bool    `mapstructure:"lossless" yaml:"lossless"`
	Labels      bool    `mapstructure:"labels" yaml:"labels"`
	CropPadding float64 `mapstructure:"crop_padding" yaml:"crop_padding"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Kind:       StoreMemory,
			BaseURL:    "http://localhost:8080",
			Timeout:    30 * time.Second,
			SQLitePath: "./thermal-annotator.db",
		},
		Annotator: AnnotatorConfig{
			HandleRadius:   0.015,
			MaxImageHeight: 600,
		},
		Export: ExportConfig{
			Dir:      "./output",
			Timezone: "Asia/Colombo",
			Format:   "json",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Detector: DetectorConfig{
			OllamaURL: "http://localhost:11434",
			Model:     "qwen2.5vl:7b",
			Timeout:   300 * time.Second,
			MaxDim:    1024,
			Quality:   85,
		},
		Render: RenderConfig{
			Format:      "png",
			Quality:     90,
			Labels:      true,
			CropPadding: 0.1,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and reading
// THERMAL_* environment overrides
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.base_url", d.Store.BaseURL)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)

	v.SetDefault("annotator.handle_radius", d.Annotator.HandleRadius)
	v.SetDefault("annotator.max_image_height", d.Annotator.MaxImageHeight)

	v.SetDefault("export.dir", d.Export.Dir)
	v.SetDefault("export.timezone", d.Export.Timezone)
	v.SetDefault("export.format", d.Export.Format)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("detector.ollama_url", d.Detector.OllamaURL)
	v.SetDefault("detector.model", d.Detector.Model)
	v.SetDefault("detector.timeout", d.Detector.Timeout)
	v.SetDefault("detector.max_dim", d.Detector.MaxDim)
	v.SetDefault("detector.quality", d.Detector.Quality)

	v.SetDefault("render.format", d.Render.Format)
	v.SetDefault("render.quality", d.Render.Quality)
	v.SetDefault("render.lossless", d.Render.Lossless)
	v.SetDefault("render.labels", d.Render.Labels)
	v.SetDefault("render.crop_padding", d.Render.CropPadding)
}

// Load reads the configuration through v. An explicit path must exist; without
// one the default location is tried and a missing file leaves the defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Dir(GetConfigPath()))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("failed to read config file: %w", err)).
				Component("config").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.New(fmt.Errorf("failed to parse config: %w", err)).
			Component("config").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(filename string) (*Config, error) {
	return Load(NewViper(), filename)
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Kind {
	case StoreHTTP:
		if c.Store.BaseURL == "" {
			add("store.base_url is required for the http store")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite store")
		}
	case StoreMemory:
	default:
		add("store.kind must be one of http, sqlite, memory (got %q)", c.Store.Kind)
	}
	if c.Store.Timeout < 0 {
		add("store.timeout must not be negative")
	}

	if c.Annotator.HandleRadius <= 0 || c.Annotator.HandleRadius > 0.5 {
		add("annotator.handle_radius must be in (0, 0.5]")
	}
	if c.Annotator.MaxImageHeight <= 0 {
		add("annotator.max_image_height must be positive")
	}

	if _, err := time.LoadLocation(c.Export.Timezone); err != nil {
		add("export.timezone: %v", err)
	}
	switch c.Export.Format {
	case "json", "csv":
	default:
		add("export.format must be json or csv (got %q)", c.Export.Format)
	}

	if c.Detector.Quality < 1 || c.Detector.Quality > 100 {
		add("detector.quality must be between 1 and 100")
	}
	if c.Render.Quality < 1 || c.Render.Quality > 100 {
		add("render.quality must be between 1 and 100")
	}
	switch strings.ToLower(c.Render.Format) {
	case "png", "jpg", "jpeg", "webp":
	default:
		add("render.format must be png, jpg or webp (got %q)", c.Render.Format)
	}
	if c.Render.CropPadding < 0 || c.Render.CropPadding > 1 {
		add("render.crop_padding must be between 0 and 1")
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New(errors.Join(errs...)).
		Component("config").
		Category(errors.CategoryValidation).
		Build()
}

// Location returns the timezone of exported timestamps
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Export.Timezone)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "thermal-annotator", "config.yaml")
}
