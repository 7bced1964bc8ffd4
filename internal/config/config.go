// Package config provides YAML-based configuration loading for clinicast.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level clinicast configuration, loaded from
// clinicast.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	Limits      LimitsConfig      `yaml:"limits"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Speech      SpeechConfig      `yaml:"speech"`
	Retention   RetentionConfig   `yaml:"retention"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects and configures the session database. Driver is
// "sqlite" (default, single node) or "mysql". Session updates are
// serialized by in-process locks, so a single service instance must own
// the database regardless of driver.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
}

// StorageConfig holds the blob storage root for uploads and artifacts.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// LimitsConfig bounds intake.
type LimitsConfig struct {
	MaxUploadMB  int `yaml:"max_upload_mb"`
	MaxMaterials int `yaml:"max_materials"`
}

// PipelineConfig holds the retry, timeout and liveness tunables for the
// processing pipeline. These are the only retry/backoff knobs.
type PipelineConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

// TranscriberConfig configures the local transcription binary and the
// document/link extraction helpers.
type TranscriberConfig struct {
	BinaryPath   string        `yaml:"binary_path"`
	ModelPath    string        `yaml:"model_path"`
	Language     string        `yaml:"language"`
	Threads      int           `yaml:"threads"`
	PdfToText    string        `yaml:"pdftotext_path"`
	LinkTimeout  time.Duration `yaml:"link_timeout"`
	LinkMaxBytes int64         `yaml:"link_max_bytes"`
}

// SummarizerConfig configures the Gemini-backed summarization and script
// generation adapters. Multiple API keys are rotated on quota errors.
type SummarizerConfig struct {
	APIKeys []string `yaml:"api_keys"`
	Model   string   `yaml:"model"`
}

// SpeechConfig configures the local text-to-speech binary.
type SpeechConfig struct {
	BinaryPath string `yaml:"binary_path"`
	VoiceDir   string `yaml:"voice_dir"`
}

// RetentionConfig controls session expiry and the cleanup sweep.
type RetentionConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
	SweepEvery time.Duration `yaml:"sweep_every"`
}

// WatchConfig configures the inbox watch mode: audio files dropped into
// Dir are ingested as new sessions automatically.
type WatchConfig struct {
	Dir           string `yaml:"dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied and no external
// services configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "clinicast.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "clinicast"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Limits.MaxUploadMB == 0 {
		c.Limits.MaxUploadMB = 30
	}
	if c.Limits.MaxMaterials == 0 {
		c.Limits.MaxMaterials = 10
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.BackoffBase == 0 {
		c.Pipeline.BackoffBase = 2 * time.Second
	}
	if c.Pipeline.StageTimeout == 0 {
		c.Pipeline.StageTimeout = 5 * time.Minute
	}
	if c.Pipeline.HeartbeatEvery == 0 {
		c.Pipeline.HeartbeatEvery = 10 * time.Second
	}
	if c.Pipeline.StaleAfter == 0 {
		c.Pipeline.StaleAfter = 2 * time.Minute
	}
	if c.Pipeline.MaxConcurrent == 0 {
		c.Pipeline.MaxConcurrent = 4
	}
	if c.Transcriber.Language == "" {
		c.Transcriber.Language = "en"
	}
	if c.Transcriber.Threads == 0 {
		c.Transcriber.Threads = 4
	}
	if c.Transcriber.PdfToText == "" {
		c.Transcriber.PdfToText = "pdftotext"
	}
	if c.Transcriber.LinkTimeout == 0 {
		c.Transcriber.LinkTimeout = 30 * time.Second
	}
	if c.Transcriber.LinkMaxBytes == 0 {
		c.Transcriber.LinkMaxBytes = 5 << 20
	}
	if c.Summarizer.Model == "" {
		c.Summarizer.Model = "gemini-2.5-flash"
	}
	if c.Retention.SessionTTL == 0 {
		c.Retention.SessionTTL = 4 * time.Hour
	}
	if c.Retention.SweepEvery == 0 {
		c.Retention.SweepEvery = 10 * time.Minute
	}
	if c.Watch.MaxConcurrent == 0 {
		c.Watch.MaxConcurrent = 2
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Limits.MaxUploadMB < 0 {
		errs = append(errs, "limits.max_upload_mb must not be negative")
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, "pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.StaleAfter <= c.Pipeline.HeartbeatEvery {
		errs = append(errs, "pipeline.stale_after must exceed pipeline.heartbeat_every")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MaxUploadBytes returns the intake size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Limits.MaxUploadMB) << 20
}
