// Package config assembles the runtime configuration shared by every function.
// Values start from defaults, are overlaid by an optional YAML file and finally
// by environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/S1L3NTANG3L/Azure-PDF-Function/internal/gcp"
)

// ConfigPathEnv names the environment variable pointing at an optional YAML file.
const ConfigPathEnv = "PDF_FUNCTIONS_CONFIG"

const (
	defaultMaxUploadBytes  = 256 << 20
	defaultMultipartMemory = 32 << 20
	defaultLibreOfficeBin  = "/usr/bin/libreoffice"
	defaultPollInterval    = 500 * time.Millisecond
	defaultPollAttempts    = 10
	defaultAuthorityURL    = "https://login.microsoftonline.com"
	defaultGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	defaultGraphScope      = "https://graph.microsoft.com/.default"
	defaultRemoteTimeout   = 60 * time.Second
	defaultJobCollection   = "pdf-jobs"
	maxConfigFileSize      = 1 << 20
)

var (
	ErrConfigRead    = errors.New("failed to read config file")
	ErrConfigParse   = errors.New("failed to parse config file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all configuration for the PDF functions.
type Config struct {
	ScratchRoot     string
	MaxUploadBytes  int64
	MultipartMemory int64
	LogLevel        slog.Level
	Converter       ConverterConfig
	Remote          RemoteConfig
	Jobs            JobsConfig
}

// ConverterConfig configures the local LibreOffice conversion backend.
type ConverterConfig struct {
	Binary       string
	PollInterval time.Duration
	PollAttempts int
}

// RemoteConfig configures the Microsoft Graph conversion backend.
type RemoteConfig struct {
	AuthorityURL string
	GraphBaseURL string
	Scope        string
	Timeout      time.Duration
}

// JobsConfig configures the optional Firestore audit trail. Recording is
// enabled only when ProjectID is set.
type JobsConfig struct {
	ProjectID  string
	DatabaseID string
	Collection string
}

// Enabled reports whether job records should be written.
func (j JobsConfig) Enabled() bool { return j.ProjectID != "" }

// fileConfig mirrors the YAML layout. Durations are strings ("500ms").
type fileConfig struct {
	ScratchRoot     string `yaml:"scratchRoot"`
	MaxUploadBytes  int64  `yaml:"maxUploadBytes"`
	MultipartMemory int64  `yaml:"multipartMemory"`
	LogLevel        string `yaml:"logLevel"`
	Converter       struct {
		Binary       string `yaml:"binary"`
		PollInterval string `yaml:"pollInterval"`
		PollAttempts int    `yaml:"pollAttempts"`
	} `yaml:"converter"`
	Remote struct {
		AuthorityURL string `yaml:"authorityUrl"`
		GraphBaseURL string `yaml:"graphBaseUrl"`
		Scope        string `yaml:"scope"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"remote"`
	Jobs struct {
		ProjectID  string `yaml:"projectId"`
		DatabaseID string `yaml:"databaseId"`
		Collection string `yaml:"collection"`
	} `yaml:"jobs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ScratchRoot:     filepath.Join(os.TempDir(), "pdf-functions"),
		MaxUploadBytes:  defaultMaxUploadBytes,
		MultipartMemory: defaultMultipartMemory,
		LogLevel:        slog.LevelInfo,
		Converter: ConverterConfig{
			Binary:       defaultLibreOfficeBin,
			PollInterval: defaultPollInterval,
			PollAttempts: defaultPollAttempts,
		},
		Remote: RemoteConfig{
			AuthorityURL: defaultAuthorityURL,
			GraphBaseURL: defaultGraphBaseURL,
			Scope:        defaultGraphScope,
			Timeout:      defaultRemoteTimeout,
		},
		Jobs: JobsConfig{
			Collection: defaultJobCollection,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// PDF_FUNCTIONS_CONFIG and the environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := gcp.GetEnv(ConfigPathEnv, ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrConfigRead, path, err)
	}
	if len(data) > maxConfigFileSize {
		return fmt.Errorf("%w %s: file exceeds %d bytes", ErrConfigParse, path, maxConfigFileSize)
	}
	if len(data) == 0 {
		return nil
	}

	var fc fileConfig
	if err := yaml.UnmarshalWithOptions(data, &fc, yaml.Strict()); err != nil {
		return fmt.Errorf("%w %s: %v", ErrConfigParse, path, err)
	}

	setString(&c.ScratchRoot, fc.ScratchRoot)
	setInt64(&c.MaxUploadBytes, fc.MaxUploadBytes)
	setInt64(&c.MultipartMemory, fc.MultipartMemory)
	setString(&c.Converter.Binary, fc.Converter.Binary)
	if fc.Converter.PollAttempts != 0 {
		c.Converter.PollAttempts = fc.Converter.PollAttempts
	}
	setString(&c.Remote.AuthorityURL, fc.Remote.AuthorityURL)
	setString(&c.Remote.GraphBaseURL, fc.Remote.GraphBaseURL)
	setString(&c.Remote.Scope, fc.Remote.Scope)
	setString(&c.Jobs.ProjectID, fc.Jobs.ProjectID)
	setString(&c.Jobs.DatabaseID, fc.Jobs.DatabaseID)
	setString(&c.Jobs.Collection, fc.Jobs.Collection)

	if err := setLevel(&c.LogLevel, fc.LogLevel); err != nil {
		return fmt.Errorf("%w %s: logLevel: %v", ErrConfigParse, path, err)
	}
	if err := setDuration(&c.Converter.PollInterval, fc.Converter.PollInterval); err != nil {
		return fmt.Errorf("%w %s: converter.pollInterval: %v", ErrConfigParse, path, err)
	}
	if err := setDuration(&c.Remote.Timeout, fc.Remote.Timeout); err != nil {
		return fmt.Errorf("%w %s: remote.timeout: %v", ErrConfigParse, path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ScratchRoot = gcp.GetEnv("SCRATCH_ROOT", c.ScratchRoot)
	c.Converter.Binary = gcp.GetEnv("LIBRE_OFFICE_BIN", c.Converter.Binary)
	c.Remote.AuthorityURL = gcp.GetEnv("GRAPH_AUTHORITY_URL", c.Remote.AuthorityURL)
	c.Remote.GraphBaseURL = gcp.GetEnv("GRAPH_BASE_URL", c.Remote.GraphBaseURL)
	c.Remote.Scope = gcp.GetEnv("GRAPH_SCOPE", c.Remote.Scope)
	c.Jobs.ProjectID = gcp.GetEnv("PROJECT_ID", c.Jobs.ProjectID)
	c.Jobs.DatabaseID = gcp.GetEnv("FIRESTORE_DATABASE", c.Jobs.DatabaseID)
	c.Jobs.Collection = gcp.GetEnv("FIRESTORE_COLLECTION", c.Jobs.Collection)

	if v := gcp.GetEnv("MAX_UPLOAD_BYTES", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAX_UPLOAD_BYTES: %v", ErrInvalidConfig, err)
		}
		c.MaxUploadBytes = n
	}
	if v := gcp.GetEnv("CONVERT_POLL_ATTEMPTS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CONVERT_POLL_ATTEMPTS: %v", ErrInvalidConfig, err)
		}
		c.Converter.PollAttempts = n
	}
	if err := setDuration(&c.Converter.PollInterval, gcp.GetEnv("CONVERT_POLL_INTERVAL", "")); err != nil {
		return fmt.Errorf("%w: CONVERT_POLL_INTERVAL: %v", ErrInvalidConfig, err)
	}
	if err := setDuration(&c.Remote.Timeout, gcp.GetEnv("REMOTE_TIMEOUT", "")); err != nil {
		return fmt.Errorf("%w: REMOTE_TIMEOUT: %v", ErrInvalidConfig, err)
	}
	if err := setLevel(&c.LogLevel, gcp.GetEnv("LOG_LEVEL", "")); err != nil {
		return fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ScratchRoot == "" {
		return fmt.Errorf("%w: scratch root must be set", ErrInvalidConfig)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: max upload bytes must be positive, got %d", ErrInvalidConfig, c.MaxUploadBytes)
	}
	if c.MultipartMemory <= 0 {
		return fmt.Errorf("%w: multipart memory must be positive, got %d", ErrInvalidConfig, c.MultipartMemory)
	}
	if c.Converter.Binary == "" {
		return fmt.Errorf("%w: converter binary must be set", ErrInvalidConfig)
	}
	if c.Converter.PollAttempts <= 0 {
		return fmt.Errorf("%w: poll attempts must be positive, got %d", ErrInvalidConfig, c.Converter.PollAttempts)
	}
	if c.Converter.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidConfig, c.Converter.PollInterval)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("%w: remote timeout must be positive, got %s", ErrInvalidConfig, c.Remote.Timeout)
	}
	if c.Jobs.Enabled() && c.Jobs.Collection == "" {
		return fmt.Errorf("%w: FIRESTORE_COLLECTION must be set when PROJECT_ID is set", ErrInvalidConfig)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setLevel(dst *slog.Level, v string) error {
	if v == "" {
		return nil
	}
	return dst.UnmarshalText([]byte(strings.ToUpper(v)))
}
