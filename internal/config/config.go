package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued fields.
const (
	DefaultDownloadConcurrency = 4
	DefaultKeepVersions        = 2
	DefaultPayloadPrefix       = "lib/"
	DefaultMaxRetries          = 3
	DefaultInitialInterval     = 500 * time.Millisecond
	DefaultMaxInterval         = 10 * time.Second
	DefaultCheckInterval       = 15 * time.Minute
)

// Config represents the complete relsyncd configuration
type Config struct {
	App     AppConfig     `yaml:"app"`
	Source  SourceConfig  `yaml:"source"`
	Install InstallConfig `yaml:"install"`
	Retry   RetryConfig   `yaml:"retry"`
	Serve   ServeConfig   `yaml:"serve"`
}

// AppConfig identifies the managed application and where it is installed
type AppConfig struct {
	ID      string `yaml:"id"`
	RootDir string `yaml:"root_dir"`
}

// SourceConfig configures where releases are published
type SourceConfig struct {
	URL       string `yaml:"url"`
	TokenFile string `yaml:"token_file"`
	Region    string `yaml:"region"`
}

// InstallConfig configures how releases are applied
type InstallConfig struct {
	DownloadConcurrency int           `yaml:"download_concurrency"`
	KeepVersions        int           `yaml:"keep_versions"`
	LockWait            time.Duration `yaml:"lock_wait"`
	// PayloadPrefix is the archive directory holding installed files. "/"
	// extracts the whole archive.
	PayloadPrefix string `yaml:"payload_prefix"`
}

// RetryConfig configures retries of transient download failures
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ServeConfig configures the long-running update daemon
type ServeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	AllowedPackages   []string      `yaml:"allowed_packages"`
	Metrics           bool          `yaml:"metrics"`
}

// DefaultPath returns the config file used when none is given
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "relsyncd", "config.yaml"), nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.App.ID = os.ExpandEnv(c.App.ID)
	c.App.RootDir = os.ExpandEnv(c.App.RootDir)
	c.Source.URL = os.ExpandEnv(c.Source.URL)
	c.Source.TokenFile = os.ExpandEnv(c.Source.TokenFile)
	c.Source.Region = os.ExpandEnv(c.Source.Region)
	c.Install.PayloadPrefix = os.ExpandEnv(c.Install.PayloadPrefix)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Install.DownloadConcurrency == 0 {
		c.Install.DownloadConcurrency = DefaultDownloadConcurrency
	}
	if c.Install.KeepVersions == 0 {
		c.Install.KeepVersions = DefaultKeepVersions
	}
	if c.Install.PayloadPrefix == "" {
		c.Install.PayloadPrefix = DefaultPayloadPrefix
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = DefaultInitialInterval
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = DefaultMaxInterval
	}
	if c.Serve.CheckInterval == 0 {
		c.Serve.CheckInterval = DefaultCheckInterval
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.App.RootDir == "" {
		return fmt.Errorf("app.root_dir is required")
	}
	if !filepath.IsAbs(c.App.RootDir) {
		return fmt.Errorf("app.root_dir must be an absolute path: %s", c.App.RootDir)
	}

	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	switch c.SourceScheme() {
	case "http", "https", "s3", "file", "":
		// valid
	default:
		return fmt.Errorf("unsupported source.url scheme %q (must be http, https, s3, file or a path)", c.SourceScheme())
	}
	if c.SourceScheme() == "" && !filepath.IsAbs(c.Source.URL) {
		return fmt.Errorf("source.url must be a URL or an absolute path: %s", c.Source.URL)
	}
	if c.Source.TokenFile != "" && !c.IsHTTP() {
		return fmt.Errorf("source.token_file is set but source.url is not an http(s) URL")
	}

	if c.Install.DownloadConcurrency < 1 {
		return fmt.Errorf("install.download_concurrency must be at least 1")
	}
	if c.Install.KeepVersions < 1 {
		return fmt.Errorf("install.keep_versions must be at least 1")
	}
	if c.Install.LockWait < 0 {
		return fmt.Errorf("install.lock_wait must not be negative")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}

	if c.Serve.CheckInterval < 0 {
		return fmt.Errorf("serve.check_interval must not be negative")
	}
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// PackagesDir returns the directory holding cached packages and the local
// RELEASES file
func (c *Config) PackagesDir() string {
	return filepath.Join(c.App.RootDir, "packages")
}

// AppDir returns the install directory of a release version
func (c *Config) AppDir(version string) string {
	return filepath.Join(c.App.RootDir, "app-"+version)
}

// PayloadPrefix returns the archive prefix to extract, "" meaning all entries
func (c *Config) PayloadPrefix() string {
	if c.Install.PayloadPrefix == "/" {
		return ""
	}
	return c.Install.PayloadPrefix
}

// SourceScheme returns the lowercased URL scheme of the source, or "" for a
// plain path
func (c *Config) SourceScheme() string {
	i := strings.Index(c.Source.URL, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(c.Source.URL[:i])
}

// IsHTTP returns true if the source is an http(s) URL
func (c *Config) IsHTTP() bool {
	s := c.SourceScheme()
	return s == "http" || s == "https"
}

// IsS3 returns true if the source is an s3:// URL
func (c *Config) IsS3() bool {
	return c.SourceScheme() == "s3"
}

// PackageAllowed reports whether webhook notifications for id should trigger
// an update. With no allow list only the configured app id passes; with
// neither every package passes.
func (c *Config) PackageAllowed(id string) bool {
	if len(c.Serve.AllowedPackages) == 0 {
		return c.App.ID == "" || strings.EqualFold(c.App.ID, id)
	}
	for _, allowed := range c.Serve.AllowedPackages {
		if strings.EqualFold(allowed, id) {
			return true
		}
	}
	return false
}
