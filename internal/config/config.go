// Package config handles configuration loading, validation, and management for examseal.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete examseal configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage locations of sealed assets, keys and logs.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Schedule bounds for release times.
	Schedule ScheduleConfig `toml:"schedule" json:"schedule" yaml:"schedule"`

	// Crypto parameters for key generation and scrambling.
	Crypto CryptoConfig `toml:"crypto" json:"crypto" yaml:"crypto"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics exposition.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Daemon settings for examseald.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	// UploadsDir holds one directory per sealed exam.
	UploadsDir string `toml:"uploads_dir" json:"uploads_dir" yaml:"uploads_dir"`

	// KeysDir holds the admin RSA key pair and the Paillier key pair.
	KeysDir string `toml:"keys_dir" json:"keys_dir" yaml:"keys_dir"`

	// LogsPath is the audit log file (logs.json).
	LogsPath string `toml:"logs_path" json:"logs_path" yaml:"logs_path"`

	// CatalogPath is the sqlite asset catalog and audit anchor.
	// Empty disables the catalog.
	CatalogPath string `toml:"catalog_path" json:"catalog_path" yaml:"catalog_path"`

	// BusyTimeoutMs is the sqlite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// ScheduleConfig bounds how far ahead a release may be scheduled.
type ScheduleConfig struct {
	MinAdvanceMinutes int `toml:"min_advance_minutes" json:"min_advance_minutes" yaml:"min_advance_minutes"`
	MaxAdvanceDays    int `toml:"max_advance_days" json:"max_advance_days" yaml:"max_advance_days"`

	// ExamDurationMinutes is the active window after release.
	ExamDurationMinutes int `toml:"exam_duration_minutes" json:"exam_duration_minutes" yaml:"exam_duration_minutes"`
}

// CryptoConfig holds key sizes and scrambling parallelism.
type CryptoConfig struct {
	RSABits      int `toml:"rsa_bits" json:"rsa_bits" yaml:"rsa_bits"`
	PaillierBits int `toml:"paillier_bits" json:"paillier_bits" yaml:"paillier_bits"`

	// ScrambleWorkers bounds parallel page scrambling. 0 means GOMAXPROCS.
	ScrambleWorkers int `toml:"scramble_workers" json:"scramble_workers" yaml:"scramble_workers"`

	// PassphraseEnv names an environment variable holding the passphrase
	// that seals the admin private key at rest. Empty stores it as plain PEM.
	PassphraseEnv string `toml:"passphrase_env" json:"passphrase_env" yaml:"passphrase_env"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level" yaml:"level"`
	Format   string `toml:"format" json:"format" yaml:"format"`
	Output   string `toml:"output" json:"output" yaml:"output"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DaemonConfig controls the release sweep in examseald.
type DaemonConfig struct {
	// SweepIntervalSec is how often scheduled exams are checked.
	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`

	// AutoRelease releases keys as soon as an exam becomes releasable.
	AutoRelease bool `toml:"auto_release" json:"auto_release" yaml:"auto_release"`

	// Operator is the user recorded in the audit log for automatic releases.
	Operator string `toml:"operator" json:"operator" yaml:"operator"`

	// VerifyLogOnStart verifies the audit chain at startup.
	VerifyLogOnStart bool `toml:"verify_log_on_start" json:"verify_log_on_start" yaml:"verify_log_on_start"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ExamsealDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			UploadsDir:    filepath.Join(dir, "uploads"),
			KeysDir:       filepath.Join(dir, "keys"),
			LogsPath:      filepath.Join(dir, "logs", "logs.json"),
			CatalogPath:   filepath.Join(dir, "catalog.db"),
			BusyTimeoutMs: 5000,
		},
		Schedule: ScheduleConfig{
			MinAdvanceMinutes:   30,
			MaxAdvanceDays:      365,
			ExamDurationMinutes: 180,
		},
		Crypto: CryptoConfig{
			RSABits:         2048,
			PaillierBits:    3072,
			ScrambleWorkers: 0,
			PassphraseEnv:   "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Daemon: DaemonConfig{
			SweepIntervalSec: 60,
			AutoRelease:      false,
			Operator:         "examseald",
			VerifyLogOnStart: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ExamsealDir(), "config.toml")
}

// ExamsealDir returns the base data directory, honoring EXAMSEAL_DATA_DIR.
func ExamsealDir() string {
	if envDir := os.Getenv("EXAMSEAL_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.UploadsDir,
		c.Storage.KeysDir,
		filepath.Dir(c.Storage.LogsPath),
	}
	if c.Storage.CatalogPath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.CatalogPath))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with EXAMSEAL_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("EXAMSEAL_UPLOADS_DIR"); v != "" {
		c.Storage.UploadsDir = v
	}
	if v := os.Getenv("EXAMSEAL_KEYS_DIR"); v != "" {
		c.Storage.KeysDir = v
	}
	if v := os.Getenv("EXAMSEAL_LOGS_PATH"); v != "" {
		c.Storage.LogsPath = v
	}
	if v, ok := os.LookupEnv("EXAMSEAL_CATALOG_PATH"); ok {
		c.Storage.CatalogPath = v
	}

	if v := os.Getenv("EXAMSEAL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EXAMSEAL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("EXAMSEAL_PAILLIER_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Crypto.PaillierBits = n
		}
	}
	if v := os.Getenv("EXAMSEAL_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Storage:  c.Storage,
		Schedule: c.Schedule,
		Crypto:   c.Crypto,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
		Daemon:   c.Daemon,
	}
}

// MinAdvance returns the minimum scheduling lead time.
func (c *Config) MinAdvance() time.Duration {
	return time.Duration(c.Schedule.MinAdvanceMinutes) * time.Minute
}

// MaxAdvance returns the maximum scheduling lead time.
func (c *Config) MaxAdvance() time.Duration {
	return time.Duration(c.Schedule.MaxAdvanceDays) * 24 * time.Hour
}

// ExamDuration returns the active exam window after release.
func (c *Config) ExamDuration() time.Duration {
	return time.Duration(c.Schedule.ExamDurationMinutes) * time.Minute
}

// SweepInterval returns the daemon sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Daemon.SweepIntervalSec) * time.Second
}

// Passphrase resolves the key-sealing passphrase from the environment.
func (c *Config) Passphrase() []byte {
	if c.Crypto.PassphraseEnv == "" {
		return nil
	}
	v := os.Getenv(c.Crypto.PassphraseEnv)
	if v == "" {
		return nil
	}
	return []byte(v)
}

// SaveConfig writes cfg to path in the format implied by its extension.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = encodeJSON(cfg)
	case ".yaml", ".yml":
		data, err = encodeYAML(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
