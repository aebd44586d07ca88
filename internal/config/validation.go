package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateSchedule(&c.Schedule)...)
	errs = append(errs, validateCrypto(&c.Crypto)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateDaemon(&c.Daemon)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.UploadsDir == "" {
		errs = append(errs, *RequiredFieldError("storage.uploads_dir"))
	}
	if s.KeysDir == "" {
		errs = append(errs, *RequiredFieldError("storage.keys_dir"))
	}
	if s.LogsPath == "" {
		errs = append(errs, *RequiredFieldError("storage.logs_path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateSchedule(s *ScheduleConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MinAdvanceMinutes < 0 {
		errs = append(errs, ValidationError{
			Field:   "schedule.min_advance_minutes",
			Message: "minimum advance cannot be negative",
		})
	}
	if s.MaxAdvanceDays < 1 {
		errs = append(errs, ValidationError{
			Field:   "schedule.max_advance_days",
			Message: "maximum advance must be at least 1 day",
		})
	}
	if s.MaxAdvanceDays*24*60 <= s.MinAdvanceMinutes {
		errs = append(errs, ValidationError{
			Field:   "schedule.max_advance_days",
			Message: "maximum advance must exceed minimum advance",
		})
	}
	if s.ExamDurationMinutes < 1 {
		errs = append(errs, ValidationError{
			Field:   "schedule.exam_duration_minutes",
			Message: "exam duration must be at least 1 minute",
		})
	}
	return errs
}

func validateCrypto(c *CryptoConfig) ValidationErrors {
	var errs ValidationErrors

	switch c.RSABits {
	case 2048, 3072, 4096:
	default:
		errs = append(errs, ValidationError{
			Field:   "crypto.rsa_bits",
			Message: fmt.Sprintf("unsupported RSA key size %d (valid: 2048, 3072, 4096)", c.RSABits),
		})
	}
	if c.PaillierBits < 1024 || c.PaillierBits > 8192 {
		errs = append(errs, *RangeError("crypto.paillier_bits", 1024, 8192))
	}
	if c.ScrambleWorkers < 0 {
		errs = append(errs, ValidationError{
			Field:   "crypto.scramble_workers",
			Message: "scramble workers cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file)", l.Output),
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if !m.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.addr",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "path must start with '/'",
		})
	}
	return errs
}

func validateDaemon(d *DaemonConfig) ValidationErrors {
	var errs ValidationErrors
	if d.SweepIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "daemon.sweep_interval_sec",
			Message: "sweep interval must be at least 1 second",
		})
	}
	if d.AutoRelease && d.Operator == "" {
		errs = append(errs, ValidationError{
			Field:   "daemon.operator",
			Message: "operator is required when auto_release is enabled",
		})
	}
	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
