package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("EXAMSEAL_DATA_DIR", "/srv/examseal")
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.MinAdvance() != 30*time.Minute {
		t.Errorf("expected min advance 30m, got %v", cfg.MinAdvance())
	}
	if cfg.MaxAdvance() != 365*24*time.Hour {
		t.Errorf("expected max advance 365d, got %v", cfg.MaxAdvance())
	}
	if cfg.ExamDuration() != 3*time.Hour {
		t.Errorf("expected exam duration 3h, got %v", cfg.ExamDuration())
	}
	if !strings.HasPrefix(cfg.Storage.UploadsDir, "/srv/examseal") {
		t.Errorf("uploads dir should honor EXAMSEAL_DATA_DIR: %s", cfg.Storage.UploadsDir)
	}
	if filepath.Base(cfg.Storage.LogsPath) != "logs.json" {
		t.Errorf("unexpected logs path: %s", cfg.Storage.LogsPath)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("EXAMSEAL_DATA_DIR", "/srv/examseal")
	if got := ConfigPath(); got != filepath.Join("/srv/examseal", "config.toml") {
		t.Errorf("unexpected config path %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Crypto.RSABits != 2048 {
		t.Errorf("expected default rsa bits, got %d", cfg.Crypto.RSABits)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[storage]
uploads_dir = "/data/uploads"
logs_path = "/data/logs/logs.json"

[schedule]
min_advance_minutes = 45

[crypto]
paillier_bits = 2048
scramble_workers = 4
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.UploadsDir != "/data/uploads" {
		t.Errorf("uploads dir: got %s", cfg.Storage.UploadsDir)
	}
	if cfg.Schedule.MinAdvanceMinutes != 45 {
		t.Errorf("min advance: got %d", cfg.Schedule.MinAdvanceMinutes)
	}
	if cfg.Schedule.MaxAdvanceDays != 365 {
		t.Errorf("unset fields should keep defaults, got %d", cfg.Schedule.MaxAdvanceDays)
	}
	if cfg.Crypto.PaillierBits != 2048 || cfg.Crypto.ScrambleWorkers != 4 {
		t.Errorf("crypto section not decoded: %+v", cfg.Crypto)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"daemon":{"sweep_interval_sec":15,"auto_release":true}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Daemon.SweepIntervalSec != 15 || !cfg.Daemon.AutoRelease {
		t.Errorf("daemon section not decoded: %+v", cfg.Daemon)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("logging:\n  level: debug\n  format: json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging section not decoded: %+v", cfg.Logging)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage\nuploads_dir = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXAMSEAL_UPLOADS_DIR", "/env/uploads")
	t.Setenv("EXAMSEAL_LOG_LEVEL", "warn")
	t.Setenv("EXAMSEAL_PAILLIER_BITS", "2048")
	t.Setenv("EXAMSEAL_CATALOG_PATH", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.UploadsDir != "/env/uploads" {
		t.Errorf("uploads override ignored: %s", cfg.Storage.UploadsDir)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level override ignored: %s", cfg.Logging.Level)
	}
	if cfg.Crypto.PaillierBits != 2048 {
		t.Errorf("paillier override ignored: %d", cfg.Crypto.PaillierBits)
	}
	if cfg.Storage.CatalogPath != "" {
		t.Errorf("empty catalog override should disable the catalog: %s", cfg.Storage.CatalogPath)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.UploadsDir = ""
	cfg.Crypto.RSABits = 1024
	cfg.Logging.Level = "verbose"
	cfg.Daemon.SweepIntervalSec = 0

	err := cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	want := map[string]bool{
		"storage.uploads_dir":       false,
		"crypto.rsa_bits":           false,
		"logging.level":             false,
		"daemon.sweep_interval_sec": false,
	}
	for _, f := range verrs.Fields() {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("missing validation error for %s", f)
		}
	}
}

func TestValidateScheduleWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule.MinAdvanceMinutes = 2 * 24 * 60
	cfg.Schedule.MaxAdvanceDays = 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when min advance exceeds max advance")
	}
}

func TestValidateMetricsAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "not-an-addr"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid metrics address")
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.UploadsDir = filepath.Join(base, "a", "uploads")
	cfg.Storage.KeysDir = filepath.Join(base, "b", "keys")
	cfg.Storage.LogsPath = filepath.Join(base, "c", "logs.json")
	cfg.Storage.CatalogPath = filepath.Join(base, "d", "catalog.db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{"a/uploads", "b/keys", "c", "d"} {
		if st, err := os.Stat(filepath.Join(base, dir)); err != nil || !st.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)
			cfg := DefaultConfig()
			cfg.Crypto.ScrambleWorkers = 3
			cfg.Daemon.Operator = "registrar"

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Crypto.ScrambleWorkers != 3 || loaded.Daemon.Operator != "registrar" {
				t.Errorf("round trip lost values: %+v %+v", loaded.Crypto, loaded.Daemon)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected config to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should load the existing file")
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Storage.UploadsDir = "/elsewhere"
	if cfg.Storage.UploadsDir == "/elsewhere" {
		t.Error("clone shares state with original")
	}
}

func TestPassphrase(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Passphrase() != nil {
		t.Error("no passphrase env configured")
	}
	cfg.Crypto.PassphraseEnv = "EXAMSEAL_TEST_PASSPHRASE"
	t.Setenv("EXAMSEAL_TEST_PASSPHRASE", "correct horse")
	if string(cfg.Passphrase()) != "correct horse" {
		t.Errorf("unexpected passphrase %q", cfg.Passphrase())
	}
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[daemon]\nsweep_interval_sec = 10\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan int, 1)
	loader.OnChange(func(old, new *Config) {
		changed <- new.Daemon.SweepIntervalSec
	})

	if err := os.WriteFile(path, []byte("[daemon]\nsweep_interval_sec = 20\n"), 0600); err != nil {
		t.Fatal(err)
	}
	loader.Reload()

	select {
	case got := <-changed:
		if got != 20 {
			t.Errorf("expected reloaded interval 20, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("OnChange not invoked")
	}
	if loader.Config().Daemon.SweepIntervalSec != 20 {
		t.Error("loader did not swap in new config")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[daemon]\nsweep_interval_sec = 10\n"), 0600); err != nil {
		t.Fatal(err)
	}
	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("[daemon]\nsweep_interval_sec = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	loader.Reload()

	select {
	case err := <-loader.Errors():
		if err == nil {
			t.Error("expected validation error")
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported for invalid reload")
	}
	if loader.Config().Daemon.SweepIntervalSec != 10 {
		t.Error("invalid config must not replace the current one")
	}
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[daemon]\nsweep_interval_sec = 10\n"), 0600); err != nil {
		t.Fatal(err)
	}
	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 4)
	loader.OnChange(func(old, new *Config) {
		if new.Daemon.SweepIntervalSec == 30 {
			changed <- struct{}{}
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("[daemon]\nsweep_interval_sec = 30\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not pick up the change")
	}
}
