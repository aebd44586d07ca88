package sealing

import (
	"errors"
	"fmt"
	"time"

	"examseal/internal/asset"
	"examseal/internal/auditlog"
	"examseal/internal/config"
	"examseal/internal/keystore"
	"examseal/internal/keyvault"
	"examseal/internal/logging"
	"examseal/internal/metadata"
	"examseal/internal/metrics"
	"examseal/internal/store"
)

// NewLogger builds a logger from the logging section of cfg.
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Level != "" {
		lvl, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = lvl
	}
	if cfg.Format != "" {
		f, err := logging.ParseFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		lc.Format = f
	}
	if cfg.Output != "" {
		lc.Output = cfg.Output
	}
	lc.FilePath = cfg.FilePath
	return logging.New(lc)
}

// Runtime bundles a Service with the resources it owns.
type Runtime struct {
	*Service

	Config  *config.Config
	Keys    *keystore.Manager
	Catalog *store.Store
	Metrics *metrics.ExamsealMetrics
	Logger  *logging.Logger
}

// Open wires every component described by cfg. reg may be nil when metrics
// are not exported.
func Open(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	keys, err := keystore.New(keystore.Options{
		Dir:          cfg.Storage.KeysDir,
		RSABits:      cfg.Crypto.RSABits,
		PaillierBits: cfg.Crypto.PaillierBits,
		Passphrase:   cfg.Passphrase(),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Keys: keys, Logger: logger}
	if reg != nil {
		rt.Metrics = metrics.NewExamsealMetrics(reg)
	}

	var anchor auditlog.Anchor
	if cfg.Storage.CatalogPath != "" {
		busy := time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond
		if busy <= 0 {
			busy = store.DefaultBusyTimeout
		}
		rt.Catalog, err = store.OpenWithBusyTimeout(cfg.Storage.CatalogPath, busy)
		if err != nil {
			keys.Close()
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		anchor = rt.Catalog
	}

	log, err := auditlog.Open(auditlog.Options{
		Path:   cfg.Storage.LogsPath,
		Anchor: anchor,
		Logger: logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	layout := asset.Layout{Root: cfg.Storage.UploadsDir}
	rt.Service, err = New(Options{
		Layout: layout,
		Vault:  keyvault.New(keys),
		Metadata: metadata.New(metadata.Options{
			Layout: layout,
			Keys:   keys,
			Logger: logger,
		}),
		Log:          log,
		Catalog:      rt.Catalog,
		Metrics:      rt.Metrics,
		MinAdvance:   cfg.MinAdvance(),
		MaxAdvance:   cfg.MaxAdvance(),
		ExamDuration: cfg.ExamDuration(),
		Workers:      cfg.Crypto.ScrambleWorkers,
		Logger:       logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases key material and the catalog.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Keys != nil {
		rt.Keys.Close()
	}
	if rt.Catalog != nil {
		errs = append(errs, rt.Catalog.Close())
	}
	return errors.Join(errs...)
}
