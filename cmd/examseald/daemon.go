package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"examseal/internal/config"
	"examseal/internal/logging"
	"examseal/internal/metrics"
	"examseal/internal/sealerr"
	"examseal/internal/sealing"
)

// sweeper is the part of the sealing service the daemon drives.
type sweeper interface {
	SweepDue(ctx context.Context, autoRelease bool, operator string) (*sealing.SweepReport, error)
}

type daemon struct {
	svc     sweeper
	metrics *metrics.ExamsealMetrics
	logger  *logging.Logger

	mu        sync.Mutex
	settings  config.DaemonConfig
	lastSweep time.Time
	reset     chan struct{}
}

func newDaemon(svc sweeper, m *metrics.ExamsealMetrics, dc config.DaemonConfig, logger *logging.Logger) *daemon {
	return &daemon{
		svc:      svc,
		metrics:  m,
		logger:   logger,
		settings: dc,
		reset:    make(chan struct{}, 1),
	}
}

func (d *daemon) current() config.DaemonConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// lastSuccess is the start time of the last sweep that completed.
func (d *daemon) lastSuccess() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSweep
}

func (d *daemon) interval() time.Duration {
	sec := d.current().SweepIntervalSec
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// apply swaps in reloaded daemon settings and restarts the ticker.
func (d *daemon) apply(dc config.DaemonConfig) {
	d.mu.Lock()
	prev := d.settings
	d.settings = dc
	d.mu.Unlock()

	if prev != dc {
		d.logger.Info("daemon settings reloaded",
			"interval_sec", dc.SweepIntervalSec,
			"auto_release", dc.AutoRelease,
			"operator", dc.Operator,
		)
	}
	select {
	case d.reset <- struct{}{}:
	default:
	}
}

// sweep runs one release sweep. Security violations stop the daemon.
// Other failures are logged and retried on the next tick.
func (d *daemon) sweep(ctx context.Context) error {
	dc := d.current()
	report, err := d.svc.SweepDue(ctx, dc.AutoRelease, dc.Operator)
	d.metrics.UpdateUptime()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		d.metrics.RecordError("sweep")
		if sealerr.IsRetryable(err) {
			d.logger.Warn("release sweep failed, retrying next interval", "error", err)
			return nil
		}
		d.logger.Error("release sweep failed", "error", err)
		if sealerr.IsSecurityViolation(err) {
			return err
		}
		return nil
	}
	d.mu.Lock()
	d.lastSweep = report.RanAt
	d.mu.Unlock()

	if len(report.Due) > 0 {
		d.logger.Info("exams due for release",
			"due", report.Due,
			"released", report.Released,
			"failed", report.Failed,
		)
	}
	for _, id := range report.Failed {
		d.metrics.RecordError("auto_release")
		d.logger.Warn("key still withheld", "exam_id", id)
	}
	return nil
}

// run sweeps immediately and then on every tick until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	if err := d.sweep(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.reset:
			ticker.Reset(d.interval())
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				return err
			}
		}
	}
}
