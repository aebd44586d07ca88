package sealing

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"examseal/internal/auditlog"
	"examseal/internal/chaos"
	"examseal/internal/integrity"
	"examseal/internal/logging"
	"examseal/internal/metadata"
	"examseal/internal/sealerr"
	"examseal/internal/security"
	"examseal/internal/timelock"
)

// SealRequest carries decoded page images in page order.
type SealRequest struct {
	ExamID        string
	ScheduledTime time.Time
	Pages         []chaos.Raster
}

// SealResult describes a sealed exam.
type SealResult struct {
	ExamID        string            `json:"exam_id"`
	TotalPages    int               `json:"total_pages"`
	ScheduledTime string            `json:"scheduled_time"`
	Hashes        map[string]string `json:"hashes"`
	Entry         auditlog.Entry    `json:"log_entry"`
}

// LoadPages decodes image files into rasters, keeping the order of paths.
// PNG, JPEG, BMP, TIFF and WebP are accepted.
func LoadPages(ctx context.Context, paths []string) ([]chaos.Raster, error) {
	pages := make([]chaos.Raster, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
			}
			defer f.Close()
			r, err := chaos.DecodeRaster(f)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			pages[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// Seal scrambles req.Pages under a fresh key, wraps the key, writes the
// integrity manifest and the encrypted metadata, and logs an upload event.
// The scramble key exists in plaintext only for the duration of the call.
func (s *Service) Seal(ctx context.Context, c Caller, req SealRequest) (res *SealResult, err error) {
	start := s.now()
	if err := s.authorize(c, OpSeal); err != nil {
		return nil, err
	}
	ctx = logging.EnsureOperationID(ctx)
	defer func() { s.metrics.RecordSeal(s.now().Sub(start), err == nil) }()

	if len(req.Pages) == 0 {
		return nil, ErrNoPages
	}
	if _, err := s.layout.Dir(req.ExamID); err != nil {
		return nil, err
	}
	if err := timelock.ValidateScheduleTime(start, req.ScheduledTime, s.minAdv, s.maxAdv); err != nil {
		return nil, err
	}
	if err := s.requireChain(); err != nil {
		return nil, err
	}

	rec, entry, err := s.sealLocked(ctx, c, req, start)
	if err != nil {
		return nil, err
	}
	s.syncCatalog(rec)

	s.logger.WithContext(ctx).Info("exam sealed", "exam_id", req.ExamID, "pages", rec.TotalPages, "scheduled_time", rec.ScheduledTime)
	return &SealResult{
		ExamID:        rec.ExamID,
		TotalPages:    rec.TotalPages,
		ScheduledTime: rec.ScheduledTime,
		Hashes:        rec.PlainHashes,
		Entry:         entry,
	}, nil
}

// sealLocked writes every asset file, logs the upload and only then creates
// metadata.json, which is what makes the exam exist.
func (s *Service) sealLocked(ctx context.Context, c Caller, req SealRequest, now time.Time) (rec *metadata.Record, entry auditlog.Entry, err error) {
	unlock, err := s.locks.Lock(req.ExamID)
	if err != nil {
		return nil, entry, err
	}
	defer unlock()

	if s.layout.Exists(req.ExamID) {
		return nil, entry, fmt.Errorf("%w: exam %s already sealed", sealerr.ErrInvalidState, req.ExamID)
	}
	// Anything written below belongs to this attempt only.
	defer func() {
		if err != nil {
			s.discard(req.ExamID)
		}
	}()

	key, err := chaos.GenerateKey()
	if err != nil {
		return nil, entry, err
	}
	defer key.Zero()

	t0 := time.Now()
	scrambled, err := chaos.ScrambleAll(ctx, req.Pages, key, s.workers)
	if err != nil {
		return nil, entry, err
	}
	s.metrics.RecordScramble("scramble", time.Since(t0))

	manifest := integrity.NewManifest()
	for i, page := range scrambled {
		n := i + 1
		data, err := page.PNGBytes()
		if err != nil {
			return nil, entry, err
		}
		if err := security.WriteFileAtomic(s.layout.ScrambledPath(req.ExamID, n), data, security.PermPublicFile); err != nil {
			return nil, entry, fmt.Errorf("%w: page %d: %v", sealerr.ErrStorageIO, n, err)
		}
		manifest.Set(n, integrity.HashBytes(data))
	}

	wrapped, err := s.vault.Wrap(key)
	if err != nil {
		return nil, entry, err
	}
	if err := s.vault.Save(s.layout.KeyPath(req.ExamID), wrapped); err != nil {
		return nil, entry, err
	}
	if err := integrity.WriteManifest(s.layout.IntegrityPath(req.ExamID), manifest); err != nil {
		return nil, entry, err
	}

	rec, err = s.meta.Encrypt(metadata.PlainRecord{
		ExamID:        req.ExamID,
		Uploader:      c.User,
		UploadTime:    now,
		ScheduledTime: req.ScheduledTime,
		TotalPages:    len(scrambled),
	}, manifest.Labels())
	if err != nil {
		return nil, entry, err
	}
	entry, err = s.commitLogged(auditlog.EventUpload, c.User, req.ExamID,
		fmt.Sprintf("Exam paper %s uploaded and scrambled", req.ExamID),
		func() error { return s.meta.Create(rec) })
	if err != nil {
		return nil, entry, err
	}
	return rec, entry, nil
}

// discard removes the partial output of a failed seal. The lock file stays.
func (s *Service) discard(examID string) {
	pages, _ := s.layout.ScrambledPages(examID)
	for _, n := range pages {
		os.Remove(s.layout.ScrambledPath(examID, n))
	}
	for _, p := range []string{
		s.layout.KeyPath(examID),
		s.layout.IntegrityPath(examID),
		s.layout.MetadataPath(examID),
	} {
		os.Remove(p)
	}
	s.logger.Warn("discarded partial seal", "exam_id", examID)
}

// Schedule moves the release instant of examID to t. It fails with
// ErrInvalidSchedule once the key has been released.
func (s *Service) Schedule(c Caller, examID string, t time.Time) (*metadata.Record, error) {
	if err := s.authorize(c, OpSchedule); err != nil {
		return nil, err
	}
	if err := s.requireChain(); err != nil {
		return nil, err
	}

	unlock, err := s.lockExam(examID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.meta.Load(examID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := timelock.ValidateReschedule(now, t, rec.KeyReleased, s.minAdv, s.maxAdv); err != nil {
		s.metrics.RecordError(string(OpSchedule))
		return nil, err
	}
	rec.ScheduledTime = timelock.FormatISO(t)
	rec.ScheduleUpdated = timelock.FormatISO(now)

	if _, err := s.commitLogged(auditlog.EventSchedule, c.User, examID,
		fmt.Sprintf("Release of exam %s scheduled for %s", examID, rec.ScheduledTime),
		func() error { return s.meta.Replace(rec) }); err != nil {
		return nil, err
	}
	s.syncCatalog(rec)
	s.logger.Info("release scheduled", "exam_id", examID, "scheduled_time", rec.ScheduledTime)
	return rec, nil
}
