package sealing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"examseal/internal/asset"
	"examseal/internal/auditlog"
	"examseal/internal/chaos"
	"examseal/internal/integrity"
	"examseal/internal/logging"
	"examseal/internal/metadata"
	"examseal/internal/sealerr"
	"examseal/internal/security"
	"examseal/internal/timelock"
)

// ReleaseKey marks the chaos key of examID as released. It fails with
// ErrReleaseTooEarly before the scheduled time.
func (s *Service) ReleaseKey(c Caller, examID string) (rec *metadata.Record, err error) {
	if err := s.authorize(c, OpRelease); err != nil {
		return nil, err
	}
	defer func() { s.metrics.RecordRelease(err == nil) }()

	if err := s.requireChain(); err != nil {
		return nil, err
	}

	unlock, err := s.lockExam(examID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = s.meta.Load(examID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.checkRelease(examID, rec, now); err != nil {
		s.logger.Warn("key release refused", "exam_id", examID, "error", err)
		return nil, err
	}
	released := timelock.FormatISO(now)
	rec.KeyReleased = true
	rec.ReleaseTime = &released

	if _, err := s.commitLogged(auditlog.EventKeyRelease, c.User, examID,
		fmt.Sprintf("Chaos key released for exam %s", examID),
		func() error { return s.meta.Replace(rec) }); err != nil {
		return nil, err
	}
	s.syncCatalog(rec)
	s.logger.Info("chaos key released", "exam_id", examID, "user", c.User)
	return rec, nil
}

func (s *Service) checkRelease(examID string, rec *metadata.Record, now time.Time) error {
	scheduled, err := scheduledOf(rec)
	if err != nil {
		return err
	}
	if rec.KeyReleased {
		return fmt.Errorf("%w: key of exam %s already released", sealerr.ErrInvalidState, examID)
	}
	if err := timelock.CheckRelease(now, scheduled); err != nil {
		return err
	}
	from := timelock.StateOf(now, scheduled, rec.KeyReleased, rec.Decrypted)
	if err := timelock.Advance(from, timelock.KeyReleased); err != nil {
		return err
	}
	if _, err := os.Stat(s.layout.KeyPath(examID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: chaos key of exam %s", sealerr.ErrNotFound, examID)
		}
		return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	return nil
}

// DecryptResult lists the recovered pages of an exam.
type DecryptResult struct {
	ExamID       string   `json:"exam_id"`
	TotalPages   int      `json:"total_pages"`
	DecryptedDir string   `json:"decrypted_dir"`
	Pages        []string `json:"decrypted_images"`
}

// Decrypt recovers the original pages of examID once its key is released.
// Every scrambled page is checked against the integrity manifest before the
// key is applied; a mismatch fails with ErrIntegrityMismatch and nothing is
// written. Pages are recovered into a staging directory and only become
// visible, together with the decrypted flag and the incremented access
// counter, after the decrypt entry is in the audit log.
func (s *Service) Decrypt(ctx context.Context, c Caller, examID string) (res *DecryptResult, err error) {
	start := s.now()
	if err := s.authorize(c, OpDecrypt); err != nil {
		return nil, err
	}
	ctx = logging.EnsureOperationID(ctx)
	defer func() { s.metrics.RecordDecrypt(s.now().Sub(start), err == nil) }()

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
	scheduled, err := scheduledOf(rec)
	if err != nil {
		return nil, err
	}
	if err := timelock.CheckRelease(start, scheduled); err != nil {
		return nil, err
	}
	if !rec.KeyReleased {
		return nil, fmt.Errorf("%w: key of exam %s not released", sealerr.ErrInvalidState, examID)
	}

	staging, numbers, err := s.unscramble(ctx, examID, rec)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	now := s.now()
	from := timelock.StateOf(now, scheduled, rec.KeyReleased, rec.Decrypted)
	if err := timelock.Advance(from, timelock.Decrypted); err != nil {
		return nil, err
	}
	rec.Decrypted = true
	rec.DecryptionTime = timelock.FormatISO(now)
	rec.DecryptedImagesCount = len(numbers)
	if err := s.meta.AddAccess(rec); err != nil {
		return nil, err
	}

	if _, err := s.commitLogged(auditlog.EventDecrypt, c.User, examID,
		fmt.Sprintf("Paper %s decrypted by exam center", examID),
		func() error { return s.publishDecrypted(examID, staging, rec) }); err != nil {
		return nil, err
	}
	s.syncCatalog(rec)

	paths := make([]string, len(numbers))
	for i, n := range numbers {
		paths[i] = s.layout.DecryptedPath(examID, n)
	}
	s.logger.WithContext(ctx).Info("exam decrypted", "exam_id", examID, "pages", len(paths), "user", c.User)
	return &DecryptResult{
		ExamID:       examID,
		TotalPages:   len(paths),
		DecryptedDir: s.layout.DecryptedDir(examID),
		Pages:        paths,
	}, nil
}

// unscramble verifies and unscrambles the pages of examID into a fresh
// staging directory inside the asset directory. The caller holds the asset
// lock and owns the returned directory.
func (s *Service) unscramble(ctx context.Context, examID string, rec *metadata.Record) (string, []int, error) {
	manifest, err := s.manifest(examID, rec)
	if err != nil {
		return "", nil, err
	}
	pageData := make(map[int][]byte, manifest.Len())
	report := integrity.VerifyPages(manifest, func(n int) ([]byte, error) {
		data, err := os.ReadFile(s.layout.ScrambledPath(examID, n))
		if err == nil {
			pageData[n] = data
		}
		return data, err
	})
	s.metrics.RecordIntegrity(report.Valid)
	if err := report.Err(); err != nil {
		s.logger.WithContext(ctx).Error("integrity check failed before decrypt", "exam_id", examID, "error", err)
		return "", nil, err
	}

	numbers := manifest.Pages()
	scrambled := make([]chaos.Raster, len(numbers))
	for i, n := range numbers {
		r, err := chaos.DecodeRaster(bytes.NewReader(pageData[n]))
		if err != nil {
			return "", nil, fmt.Errorf("page %d: %w", n, err)
		}
		scrambled[i] = r
	}

	key, err := s.vault.UnwrapFile(s.layout.KeyPath(examID))
	if err != nil {
		return "", nil, err
	}
	defer key.Zero()

	t0 := time.Now()
	pages, err := chaos.UnscrambleAll(ctx, scrambled, key, s.workers)
	if err != nil {
		return "", nil, err
	}
	s.metrics.RecordScramble("unscramble", time.Since(t0))

	dir, err := s.layout.Dir(examID)
	if err != nil {
		return "", nil, err
	}
	staging, err := os.MkdirTemp(dir, ".decrypted-")
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	for i, n := range numbers {
		data, err := pages[i].PNGBytes()
		if err == nil {
			err = security.WriteFileAtomic(filepath.Join(staging, asset.DecryptedName(n)), data, security.PermSecretFile)
		}
		if err != nil {
			os.RemoveAll(staging)
			return "", nil, fmt.Errorf("%w: page %d: %v", sealerr.ErrStorageIO, n, err)
		}
	}
	return staging, numbers, nil
}

// publishDecrypted moves staged pages into decrypted/ and persists rec. On
// failure any earlier decrypted/ is restored and rec is not written.
func (s *Service) publishDecrypted(examID, staging string, rec *metadata.Record) error {
	dir := s.layout.DecryptedDir(examID)
	previous := dir + ".previous"
	if err := os.RemoveAll(previous); err != nil {
		return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	hadPrevious := false
	if err := os.Rename(dir, previous); err == nil {
		hadPrevious = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	restore := func() {
		os.RemoveAll(dir)
		if hadPrevious {
			os.Rename(previous, dir)
		}
	}

	if err := os.Rename(staging, dir); err != nil {
		restore()
		return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	if err := s.meta.Replace(rec); err != nil {
		restore()
		return err
	}
	os.RemoveAll(previous)
	return nil
}

// manifest loads integrity.sha256 and requires it to agree with the
// plaintext hashes in metadata.json.
func (s *Service) manifest(examID string, rec *metadata.Record) (*integrity.Manifest, error) {
	fromFile, err := integrity.ReadManifest(s.layout.IntegrityPath(examID))
	if err != nil {
		return nil, err
	}
	fromMeta, err := rec.Manifest()
	if err != nil {
		return nil, err
	}
	if fromFile.Len() != fromMeta.Len() {
		return nil, fmt.Errorf("%w: manifest lists %d pages, metadata %d",
			sealerr.ErrIntegrityMismatch, fromFile.Len(), fromMeta.Len())
	}
	for _, n := range fromMeta.Pages() {
		want, _ := fromMeta.Get(n)
		got, ok := fromFile.Get(n)
		if !ok || !integrity.Equal(want, got) {
			return nil, fmt.Errorf("%w: %s differs between manifest and metadata",
				sealerr.ErrIntegrityMismatch, integrity.PageLabel(n))
		}
	}
	return fromFile, nil
}

// SweepReport summarizes one release sweep.
type SweepReport struct {
	RanAt    time.Time `json:"ran_at"`
	Due      []string  `json:"due"`
	Released []string  `json:"released"`
	Failed   []string  `json:"failed"`
}

// SweepDue finds exams whose scheduled time has passed but whose key is
// still withheld. With autoRelease set, each is released on behalf of
// operator.
func (s *Service) SweepDue(ctx context.Context, autoRelease bool, operator string) (*SweepReport, error) {
	now := s.now()
	report := &SweepReport{RanAt: now}
	ctx = logging.EnsureOperationID(ctx)
	log := s.logger.WithContext(ctx)

	due, err := s.dueExams(now)
	if err != nil {
		return nil, err
	}
	report.Due = due

	if autoRelease {
		c := Caller{User: operator, Role: RoleAdmin}
		for _, id := range due {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if _, err := s.ReleaseKey(c, id); err != nil {
				report.Failed = append(report.Failed, id)
				log.Error("automatic release failed", "exam_id", id, "error", err)
				if errors.Is(err, sealerr.ErrChainBroken) {
					break
				}
				continue
			}
			report.Released = append(report.Released, id)
		}
	}

	total := 0
	if s.catalog != nil {
		if err := s.catalog.RecordSweep(now, len(due), len(report.Released), len(report.Failed)); err != nil {
			log.Warn("record sweep failed", "error", err)
		}
		total, _ = s.catalog.CountExams()
	} else if ids, err := s.layout.Exams(); err == nil {
		total = len(ids)
	}
	s.metrics.RecordSweep(len(due)-len(report.Released), total)
	log.Debug("release sweep", "due", len(due), "released", len(report.Released), "failed", len(report.Failed))
	return report, nil
}

func (s *Service) dueExams(now time.Time) ([]string, error) {
	if s.catalog != nil {
		rows, err := s.catalog.DueForRelease(now)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ExamID
		}
		return ids, nil
	}

	ids, err := s.layout.Exams()
	if err != nil {
		return nil, err
	}
	var due []string
	for _, id := range ids {
		rec, err := s.meta.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable exam", "exam_id", id, "error", err)
			continue
		}
		scheduled, err := scheduledOf(rec)
		if err != nil {
			continue
		}
		if !rec.KeyReleased && timelock.IsReleasable(now, scheduled) {
			due = append(due, id)
		}
	}
	return due, nil
}
