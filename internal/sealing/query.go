package sealing

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"examseal/internal/auditlog"
	"examseal/internal/integrity"
	"examseal/internal/metadata"
	"examseal/internal/sealerr"
	"examseal/internal/security"
	"examseal/internal/timelock"
)

// Status is the exam-center view of one exam's lifecycle.
type Status struct {
	timelock.Info

	Decrypted         bool   `json:"decrypted"`
	CanDecrypt        bool   `json:"can_decrypt"`
	ChaosKeyExists    bool   `json:"chaos_key_exists"`
	DecryptedExist    bool   `json:"decrypted_images_exist"`
	ScrambledCount    int    `json:"scrambled_images_count"`
	TotalPages        int    `json:"total_pages"`
	StatusMessage     string `json:"status_message"`
	IntegrityManifest bool   `json:"integrity_manifest"`
}

// Status reports the lifecycle state of examID.
func (s *Service) Status(c Caller, examID string) (*Status, error) {
	if err := s.authorize(c, OpStatus); err != nil {
		return nil, err
	}
	rec, err := s.meta.Load(examID)
	if err != nil {
		return nil, err
	}
	scheduled, err := scheduledOf(rec)
	if err != nil {
		return nil, err
	}
	now := s.now()

	st := &Status{
		Info:           timelock.ScheduleInfo(now, examID, scheduled, rec.KeyReleased, rec.ReleaseTime, rec.Decrypted, s.duration),
		Decrypted:      rec.Decrypted,
		CanDecrypt:     rec.KeyReleased && timelock.IsReleasable(now, scheduled),
		ChaosKeyExists: fileExists(s.layout.KeyPath(examID)),
		TotalPages:     rec.TotalPages,
	}
	st.IntegrityManifest = fileExists(s.layout.IntegrityPath(examID))
	if pages, err := s.layout.ScrambledPages(examID); err == nil {
		st.ScrambledCount = len(pages)
	}
	if entries, err := os.ReadDir(s.layout.DecryptedDir(examID)); err == nil {
		st.DecryptedExist = len(entries) > 0
	}

	switch {
	case !timelock.IsReleasable(now, scheduled):
		st.StatusMessage = "Waiting for scheduled time: " + rec.ScheduledTime
	case rec.Decrypted:
		st.StatusMessage = "Exam completed - paper decrypted"
	case rec.KeyReleased:
		st.StatusMessage = "Ready for decryption"
	default:
		st.StatusMessage = "Waiting for key release"
	}
	return st, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ScheduleInfo returns the release schedule of examID.
func (s *Service) ScheduleInfo(c Caller, examID string) (timelock.Info, error) {
	if err := s.authorize(c, OpStatus); err != nil {
		return timelock.Info{}, err
	}
	rec, err := s.meta.Load(examID)
	if err != nil {
		return timelock.Info{}, err
	}
	scheduled, err := scheduledOf(rec)
	if err != nil {
		return timelock.Info{}, err
	}
	return timelock.ScheduleInfo(s.now(), examID, scheduled, rec.KeyReleased, rec.ReleaseTime, rec.Decrypted, s.duration), nil
}

// ListScheduled returns the schedule of every sealed exam ordered by
// scheduled time. The catalog is used when configured.
func (s *Service) ListScheduled(c Caller) ([]timelock.Info, error) {
	if err := s.authorize(c, OpList); err != nil {
		return nil, err
	}
	now := s.now()

	if s.catalog != nil {
		rows, err := s.catalog.ListScheduled()
		if err != nil {
			return nil, err
		}
		out := make([]timelock.Info, 0, len(rows))
		for _, r := range rows {
			var rt *string
			if r.ReleaseTime != "" {
				t := r.ReleaseTime
				rt = &t
			}
			out = append(out, timelock.ScheduleInfo(now, r.ExamID, r.ScheduledTime, r.KeyReleased, rt, r.Decrypted, s.duration))
		}
		return out, nil
	}

	recs, err := s.records()
	if err != nil {
		return nil, err
	}
	out := make([]timelock.Info, 0, len(recs))
	for _, rec := range recs {
		scheduled, err := scheduledOf(rec)
		if err != nil {
			continue
		}
		out = append(out, timelock.ScheduleInfo(now, rec.ExamID, scheduled, rec.KeyReleased, rec.ReleaseTime, rec.Decrypted, s.duration))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledTime != out[j].ScheduledTime {
			return out[i].ScheduledTime < out[j].ScheduledTime
		}
		return out[i].ExamID < out[j].ExamID
	})
	return out, nil
}

// records loads every readable metadata record, skipping broken ones.
func (s *Service) records() ([]*metadata.Record, error) {
	ids, err := s.layout.Exams()
	if err != nil {
		return nil, err
	}
	recs := make([]*metadata.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.meta.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable exam", "exam_id", id, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ExamSummary is what an exam center may see of an exam.
type ExamSummary struct {
	ExamID        string `json:"exam_id"`
	ScheduledTime string `json:"scheduled_time"`
	KeyReleased   bool   `json:"key_released"`
}

// ExamCenterView lists every exam without uploader or hash details.
func (s *Service) ExamCenterView(c Caller) ([]ExamSummary, error) {
	if err := s.authorize(c, OpExamCenterView); err != nil {
		return nil, err
	}
	recs, err := s.records()
	if err != nil {
		return nil, err
	}
	out := make([]ExamSummary, len(recs))
	for i, rec := range recs {
		out[i] = ExamSummary{ExamID: rec.ExamID, ScheduledTime: rec.ScheduledTime, KeyReleased: rec.KeyReleased}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledTime < out[j].ScheduledTime })
	return out, nil
}

// Download lists the scrambled pages of an exam.
type Download struct {
	ExamID        string   `json:"exam_id"`
	TotalPages    int      `json:"total_pages"`
	Pages         []string `json:"scrambled_images"`
	ScheduledTime string   `json:"scheduled_time"`
	KeyReleased   bool     `json:"key_released"`
}

// Download hands the scrambled pages of examID to an exam center and logs
// it. Scrambled pages are safe to distribute before release.
func (s *Service) Download(c Caller, examID string) (*Download, error) {
	if err := s.authorize(c, OpDownload); err != nil {
		return nil, err
	}
	if err := s.requireChain(); err != nil {
		return nil, err
	}
	d, err := s.download(examID)
	if err != nil {
		return nil, err
	}
	if _, err := s.log.Append(auditlog.EventDownload, c.User, examID,
		fmt.Sprintf("Scrambled paper %s downloaded by exam center", examID)); err != nil {
		return nil, err
	}
	s.metrics.RecordDownload()
	return d, nil
}

func (s *Service) download(examID string) (*Download, error) {
	rec, err := s.meta.Load(examID)
	if err != nil {
		return nil, err
	}
	pages, err := s.layout.ScrambledPages(examID)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no scrambled pages for exam %s", sealerr.ErrNotFound, examID)
	}
	d := &Download{
		ExamID:        examID,
		TotalPages:    len(pages),
		ScheduledTime: rec.ScheduledTime,
		KeyReleased:   rec.KeyReleased,
	}
	for _, n := range pages {
		d.Pages = append(d.Pages, s.layout.ScrambledPath(examID, n))
	}
	return d, nil
}

// PackageInfo is the exam_info.json entry of a scrambled package. It holds
// nothing that helps unscramble the pages.
type PackageInfo struct {
	ExamID         string `json:"exam_id"`
	TotalPages     int    `json:"total_pages"`
	ScheduledTime  string `json:"scheduled_time"`
	PackageCreated string `json:"package_created"`
}

// PackageName is the default file name of the package of examID.
func PackageName(examID string) string {
	return examID + "_scrambled_package.zip"
}

// ExportPackage writes a zip of the scrambled pages plus exam_info.json to
// outPath, or to the exam directory when outPath is empty. It is logged as a
// download.
func (s *Service) ExportPackage(c Caller, examID, outPath string) (string, error) {
	d, err := s.Download(c, examID)
	if err != nil {
		return "", err
	}
	if outPath == "" {
		dir, err := s.layout.Dir(examID)
		if err != nil {
			return "", err
		}
		outPath = filepath.Join(dir, PackageName(examID))
	}

	w, err := security.NewAtomicWriter(outPath, security.PermPublicFile)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	info := PackageInfo{
		ExamID:         examID,
		TotalPages:     d.TotalPages,
		ScheduledTime:  d.ScheduledTime,
		PackageCreated: timelock.FormatISO(s.now()),
	}
	if err := writePackage(w, d.Pages, info); err != nil {
		w.Abort()
		return "", err
	}
	if err := w.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	s.logger.Info("scrambled package exported", "exam_id", examID, "path", outPath)
	return outPath, nil
}

func writePackage(w io.Writer, pages []string, info PackageInfo) error {
	zw := zip.NewWriter(w)
	for _, p := range pages {
		if err := addFile(zw, p); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	f, err := zw.Create("exam_info.json")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	defer src.Close()
	dst, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(path), Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// VerifyIntegrity re-hashes every scrambled page of examID and logs the
// outcome. A failed check returns the report together with
// ErrIntegrityMismatch.
func (s *Service) VerifyIntegrity(c Caller, examID string) (*integrity.Report, error) {
	if err := s.authorize(c, OpVerify); err != nil {
		return nil, err
	}
	if err := s.requireChain(); err != nil {
		return nil, err
	}
	rec, err := s.meta.Load(examID)
	if err != nil {
		return nil, err
	}

	var report *integrity.Report
	m, merr := s.manifest(examID, rec)
	if merr == nil {
		report = integrity.VerifyPages(m, func(n int) ([]byte, error) {
			return os.ReadFile(s.layout.ScrambledPath(examID, n))
		})
	} else if report, err = s.metadataOnlyReport(examID, rec); err != nil {
		return nil, err
	}
	s.metrics.RecordIntegrity(report.Valid && merr == nil)

	outcome := "PASSED"
	if !report.Valid || merr != nil {
		outcome = "FAILED"
	}
	if _, err := s.log.Append(auditlog.EventVerify, c.User, examID,
		fmt.Sprintf("Integrity verification for exam %s: %s", examID, outcome)); err != nil {
		return nil, err
	}
	if merr != nil {
		report.Valid = false
		return report, merr
	}
	return report, report.Err()
}

// metadataOnlyReport checks pages against plain_hashes when the manifest
// file is missing or disagrees with metadata.
func (s *Service) metadataOnlyReport(examID string, rec *metadata.Record) (*integrity.Report, error) {
	m, err := rec.Manifest()
	if err != nil {
		return nil, err
	}
	return integrity.VerifyPages(m, func(n int) ([]byte, error) {
		return os.ReadFile(s.layout.ScrambledPath(examID, n))
	}), nil
}

// AccessCount decrypts the access counter of examID.
func (s *Service) AccessCount(c Caller, examID string) (int64, error) {
	if err := s.authorize(c, OpAccessCount); err != nil {
		return 0, err
	}
	return s.meta.AccessCount(examID)
}

// DecryptMetadata returns the admin view of the encrypted fields of examID.
func (s *Service) DecryptMetadata(c Caller, examID string) (*metadata.Record, *metadata.Decrypted, error) {
	if err := s.authorize(c, OpMetadata); err != nil {
		return nil, nil, err
	}
	rec, err := s.meta.Load(examID)
	if err != nil {
		return nil, nil, err
	}
	dec, err := s.meta.Decrypt(rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, dec, nil
}

// Logs returns audit entries matching f.
func (s *Service) Logs(c Caller, f auditlog.Filter) ([]auditlog.Entry, error) {
	if err := s.authorize(c, OpLogs); err != nil {
		return nil, err
	}
	return s.log.Filter(f)
}

// LogStatistics summarizes the audit log.
func (s *Service) LogStatistics(c Caller) (auditlog.Statistics, error) {
	if err := s.authorize(c, OpLogs); err != nil {
		return auditlog.Statistics{}, err
	}
	return s.log.Statistics()
}

// VerifyLog checks the audit chain and its anchored head.
func (s *Service) VerifyLog(c Caller) error {
	if err := s.authorize(c, OpLogs); err != nil {
		return err
	}
	return s.requireChain()
}

// RebuildCatalog re-derives the catalog from the metadata files on disk and
// drops rows whose asset has disappeared.
func (s *Service) RebuildCatalog() (int, error) {
	if s.catalog == nil {
		return 0, nil
	}
	recs, err := s.records()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		e, err := catalogRow(rec)
		if err != nil {
			s.logger.Warn("skipping exam with bad schedule", "exam_id", rec.ExamID, "error", err)
			continue
		}
		if err := s.catalog.UpsertExam(e); err != nil {
			return 0, err
		}
		seen[rec.ExamID] = true
	}

	rows, err := s.catalog.ListScheduled()
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if !seen[r.ExamID] && !s.layout.Exists(r.ExamID) {
			if err := s.catalog.DeleteExam(r.ExamID); err != nil {
				return 0, err
			}
		}
	}
	return len(seen), nil
}
