package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultBusyTimeout is how long a writer waits for a competing process.
const DefaultBusyTimeout = 5 * time.Second

// Store represents the SQLite catalog.
type Store struct {
	db *sql.DB
}

// Open opens or creates the catalog at path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithBusyTimeout(path, DefaultBusyTimeout)
}

// OpenWithBusyTimeout is Open with an explicit lock wait.
func OpenWithBusyTimeout(path string, busy time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpsertExam inserts or replaces the catalog row of e.
func (s *Store) UpsertExam(e *Exam) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO exams (exam_id, uploader, upload_time, scheduled_unix, scheduled_time, total_pages, key_released, release_time, decrypted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exam_id) DO UPDATE SET
			uploader = excluded.uploader,
			upload_time = excluded.upload_time,
			scheduled_unix = excluded.scheduled_unix,
			scheduled_time = excluded.scheduled_time,
			total_pages = excluded.total_pages,
			key_released = excluded.key_released,
			release_time = excluded.release_time,
			decrypted = excluded.decrypted,
			updated_at = excluded.updated_at`,
		e.ExamID, e.Uploader, e.UploadTime, e.ScheduledTime.Unix(), e.ScheduledTime.Format(time.RFC3339Nano),
		e.TotalPages, boolInt(e.KeyReleased), nullString(e.ReleaseTime), boolInt(e.Decrypted), e.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert exam %s: %w", e.ExamID, err)
	}
	return nil
}

const examColumns = `exam_id, uploader, upload_time, scheduled_time, total_pages, key_released, release_time, decrypted, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (*Exam, error) {
	var (
		e           Exam
		scheduled   string
		released    int
		decrypted   int
		releaseTime sql.NullString
		updatedAt   int64
	)
	if err := row.Scan(&e.ExamID, &e.Uploader, &e.UploadTime, &scheduled, &e.TotalPages,
		&released, &releaseTime, &decrypted, &updatedAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, scheduled)
	if err != nil {
		return nil, fmt.Errorf("parse scheduled time of %s: %w", e.ExamID, err)
	}
	e.ScheduledTime = t
	e.KeyReleased = released != 0
	e.Decrypted = decrypted != 0
	e.ReleaseTime = releaseTime.String
	e.UpdatedAt = time.Unix(0, updatedAt)
	return &e, nil
}

// GetExam returns the catalog row of examID, or nil if there is none.
func (s *Store) GetExam(examID string) (*Exam, error) {
	row := s.db.QueryRow(`SELECT `+examColumns+` FROM exams WHERE exam_id = ?`, examID)
	e, err := scanExam(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return e, nil
}

func (s *Store) queryExams(query string, args ...any) ([]Exam, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query exams: %w", err)
	}
	defer rows.Close()

	var exams []Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exam: %w", err)
		}
		exams = append(exams, *e)
	}
	return exams, rows.Err()
}

// ListScheduled returns every exam ordered by scheduled time.
func (s *Store) ListScheduled() ([]Exam, error) {
	return s.queryExams(`SELECT ` + examColumns + ` FROM exams ORDER BY scheduled_unix, exam_id`)
}

// DueForRelease returns exams whose key is unreleased and whose scheduled
// time is not after now.
func (s *Store) DueForRelease(now time.Time) ([]Exam, error) {
	return s.queryExams(`SELECT `+examColumns+` FROM exams
		WHERE key_released = 0 AND scheduled_unix <= ?
		ORDER BY scheduled_unix, exam_id`, now.Unix())
}

// DeleteExam removes examID from the catalog.
func (s *Store) DeleteExam(examID string) error {
	if _, err := s.db.Exec(`DELETE FROM exams WHERE exam_id = ?`, examID); err != nil {
		return fmt.Errorf("delete exam: %w", err)
	}
	return nil
}

// CountExams returns the number of catalogued exams.
func (s *Store) CountExams() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM exams`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exams: %w", err)
	}
	return n, nil
}

// RecordSweep stores the outcome of one release sweep.
func (s *Store) RecordSweep(ranAt time.Time, due, released, failed int) error {
	_, err := s.db.Exec(`INSERT INTO release_sweeps (ran_at, due, released, failed) VALUES (?, ?, ?, ?)`,
		ranAt.UnixNano(), due, released, failed)
	if err != nil {
		return fmt.Errorf("record sweep: %w", err)
	}
	return nil
}

// LastSweep returns when the last sweep ran, or the zero time.
func (s *Store) LastSweep() (time.Time, error) {
	var ranAt sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(ran_at) FROM release_sweeps`).Scan(&ranAt); err != nil {
		return time.Time{}, fmt.Errorf("last sweep: %w", err)
	}
	if !ranAt.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ranAt.Int64), nil
}
