// Package store keeps the SQLite catalog of sealed exams and the audit log
// head anchor.
//
// The catalog is an index over metadata.json files, which stay
// authoritative; it can be rebuilt from them at any time. The anchor table
// records every head the audit log has reached, so dropping trailing log
// entries is detectable.
package store

import "time"

// Exam is the catalog row for one sealed exam.
type Exam struct {
	ExamID        string
	Uploader      string
	UploadTime    string
	ScheduledTime time.Time
	TotalPages    int
	KeyReleased   bool
	ReleaseTime   string
	Decrypted     bool
	UpdatedAt     time.Time
}

// AnchorRecord is one recorded audit log head.
type AnchorRecord struct {
	EntryID    int64
	Hash       string
	RecordedAt time.Time
}
