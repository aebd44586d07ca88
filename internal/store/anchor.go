package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RecordHead stores the audit log head. It implements auditlog.Anchor.
// Heads only move forward; a lower id than the highest recorded one is
// rejected.
func (s *Store) RecordHead(id int64, hash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var top sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(entry_id) FROM audit_anchors`).Scan(&top); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if top.Valid && id < top.Int64 {
		return fmt.Errorf("anchor head moving backwards: %d < %d", id, top.Int64)
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO audit_anchors (entry_id, hash, recorded_at) VALUES (?, ?, ?)`,
		id, hash, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert anchor: %w", err)
	}
	return tx.Commit()
}

// Head returns the highest recorded audit log head.
func (s *Store) Head() (int64, string, bool, error) {
	var (
		id   int64
		hash string
	)
	err := s.db.QueryRow(`SELECT entry_id, hash FROM audit_anchors ORDER BY entry_id DESC LIMIT 1`).Scan(&id, &hash)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("read head: %w", err)
	}
	return id, hash, true, nil
}

// Anchors returns every recorded head in entry order.
func (s *Store) Anchors() ([]AnchorRecord, error) {
	rows, err := s.db.Query(`SELECT entry_id, hash, recorded_at FROM audit_anchors ORDER BY entry_id`)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var out []AnchorRecord
	for rows.Next() {
		var (
			a  AnchorRecord
			ns int64
		)
		if err := rows.Scan(&a.EntryID, &a.Hash, &ns); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		a.RecordedAt = time.Unix(0, ns)
		out = append(out, a)
	}
	return out, rows.Err()
}
