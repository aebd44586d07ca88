// Package auditlog implements the append-only, hash-chained event log
// stored in logs.json.
//
// Every entry commits to its own fields and to the hash of its
// predecessor:
//
//	hash_i = sha256_hex(prev_hash_i || canonical(entry_i without hashes))
//
// with prev_hash_1 = "0000". Verification is all-or-nothing: one bad entry
// invalidates the whole chain.
package auditlog

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"examseal/internal/logging"
	"examseal/internal/sealerr"
	"examseal/internal/security"
	"examseal/internal/timelock"
)

// Events recorded by examseal.
const (
	EventSystemInit = "system_init"
	EventUpload     = "upload"
	EventSchedule   = "schedule"
	EventKeyRelease = "key_release"
	EventDownload   = "download"
	EventDecrypt    = "decrypt"
	EventVerify     = "verify"
)

const genesisDetails = "examseal system initialized"

// Entry is one record of logs.json.
type Entry struct {
	ID        int64   `json:"id"`
	Event     string  `json:"event"`
	User      string  `json:"user"`
	ExamID    *string `json:"exam_id"`
	Timestamp string  `json:"timestamp"`
	Details   string  `json:"details"`
	PrevHash  string  `json:"prev_hash"`
	Hash      string  `json:"hash"`
}

// Exam returns the exam id of the entry or "" when it has none.
func (e *Entry) Exam() string {
	if e.ExamID == nil {
		return ""
	}
	return *e.ExamID
}

// Anchor records the chain head outside logs.json so that dropping
// trailing entries is detectable.
type Anchor interface {
	RecordHead(id int64, hash string) error
	// Head returns the last recorded head; ok is false if none exists.
	Head() (id int64, hash string, ok bool, err error)
}

// Options configures a Log.
type Options struct {
	Path   string
	Anchor Anchor
	Clock  func() time.Time
	Logger *logging.Logger
}

// Log is the process-wide append point for logs.json. Appends are
// serialized by a mutex and an flock on <path>.lock.
type Log struct {
	path   string
	anchor Anchor
	now    func() time.Time
	logger *logging.Logger

	mu sync.Mutex
}

// Open returns the log at opts.Path, creating it with a system_init
// genesis entry if it does not exist.
func Open(opts Options) (*Log, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("auditlog: path required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	l := &Log{
		path:   opts.Path,
		anchor: opts.Anchor,
		now:    opts.Clock,
		logger: opts.Logger.WithComponent("auditlog"),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := l.lockFile()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		genesis := Entry{
			ID:        1,
			Event:     EventSystemInit,
			User:      "system",
			Timestamp: timelock.FormatISO(l.now()),
			Details:   genesisDetails,
			PrevHash:  GenesisPrevHash,
		}
		genesis.Hash = ComputeHash(genesis.PrevHash, &genesis)
		if err := l.commit([]Entry{genesis}); err != nil {
			return nil, err
		}
		l.logger.Info("audit log initialized", "path", l.path)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	return l, nil
}

// Path returns the location of logs.json.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) lockFile() (func(), error) {
	fl, err := security.AcquireLock(l.path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	return func() { fl.Release() }, nil
}

func (l *Log) commit(entries []Entry) error {
	data, err := Marshal(entries)
	if err != nil {
		return err
	}
	if err := security.WriteFileAtomic(l.path, data, security.PermPublicFile); err != nil {
		return fmt.Errorf("%w: write %s: %v", sealerr.ErrStorageIO, l.path, err)
	}
	if l.anchor != nil {
		last := entries[len(entries)-1]
		if err := l.anchor.RecordHead(last.ID, last.Hash); err != nil {
			return fmt.Errorf("%w: anchor head: %v", sealerr.ErrStorageIO, err)
		}
	}
	return nil
}

// Append adds an entry and returns it. An empty examID is stored as null.
// Nothing is appended to a chain that no longer verifies.
func (l *Log) Append(event, user, examID, details string) (Entry, error) {
	if event == "" {
		return Entry{}, fmt.Errorf("auditlog: event required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := l.lockFile()
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	entries, err := ReadFile(l.path)
	if err != nil && !errors.Is(err, sealerr.ErrNotFound) {
		return Entry{}, err
	}
	if err := VerifyChainErr(entries); err != nil {
		l.logger.Error("refusing to append to broken chain", "error", err)
		return Entry{}, err
	}

	e := Entry{
		ID:        1,
		Event:     event,
		User:      user,
		Timestamp: timelock.FormatISO(l.now()),
		Details:   details,
		PrevHash:  GenesisPrevHash,
	}
	if examID != "" {
		e.ExamID = &examID
	}
	if n := len(entries); n > 0 {
		e.ID = entries[n-1].ID + 1
		e.PrevHash = entries[n-1].Hash
	}
	e.Hash = ComputeHash(e.PrevHash, &e)

	if err := l.commit(append(entries, e)); err != nil {
		return Entry{}, err
	}
	l.logger.Debug("audit entry appended", "id", e.ID, "event", event, "exam_id", examID)
	return e, nil
}

// Entries returns every entry of the log.
func (l *Log) Entries() ([]Entry, error) {
	entries, err := ReadFile(l.path)
	if errors.Is(err, sealerr.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

// Verify checks the chain stored on disk and, when an anchor is
// configured, that the anchored head is still present.
func (l *Log) Verify() error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	if err := VerifyChainErr(entries); err != nil {
		return err
	}
	if l.anchor == nil {
		return nil
	}
	id, hash, ok, err := l.anchor.Head()
	if err != nil {
		return fmt.Errorf("%w: read anchor: %v", sealerr.ErrStorageIO, err)
	}
	if ok {
		return checkHead(entries, id, hash)
	}
	return nil
}

func checkHead(entries []Entry, id int64, hash string) error {
	if id < 1 || id > int64(len(entries)) {
		return fmt.Errorf("%w: anchored entry %d missing, log has %d entries", sealerr.ErrChainBroken, id, len(entries))
	}
	if entries[id-1].Hash != hash {
		return fmt.Errorf("%w: entry %d does not match anchored hash", sealerr.ErrChainBroken, id)
	}
	return nil
}

// VerifyChain reports whether entries form a valid chain. An empty log is
// valid.
func VerifyChain(entries []Entry) bool {
	return VerifyChainErr(entries) == nil
}

// VerifyChainErr is VerifyChain with the reason for rejection, wrapped in
// sealerr.ErrChainBroken.
func VerifyChainErr(entries []Entry) error {
	prev := GenesisPrevHash
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash does not link", sealerr.ErrChainBroken, i+1)
		}
		if e.ID != int64(i+1) {
			return fmt.Errorf("%w: entry %d has id %d", sealerr.ErrChainBroken, i+1, e.ID)
		}
		if ComputeHash(e.PrevHash, e) != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", sealerr.ErrChainBroken, i+1)
		}
		prev = e.Hash
	}
	return nil
}

// Filter selects entries. Zero fields match everything; Limit keeps the
// most recent matches.
type Filter struct {
	Event  string
	User   string
	ExamID string
	Limit  int
}

// Match reports whether e satisfies f, ignoring Limit.
func (f Filter) Match(e *Entry) bool {
	return (f.Event == "" || e.Event == f.Event) &&
		(f.User == "" || e.User == f.User) &&
		(f.ExamID == "" || e.Exam() == f.ExamID)
}

// Apply filters entries.
func (f Filter) Apply(entries []Entry) []Entry {
	var out []Entry
	for i := range entries {
		if f.Match(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Filter returns the entries of the log matching f.
func (l *Log) Filter(f Filter) ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	return f.Apply(entries), nil
}

// ExamEntries returns every entry about examID.
func (l *Log) ExamEntries(examID string) ([]Entry, error) {
	return l.Filter(Filter{ExamID: examID})
}

// UserEntries returns the most recent limit entries by user.
func (l *Log) UserEntries(user string, limit int) ([]Entry, error) {
	return l.Filter(Filter{User: user, Limit: limit})
}

// Statistics summarizes a log.
type Statistics struct {
	TotalEntries int            `json:"total_entries"`
	Events       map[string]int `json:"events"`
	Users        map[string]int `json:"users"`
	ChainValid   bool           `json:"chain_valid"`
	FirstEntry   *string        `json:"first_entry"`
	LastEntry    *string        `json:"last_entry"`
}

// Summarize computes Statistics over entries.
func Summarize(entries []Entry) Statistics {
	s := Statistics{
		TotalEntries: len(entries),
		Events:       make(map[string]int),
		Users:        make(map[string]int),
		ChainValid:   VerifyChain(entries),
	}
	for i := range entries {
		s.Events[entries[i].Event]++
		s.Users[entries[i].User]++
	}
	if n := len(entries); n > 0 {
		first, last := entries[0].Timestamp, entries[n-1].Timestamp
		s.FirstEntry, s.LastEntry = &first, &last
	}
	return s
}

// Statistics summarizes the log on disk.
func (l *Log) Statistics() (Statistics, error) {
	entries, err := l.Entries()
	if err != nil {
		return Statistics{}, err
	}
	return Summarize(entries), nil
}
