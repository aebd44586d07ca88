package metadata

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"examseal/internal/asset"
	"examseal/internal/integrity"
	"examseal/internal/logging"
	"examseal/internal/phe"
	"examseal/internal/sealerr"
	"examseal/internal/security"
	"examseal/internal/timelock"
)

// KeyProvider supplies the Paillier key pair. keystore.Manager implements
// it.
type KeyProvider interface {
	PHEKeyPair() (*phe.PrivateKey, error)
	PHEPublicKey() (*phe.PublicKey, error)
}

// PlainRecord holds the plaintext fields of a freshly sealed exam.
type PlainRecord struct {
	ExamID        string
	Uploader      string
	UploadTime    time.Time
	ScheduledTime time.Time
	TotalPages    int
}

// Decrypted is the admin view of the encrypted fields.
type Decrypted struct {
	Timestamp     string `json:"decrypted_timestamp"`
	AccessCounter int64  `json:"decrypted_access_counter"`
	// Hashes are the page hashes reduced modulo HashModulus, in hex. They
	// do not match PlainHashes.
	Hashes map[string]string `json:"decrypted_hashes"`
}

// Options configures a Store.
type Options struct {
	Layout asset.Layout
	Keys   KeyProvider
	// Locks must be shared with every other writer of the same assets.
	Locks  *asset.Locks
	Clock  func() time.Time
	Logger *logging.Logger
}

// Store reads and writes metadata.json files.
type Store struct {
	layout asset.Layout
	keys   KeyProvider
	locks  *asset.Locks
	now    func() time.Time
	logger *logging.Logger
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.Locks == nil {
		opts.Locks = asset.NewLocks(opts.Layout)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Store{
		layout: opts.Layout,
		keys:   opts.Keys,
		locks:  opts.Locks,
		now:    opts.Clock,
		logger: opts.Logger.WithComponent("metadata"),
	}
}

// Locks returns the lock table guarding the store's assets.
func (s *Store) Locks() *asset.Locks {
	return s.locks
}

// Encrypt builds the record for a newly sealed exam. The upload timestamp
// is encrypted as epoch seconds, the access counter starts at Enc(0) and
// every page hash is encrypted after reduction modulo HashModulus.
func (s *Store) Encrypt(plain PlainRecord, pageHashes map[string]string) (*Record, error) {
	pk, err := s.keys.PHEPublicKey()
	if err != nil {
		return nil, fmt.Errorf("metadata: paillier public key: %w", err)
	}

	uploadTime := timelock.FormatISO(plain.UploadTime)
	epoch, err := timelock.UnixSeconds(uploadTime)
	if err != nil {
		return nil, err
	}
	ts, err := pk.Encrypt(epoch)
	if err != nil {
		return nil, fmt.Errorf("metadata: encrypt timestamp: %w", err)
	}
	counter, err := pk.Encrypt(0)
	if err != nil {
		return nil, fmt.Errorf("metadata: encrypt counter: %w", err)
	}

	rec := &Record{
		ExamID:           plain.ExamID,
		Uploader:         plain.Uploader,
		UploadTime:       uploadTime,
		ScheduledTime:    timelock.FormatISO(plain.ScheduledTime),
		TotalPages:       plain.TotalPages,
		PHETimestamp:     ts,
		PHEAccessCounter: counter,
		PHEHashes:        make(map[string]*phe.EncryptedNumber, len(pageHashes)),
		PlainHashes:      make(map[string]string, len(pageHashes)),
	}
	if rec.TotalPages == 0 {
		rec.TotalPages = len(pageHashes)
	}

	for label, digest := range pageHashes {
		if _, err := integrity.ParsePageLabel(label); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(digest, 16)
		if !ok || len(digest) != 64 {
			return nil, fmt.Errorf("metadata: %s: malformed sha-256 digest", label)
		}
		v.Mod(v, HashModulus)
		enc, err := pk.EncryptBig(v)
		if err != nil {
			return nil, fmt.Errorf("metadata: encrypt %s: %w", label, err)
		}
		rec.PHEHashes[label] = enc
		rec.PlainHashes[label] = strings.ToLower(digest)
	}
	return rec, nil
}

// Decrypt recovers the encrypted fields of rec. It requires the Paillier
// private key. A timestamp that disagrees with the plaintext upload time
// means the record was encrypted under another key pair.
func (s *Store) Decrypt(rec *Record) (*Decrypted, error) {
	sk, err := s.keys.PHEKeyPair()
	if err != nil {
		return nil, fmt.Errorf("metadata: paillier key pair: %w", err)
	}

	ts, err := sk.Decrypt(rec.PHETimestamp)
	if err != nil {
		return nil, fmt.Errorf("metadata: phe_timestamp: %w", err)
	}
	want, err := timelock.UnixSeconds(rec.UploadTime)
	if err != nil {
		return nil, err
	}
	if ts != want {
		return nil, fmt.Errorf("%w: phe_timestamp does not match upload_time", sealerr.ErrDecryptionFailure)
	}

	count, err := decryptCounter(sk, rec.PHEAccessCounter)
	if err != nil {
		return nil, err
	}

	out := &Decrypted{
		Timestamp:     timelock.FormatISO(time.Unix(ts, 0)),
		AccessCounter: count,
		Hashes:        make(map[string]string, len(rec.PHEHashes)),
	}
	for label, enc := range rec.PHEHashes {
		v, err := sk.DecryptBig(enc)
		if err != nil {
			return nil, fmt.Errorf("metadata: phe_hashes[%s]: %w", label, err)
		}
		if v.Sign() < 0 || v.Cmp(HashModulus) >= 0 {
			return nil, fmt.Errorf("%w: phe_hashes[%s] out of range", sealerr.ErrDecryptionFailure, label)
		}
		out.Hashes[label] = v.Text(16)
	}
	return out, nil
}

func decryptCounter(sk *phe.PrivateKey, enc *phe.EncryptedNumber) (int64, error) {
	n, err := sk.Decrypt(enc)
	if err != nil {
		return 0, fmt.Errorf("metadata: phe_access_counter: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative access counter", sealerr.ErrDecryptionFailure)
	}
	return n, nil
}

// Load reads the record of examID.
func (s *Store) Load(examID string) (*Record, error) {
	if _, err := s.layout.Dir(examID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.layout.MetadataPath(examID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: exam %s", sealerr.ErrNotFound, examID)
		}
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	rec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("exam %s: %w", examID, err)
	}
	return rec, nil
}

// Create persists a new record and fails if the exam already has metadata.
// The caller must hold the asset lock for rec.ExamID.
func (s *Store) Create(rec *Record) error {
	if _, err := s.layout.Dir(rec.ExamID); err != nil {
		return err
	}
	if s.layout.Exists(rec.ExamID) {
		return fmt.Errorf("%w: exam %s already sealed", sealerr.ErrInvalidState, rec.ExamID)
	}
	return s.write(rec)
}

func (s *Store) write(rec *Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("metadata: marshal: %w", err)
	}
	if err := security.WriteFileAtomic(s.layout.MetadataPath(rec.ExamID), data, security.PermPublicFile); err != nil {
		return fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	return nil
}

// Update runs fn on the current record under the asset lock and persists
// the result atomically. Nothing is written when fn fails. Callers must not
// already hold the lock for examID.
func (s *Store) Update(examID string, fn func(*Record) error) (*Record, error) {
	if !s.layout.Exists(examID) {
		if _, err := s.layout.Dir(examID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: exam %s", sealerr.ErrNotFound, examID)
	}
	unlock, err := s.locks.Lock(examID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.Load(examID)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Replace persists rec over the existing record of rec.ExamID. The caller
// must hold the asset lock.
func (s *Store) Replace(rec *Record) error {
	if !s.layout.Exists(rec.ExamID) {
		return fmt.Errorf("%w: exam %s", sealerr.ErrNotFound, rec.ExamID)
	}
	return s.write(rec)
}

// AddAccess adds Enc(1) to the access counter of rec without decrypting it
// and stamps last_access. Nothing is written.
func (s *Store) AddAccess(rec *Record) error {
	pk, err := s.keys.PHEPublicKey()
	if err != nil {
		return fmt.Errorf("metadata: paillier public key: %w", err)
	}
	next, err := pk.AddPlain(rec.PHEAccessCounter, 1)
	if err != nil {
		return fmt.Errorf("metadata: increment counter: %w", err)
	}
	rec.PHEAccessCounter = next
	rec.LastAccess = timelock.FormatISO(s.now())
	return nil
}

// AccessCount decrypts the access counter of examID.
func (s *Store) AccessCount(examID string) (int64, error) {
	rec, err := s.Load(examID)
	if err != nil {
		return 0, err
	}
	sk, err := s.keys.PHEKeyPair()
	if err != nil {
		return 0, fmt.Errorf("metadata: paillier key pair: %w", err)
	}
	return decryptCounter(sk, rec.PHEAccessCounter)
}
