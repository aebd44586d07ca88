package metadata

import (
	"encoding/json"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examseal/internal/asset"
	"examseal/internal/integrity"
	"examseal/internal/logging"
	"examseal/internal/phe"
	"examseal/internal/sealerr"
)

type staticKeys struct {
	sk *phe.PrivateKey
}

func (k staticKeys) PHEKeyPair() (*phe.PrivateKey, error)  { return k.sk, nil }
func (k staticKeys) PHEPublicKey() (*phe.PublicKey, error) { return k.sk.Public(), nil }

var (
	keyOnce sync.Once
	pheKeys [2]*phe.PrivateKey
)

func testKeys(t *testing.T) [2]*phe.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for i := range pheKeys {
			k, err := phe.GenerateKeyPair(nil, 512)
			if err != nil {
				panic(err)
			}
			pheKeys[i] = k
		}
	})
	return pheKeys
}

var (
	uploadTime = time.Date(2026, 5, 4, 10, 15, 30, 0, time.Local)
	examTime   = uploadTime.Add(2 * time.Hour)
)

func newStore(t *testing.T, which int) *Store {
	t.Helper()
	return New(Options{
		Layout: asset.Layout{Root: t.TempDir()},
		Keys:   staticKeys{sk: testKeys(t)[which]},
		Clock:  func() time.Time { return examTime.Add(5 * time.Minute) },
		Logger: logging.Discard(),
	})
}

func pageHashes() map[string]string {
	return map[string]string{
		"page_1": integrity.HashString("one"),
		"page_2": integrity.HashString("two"),
		"page_3": integrity.HashString("three"),
	}
}

func sealRecord(t *testing.T, s *Store, examID string) *Record {
	t.Helper()
	rec, err := s.Encrypt(PlainRecord{
		ExamID:        examID,
		Uploader:      "faculty1",
		UploadTime:    uploadTime,
		ScheduledTime: examTime,
	}, pageHashes())
	require.NoError(t, err)
	unlock, err := s.Locks().Lock(examID)
	require.NoError(t, err)
	defer unlock()
	require.NoError(t, s.Create(rec))
	return rec
}

func TestEncryptDecrypt(t *testing.T) {
	s := newStore(t, 0)
	rec, err := s.Encrypt(PlainRecord{
		ExamID:        "math-201",
		Uploader:      "faculty1",
		UploadTime:    uploadTime,
		ScheduledTime: examTime,
	}, pageHashes())
	require.NoError(t, err)

	assert.Equal(t, "2026-05-04T10:15:30", rec.UploadTime)
	assert.Equal(t, "2026-05-04T12:15:30", rec.ScheduledTime)
	assert.Equal(t, 3, rec.TotalPages)
	assert.False(t, rec.KeyReleased)
	assert.Nil(t, rec.ReleaseTime)
	assert.Equal(t, pageHashes(), rec.PlainHashes)
	assert.Len(t, rec.PHEHashes, 3)

	dec, err := s.Decrypt(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.UploadTime, dec.Timestamp)
	assert.Zero(t, dec.AccessCounter)

	for label, digest := range pageHashes() {
		v, _ := new(big.Int).SetString(digest, 16)
		v.Mod(v, HashModulus)
		assert.Equal(t, v.Text(16), dec.Hashes[label], label)
		// reduced hashes are advisory and never equal the real digest
		assert.NotEqual(t, digest, dec.Hashes[label])
	}
}

func TestEncryptRejectsBadHashes(t *testing.T) {
	s := newStore(t, 0)
	plain := PlainRecord{ExamID: "x", UploadTime: uploadTime, ScheduledTime: examTime}

	_, err := s.Encrypt(plain, map[string]string{"page_0": integrity.HashString("a")})
	assert.Error(t, err)
	_, err = s.Encrypt(plain, map[string]string{"page_1": "zz"})
	assert.Error(t, err)
	_, err = s.Encrypt(plain, map[string]string{"page_1": "abcd"})
	assert.Error(t, err)
}

func TestDecryptWithWrongKeyPair(t *testing.T) {
	rec, err := newStore(t, 0).Encrypt(PlainRecord{
		ExamID:        "wrong-key",
		UploadTime:    uploadTime,
		ScheduledTime: examTime,
	}, pageHashes())
	require.NoError(t, err)

	_, err = newStore(t, 1).Decrypt(rec)
	assert.ErrorIs(t, err, sealerr.ErrDecryptionFailure)
}

func TestDecryptDetectsTimestampMismatch(t *testing.T) {
	s := newStore(t, 0)
	rec, err := s.Encrypt(PlainRecord{ExamID: "ts", UploadTime: uploadTime, ScheduledTime: examTime}, pageHashes())
	require.NoError(t, err)

	rec.UploadTime = "2026-05-04T10:15:31"
	_, err = s.Decrypt(rec)
	assert.ErrorIs(t, err, sealerr.ErrDecryptionFailure)
}

func TestCreateLoad(t *testing.T) {
	s := newStore(t, 0)
	rec := sealRecord(t, s, "chem-110")

	got, err := s.Load("chem-110")
	require.NoError(t, err)
	assert.Equal(t, rec.ExamID, got.ExamID)
	assert.Equal(t, rec.PlainHashes, got.PlainHashes)
	assert.Equal(t, 0, rec.PHEAccessCounter.Ciphertext.Cmp(got.PHEAccessCounter.Ciphertext))

	unlock, err := s.Locks().Lock("chem-110")
	require.NoError(t, err)
	err = s.Create(rec)
	unlock()
	assert.ErrorIs(t, err, sealerr.ErrInvalidState)

	_, err = s.Load("absent")
	assert.ErrorIs(t, err, sealerr.ErrNotFound)
	_, err = s.Load("../escape")
	assert.Error(t, err)
}

func TestPersistedFormat(t *testing.T) {
	s := newStore(t, 0)
	sealRecord(t, s, "bio-150")

	data, err := os.ReadFile(s.layout.MetadataPath("bio-150"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "release_time")
	assert.Nil(t, doc["release_time"])
	assert.NotContains(t, doc, "decrypted")
	assert.NotContains(t, doc, "last_access")

	counter := doc["phe_access_counter"].(map[string]any)
	assert.IsType(t, "", counter["ciphertext"])
	assert.Equal(t, 0.0, counter["exponent"])
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"exam_id\""))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	s := newStore(t, 0)
	rec := sealRecord(t, s, "unknown")
	data, err := rec.Marshal()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["shadow_key"] = "x"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = Parse(tampered)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseMalformed(t *testing.T) {
	s := newStore(t, 0)
	rec := sealRecord(t, s, "malformed")
	data, err := rec.Marshal()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		target error
	}{
		{"missing counter", func(d map[string]any) { delete(d, "phe_access_counter") }, ErrMalformedRecord},
		{"bad page label", func(d map[string]any) {
			d["plain_hashes"] = map[string]any{"page_one": integrity.HashString("x")}
		}, ErrMalformedRecord},
		{"short hash", func(d map[string]any) { d["plain_hashes"] = map[string]any{"page_1": "abc"} }, ErrMalformedRecord},
		{"extra ciphertext field", func(d map[string]any) {
			d["phe_access_counter"] = map[string]any{"ciphertext": "5", "exponent": 0, "x": 1}
		}, ErrMalformedRecord},
		{"non-numeric ciphertext", func(d map[string]any) {
			d["phe_access_counter"] = map[string]any{"ciphertext": "12ab", "exponent": 0}
		}, sealerr.ErrInvalidCiphertext},
		{"non-integer exponent", func(d map[string]any) {
			d["phe_access_counter"] = map[string]any{"ciphertext": "5", "exponent": -2}
		}, sealerr.ErrInvalidCiphertext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc map[string]any
			require.NoError(t, json.Unmarshal(data, &doc))
			tt.mutate(doc)
			b, err := json.Marshal(doc)
			require.NoError(t, err)
			_, err = Parse(b)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	_, err = Parse([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestAddAccess(t *testing.T) {
	s := newStore(t, 0)
	first := sealRecord(t, s, "hist-300")

	for i := 0; i < 3; i++ {
		_, err := s.Update("hist-300", s.AddAccess)
		require.NoError(t, err)
	}

	rec, err := s.Load("hist-300")
	require.NoError(t, err)
	assert.NotEqual(t, 0, first.PHEAccessCounter.Ciphertext.Cmp(rec.PHEAccessCounter.Ciphertext))
	assert.Equal(t, "2026-05-04T12:20:30", rec.LastAccess)

	n, err := s.AccessCount("hist-300")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	dec, err := s.Decrypt(rec)
	require.NoError(t, err)
	assert.EqualValues(t, 3, dec.AccessCounter)

	_, err = s.Update("missing", s.AddAccess)
	assert.ErrorIs(t, err, sealerr.ErrNotFound)
}

func TestAddAccessConcurrent(t *testing.T) {
	s := newStore(t, 0)
	sealRecord(t, s, "concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update("concurrent", s.AddAccess)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := s.AccessCount("concurrent")
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)
}

func TestAddAccessWritesNothing(t *testing.T) {
	s := newStore(t, 0)
	sealRecord(t, s, "staged")

	rec, err := s.Load("staged")
	require.NoError(t, err)
	require.NoError(t, s.AddAccess(rec))

	n, err := s.AccessCount("staged")
	require.NoError(t, err)
	assert.Zero(t, n)

	unlock, err := s.Locks().Lock("staged")
	require.NoError(t, err)
	require.NoError(t, s.Replace(rec))
	unlock()

	n, err = s.AccessCount("staged")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec.ExamID = "never-sealed"
	assert.ErrorIs(t, s.Replace(rec), sealerr.ErrNotFound)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := newStore(t, 0)
	sealRecord(t, s, "rollback")

	_, err := s.Update("rollback", func(r *Record) error {
		r.KeyReleased = true
		return sealerr.ErrReleaseTooEarly
	})
	assert.ErrorIs(t, err, sealerr.ErrReleaseTooEarly)

	rec, err := s.Load("rollback")
	require.NoError(t, err)
	assert.False(t, rec.KeyReleased)
}

func TestRecordLabelsAndManifest(t *testing.T) {
	rec := &Record{PlainHashes: map[string]string{
		"page_10": integrity.HashString("10"),
		"page_2":  integrity.HashString("2"),
		"page_1":  integrity.HashString("1"),
	}}
	assert.Equal(t, []string{"page_1", "page_2", "page_10"}, rec.Labels())

	m, err := rec.Manifest()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 10}, m.Pages())
}
