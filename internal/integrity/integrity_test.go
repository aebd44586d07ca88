package integrity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examseal/internal/sealerr"
)

func TestHashBytesKnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		HashString("abc"))
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.png")
	data := []byte("scrambled page bytes")
	require.NoError(t, os.WriteFile(path, data, 0644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, sealerr.ErrStorageIO)
}

func TestEqualIgnoresCase(t *testing.T) {
	h := HashString("x")
	assert.True(t, Equal(h, strings.ToUpper(h)))
	assert.False(t, Equal(h, HashString("y")))
}

func TestPageLabels(t *testing.T) {
	assert.Equal(t, "page_7", PageLabel(7))

	n, err := ParsePageLabel("page_12")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	for _, bad := range []string{"page_0", "page_", "pg_1", "page_x"} {
		_, err := ParsePageLabel(bad)
		assert.Error(t, err, bad)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := NewManifest()
	m.Set(2, HashString("two"))
	m.Set(1, HashString("one"))
	m.Set(10, HashString("ten"))

	data := m.Marshal()
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "page_1: "))
	assert.True(t, strings.HasPrefix(lines[2], "page_10: "))

	parsed, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m.Labels(), parsed.Labels())
	assert.Equal(t, []int{1, 2, 10}, parsed.Pages())
}

func TestParseManifestRejectsBadDigest(t *testing.T) {
	_, err := ParseManifest([]byte("page_1: nothex\n"))
	assert.Error(t, err)

	m, err := ParseManifest([]byte("# comment line\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestWriteReadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrity.sha256")
	m := NewManifest()
	m.Set(1, HashString("a"))
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	h, ok := got.Get(1)
	require.True(t, ok)
	assert.Equal(t, HashString("a"), h)

	_, err = ReadManifest(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, sealerr.ErrNotFound)
}

func TestManifestFromLabels(t *testing.T) {
	m, err := ManifestFromLabels(map[string]string{"page_1": HashString("a"), "page_2": HashString("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	_, err = ManifestFromLabels(map[string]string{"cover": HashString("a")})
	assert.Error(t, err)
}

func TestVerifyPages(t *testing.T) {
	pages := map[int][]byte{1: []byte("p1"), 2: []byte("p2"), 3: []byte("p3")}
	m := NewManifest()
	for p, data := range pages {
		m.Set(p, HashBytes(data))
	}
	src := func(page int) ([]byte, error) {
		data, ok := pages[page]
		if !ok {
			return nil, fmt.Errorf("%w: page %d", sealerr.ErrNotFound, page)
		}
		return data, nil
	}

	report := VerifyPages(m, src)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Total)
	assert.NoError(t, report.Err())

	t.Run("tampered page", func(t *testing.T) {
		pages[2] = []byte("p2!")
		defer func() { pages[2] = []byte("p2") }()

		report := VerifyPages(m, src)
		assert.False(t, report.Valid)
		assert.False(t, report.Pages[1].Valid)
		assert.True(t, report.Pages[0].Valid)
		err := report.Err()
		assert.ErrorIs(t, err, sealerr.ErrIntegrityMismatch)
		assert.Contains(t, err.Error(), "page_2")
	})

	t.Run("missing page", func(t *testing.T) {
		saved := pages[3]
		delete(pages, 3)
		defer func() { pages[3] = saved }()

		report := VerifyPages(m, src)
		assert.False(t, report.Valid)
		assert.Equal(t, 1, report.Missing)
	})
}

func TestVerifyPage(t *testing.T) {
	data := []byte("page")
	assert.NoError(t, VerifyPage(1, data, HashBytes(data)))
	err := VerifyPage(1, []byte("other"), HashBytes(data))
	assert.True(t, errors.Is(err, sealerr.ErrIntegrityMismatch))
}

func TestVerifyFiles(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(present, []byte("hello"), 0644))
	absent := filepath.Join(dir, "b.txt")

	res := VerifyFiles([]string{present, absent, dir})
	assert.True(t, res[present].Exists)
	assert.Equal(t, int64(5), res[present].Size)
	assert.Equal(t, HashString("hello"), res[present].Hash)
	assert.False(t, res[absent].Exists)
	assert.False(t, res[dir].Exists)
}
