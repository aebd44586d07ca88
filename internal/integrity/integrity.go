// Package integrity computes and verifies SHA-256 content hashes of sealed
// artifacts and reads and writes the per-asset integrity.sha256 manifest.
//
// Page hashes always cover the scrambled bytes, never the original image,
// so verification is possible without releasing any key.
package integrity

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"examseal/internal/sealerr"
	"examseal/internal/security"
)

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the lowercase hex SHA-256 of the UTF-8 bytes of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashReader streams r through SHA-256.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile streams the file at path through SHA-256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	defer f.Close()

	sum, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", sealerr.ErrStorageIO, path, err)
	}
	return sum, nil
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(a, b string) bool {
	return security.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b)))
}

// PageLabel returns the manifest label of a 1-indexed page.
func PageLabel(page int) string {
	return "page_" + strconv.Itoa(page)
}

// ParsePageLabel returns the page number encoded in a label like "page_3".
func ParsePageLabel(label string) (int, error) {
	rest, ok := strings.CutPrefix(label, "page_")
	if !ok {
		return 0, fmt.Errorf("invalid page label %q", label)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid page label %q", label)
	}
	return n, nil
}

// Manifest maps 1-indexed pages to hex SHA-256 digests.
type Manifest struct {
	hashes map[int]string
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{hashes: make(map[int]string)}
}

// ManifestFromLabels builds a manifest from a page-label → hash map such as
// the plain_hashes field of metadata.json.
func ManifestFromLabels(labels map[string]string) (*Manifest, error) {
	m := NewManifest()
	for label, h := range labels {
		page, err := ParsePageLabel(label)
		if err != nil {
			return nil, err
		}
		m.Set(page, h)
	}
	return m, nil
}

// Set records the hash for page.
func (m *Manifest) Set(page int, hash string) {
	m.hashes[page] = strings.ToLower(hash)
}

// Get returns the hash recorded for page.
func (m *Manifest) Get(page int) (string, bool) {
	h, ok := m.hashes[page]
	return h, ok
}

// Len returns the number of pages in the manifest.
func (m *Manifest) Len() int {
	return len(m.hashes)
}

// Pages returns the recorded page numbers in ascending order.
func (m *Manifest) Pages() []int {
	pages := make([]int, 0, len(m.hashes))
	for p := range m.hashes {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// Labels returns the manifest as a page-label → hash map.
func (m *Manifest) Labels() map[string]string {
	out := make(map[string]string, len(m.hashes))
	for p, h := range m.hashes {
		out[PageLabel(p)] = h
	}
	return out
}

// Marshal renders the integrity.sha256 format: one "page_<n>: <hex>" line
// per page in page order.
func (m *Manifest) Marshal() []byte {
	var buf bytes.Buffer
	for _, p := range m.Pages() {
		fmt.Fprintf(&buf, "%s: %s\n", PageLabel(p), m.hashes[p])
	}
	return buf.Bytes()
}

// ParseManifest parses the integrity.sha256 format. Lines without a colon
// are skipped; malformed labels or digests are errors.
func ParseManifest(data []byte) (*Manifest, error) {
	m := NewManifest()
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if !strings.Contains(text, ":") {
			continue
		}
		label, digest, ok := strings.Cut(text, ": ")
		if !ok {
			return nil, fmt.Errorf("integrity manifest line %d: missing separator", line)
		}
		page, err := ParsePageLabel(label)
		if err != nil {
			return nil, fmt.Errorf("integrity manifest line %d: %w", line, err)
		}
		if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
			return nil, fmt.Errorf("integrity manifest line %d: invalid digest", line)
		}
		m.Set(page, digest)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteManifest persists m atomically at path.
func WriteManifest(path string, m *Manifest) error {
	if err := security.WriteFileAtomic(path, m.Marshal(), security.PermPublicFile); err != nil {
		return fmt.Errorf("%w: write manifest: %v", sealerr.ErrStorageIO, err)
	}
	return nil
}

// ReadManifest loads the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: integrity manifest %s", sealerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read manifest: %v", sealerr.ErrStorageIO, err)
	}
	return ParseManifest(data)
}
