// Package asset describes the on-disk layout of a sealed exam and
// serializes mutations of one exam across goroutines and processes.
//
//	<root>/<exam_id>/
//	    scrambled_page_<n>.png
//	    chaos_key.enc
//	    metadata.json
//	    integrity.sha256
//	    decrypted/page_<n>.png
//	    .lock
package asset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"examseal/internal/sealerr"
	"examseal/internal/security"
)

// File names inside an asset directory.
const (
	KeyFile       = "chaos_key.enc"
	MetadataFile  = "metadata.json"
	IntegrityFile = "integrity.sha256"
	DecryptedDir  = "decrypted"
	LockFile      = ".lock"

	scrambledPrefix = "scrambled_page_"
	pageSuffix      = ".png"
)

// Layout resolves asset paths under a root uploads directory.
type Layout struct {
	Root string
}

// Dir returns the directory of examID after validating the id.
func (l Layout) Dir(examID string) (string, error) {
	if err := security.ValidateAssetID(examID); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, examID), nil
}

func (l Layout) join(examID string, elem ...string) string {
	return filepath.Join(append([]string{l.Root, examID}, elem...)...)
}

func (l Layout) KeyPath(examID string) string       { return l.join(examID, KeyFile) }
func (l Layout) MetadataPath(examID string) string  { return l.join(examID, MetadataFile) }
func (l Layout) IntegrityPath(examID string) string { return l.join(examID, IntegrityFile) }
func (l Layout) LockPath(examID string) string      { return l.join(examID, LockFile) }
func (l Layout) DecryptedDir(examID string) string  { return l.join(examID, DecryptedDir) }

// ScrambledPath returns the path of scrambled page n (1-indexed).
func (l Layout) ScrambledPath(examID string, n int) string {
	return l.join(examID, ScrambledName(n))
}

// DecryptedPath returns the path of recovered page n.
func (l Layout) DecryptedPath(examID string, n int) string {
	return l.join(examID, DecryptedDir, DecryptedName(n))
}

// DecryptedName is the file name of recovered page n.
func DecryptedName(n int) string {
	return "page_" + strconv.Itoa(n) + pageSuffix
}

// ScrambledName is the file name of scrambled page n.
func ScrambledName(n int) string {
	return scrambledPrefix + strconv.Itoa(n) + pageSuffix
}

// ParseScrambledName extracts the page number from a scrambled page file
// name.
func ParseScrambledName(name string) (int, bool) {
	if !strings.HasPrefix(name, scrambledPrefix) || !strings.HasSuffix(name, pageSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, scrambledPrefix), pageSuffix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Exists reports whether examID has a metadata file.
func (l Layout) Exists(examID string) bool {
	if security.ValidateAssetID(examID) != nil {
		return false
	}
	_, err := os.Stat(l.MetadataPath(examID))
	return err == nil
}

// ScrambledPages lists the scrambled page numbers of examID in page order.
func (l Layout) ScrambledPages(examID string) ([]int, error) {
	dir, err := l.Dir(examID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: exam %s", sealerr.ErrNotFound, examID)
		}
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	var pages []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseScrambledName(e.Name()); ok {
			pages = append(pages, n)
		}
	}
	sort.Ints(pages)
	return pages, nil
}

// Exams lists asset ids under the root that have metadata, sorted.
func (l Layout) Exams() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && l.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
