package integrity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"examseal/internal/sealerr"
)

// PageResult is the outcome of checking one page against the manifest.
type PageResult struct {
	Page        int    `json:"page"`
	StoredHash  string `json:"stored_hash"`
	CurrentHash string `json:"current_hash,omitempty"`
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
}

// Report aggregates per-page results. A report is valid only if every
// page in the manifest verified.
type Report struct {
	Valid   bool         `json:"valid"`
	Pages   []PageResult `json:"verification_results"`
	Total   int          `json:"total_pages"`
	Missing int          `json:"missing_pages"`
}

// Err returns ErrIntegrityMismatch describing the failed pages, or nil.
func (r *Report) Err() error {
	if r.Valid {
		return nil
	}
	var bad []string
	for _, p := range r.Pages {
		if !p.Valid {
			bad = append(bad, PageLabel(p.Page))
		}
	}
	return fmt.Errorf("%w: %s", sealerr.ErrIntegrityMismatch, strings.Join(bad, ", "))
}

// PageSource yields the current bytes of a page. It returns an error
// wrapping sealerr.ErrNotFound when the page is absent.
type PageSource func(page int) ([]byte, error)

// VerifyPages checks every manifest page against src.
func VerifyPages(m *Manifest, src PageSource) *Report {
	report := &Report{Valid: true, Total: m.Len()}
	for _, page := range m.Pages() {
		stored, _ := m.Get(page)
		res := PageResult{Page: page, StoredHash: stored}

		data, err := src(page)
		switch {
		case err != nil:
			res.Error = err.Error()
			if errors.Is(err, sealerr.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
				report.Missing++
			}
		default:
			res.CurrentHash = HashBytes(data)
			res.Valid = Equal(res.CurrentHash, stored)
		}

		if !res.Valid {
			report.Valid = false
		}
		report.Pages = append(report.Pages, res)
	}
	return report
}

// VerifyPage checks a single page's bytes against an expected digest.
func VerifyPage(page int, data []byte, expected string) error {
	if got := HashBytes(data); !Equal(got, expected) {
		return fmt.Errorf("%w: %s hash %s, expected %s", sealerr.ErrIntegrityMismatch, PageLabel(page), got, expected)
	}
	return nil
}

// FileInfo describes one file in a batch verification.
type FileInfo struct {
	Exists bool   `json:"exists"`
	Hash   string `json:"hash,omitempty"`
	Size   int64  `json:"size"`
}

// VerifyFiles hashes a batch of arbitrary files.
func VerifyFiles(paths []string) map[string]FileInfo {
	out := make(map[string]FileInfo, len(paths))
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil || st.IsDir() {
			out[p] = FileInfo{}
			continue
		}
		h, err := HashFile(p)
		if err != nil {
			out[p] = FileInfo{}
			continue
		}
		out[p] = FileInfo{Exists: true, Hash: h, Size: st.Size()}
	}
	return out
}
