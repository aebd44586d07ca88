package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Validation errors
var (
	ErrInvalidPath  = errors.New("security: invalid path")
	ErrInvalidInput = errors.New("security: invalid input")
)

// MaxAssetIDLength bounds exam identifiers, which become directory names.
const MaxAssetIDLength = 128

// ValidateAssetID checks that id is safe to use as a single path component.
func ValidateAssetID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty asset id", ErrInvalidInput)
	}
	if len(id) > MaxAssetIDLength {
		return fmt.Errorf("%w: asset id longer than %d bytes", ErrInvalidInput, MaxAssetIDLength)
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: asset id %q", ErrInvalidPath, id)
	}
	for _, r := range id {
		switch {
		case r == '-' || r == '_' || r == '.':
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		default:
			return fmt.Errorf("%w: asset id contains %q", ErrInvalidInput, r)
		}
	}
	return nil
}
