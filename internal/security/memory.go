package security

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	memguard.WipeBytes(data)
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GuardedExec runs fn with key and wipes key afterwards, regardless of errors.
func GuardedExec(key []byte, fn func([]byte) error) error {
	defer Wipe(key)
	return fn(key)
}
