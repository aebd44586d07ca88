// Package sealerr defines the error taxonomy shared by the examseal
// protection engine.
//
// Every component returns explicit errors wrapping one of these sentinels
// with %w, so callers classify failures with errors.Is. Nothing inside the
// core retries: cryptographic operations are deterministic, and retrying a
// failed unwrap with the same inputs cannot succeed.
package sealerr

import "errors"

var (
	// ErrInvalidKeyParameters indicates a malformed ChaosKey (non-finite r,
	// x0 outside (0,1), non-positive Arnold parameters, negative seed).
	ErrInvalidKeyParameters = errors.New("examseal: invalid key parameters")

	// ErrDimensionMismatch indicates image dimensions that disagree with the
	// pixel buffer or with the dimensions the page was sealed with.
	ErrDimensionMismatch = errors.New("examseal: dimension mismatch")

	// ErrUnwrapFailure indicates a corrupt, truncated or forged wrapped key.
	ErrUnwrapFailure = errors.New("examseal: unwrap failure")

	// ErrDecryptionFailure indicates decryption with the wrong key pair.
	ErrDecryptionFailure = errors.New("examseal: decryption failure")

	// ErrInvalidCiphertext indicates a homomorphic ciphertext that cannot be
	// deserialized or is outside the scheme's ciphertext space.
	ErrInvalidCiphertext = errors.New("examseal: invalid ciphertext")

	// ErrChainBroken indicates the audit log hash chain failed verification.
	ErrChainBroken = errors.New("examseal: audit chain broken")

	// ErrReleaseTooEarly indicates a release-gated action before the
	// scheduled release instant.
	ErrReleaseTooEarly = errors.New("examseal: release too early")

	// ErrInvalidSchedule indicates a scheduled time outside the permitted
	// window, or a schedule change after the key was released.
	ErrInvalidSchedule = errors.New("examseal: invalid schedule")

	// ErrIntegrityMismatch indicates a content hash comparison failed.
	ErrIntegrityMismatch = errors.New("examseal: integrity mismatch")

	// ErrStorageIO indicates a failure reading or writing persisted state.
	ErrStorageIO = errors.New("examseal: storage i/o failure")

	// ErrNotFound indicates the requested asset does not exist.
	ErrNotFound = errors.New("examseal: not found")

	// ErrPermissionDenied indicates the asserted role may not invoke the
	// requested operation.
	ErrPermissionDenied = errors.New("examseal: permission denied")

	// ErrInvalidState indicates an operation that would move an asset
	// backwards through its release lifecycle.
	ErrInvalidState = errors.New("examseal: invalid lifecycle transition")
)

// IsSecurityViolation reports whether err signals tampering rather than a
// recoverable fault. Such errors must be surfaced as hard failures.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrChainBroken) || errors.Is(err, ErrIntegrityMismatch)
}

// IsRetryable reports whether a caller outside the core may retry the
// operation. Only transient storage failures qualify.
func IsRetryable(err error) bool {
	if err == nil || IsSecurityViolation(err) {
		return false
	}
	return errors.Is(err, ErrStorageIO)
}
