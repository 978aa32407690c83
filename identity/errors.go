package identity

import "errors"

var (
	// ErrInvalidEnvelope names a failed signature check. Verify in this
	// package reports a mismatch as (false, nil) and does not return it.
	ErrInvalidEnvelope = errors.New("INVALID_ENVELOPE")

	// ErrCryptoFailed is returned for malformed keys or signatures
	// (wrong length, corrupt encoding) rather than a mismatch.
	ErrCryptoFailed = errors.New("CRYPTO_FAILED")

	// ErrIdentityMissing is returned when an operation that requires a
	// local private key (sign, getNodeId) is called before one is loaded.
	// This is a programmer error and is never recovered from.
	ErrIdentityMissing = errors.New("IDENTITY_MISSING")
)
