// Package recordcrypt protects sensitive record fields before they are
// committed and produces attestations over arbitrary payloads.
//
// A Suite performs authenticated encryption (AES-256-GCM by default,
// ChaCha20-Poly1305 optionally) keyed by a single 32-byte master key.
// A Signer produces RSA-SHA256 signatures over the canonical form of a
// payload. Both are stateless beyond their injected key material and are safe
// for concurrent use.
//
// Key material is supplied by the operator; this package loads and validates
// it but never rotates it. Missing keys are not a construction failure: they
// surface as ErrKeyNotConfigured / ErrPrivateKeyNotConfigured on first use.
package recordcrypt

import "errors"

var (
	// ErrKeyNotConfigured is returned by Suite operations when no valid
	// 32-byte symmetric key was supplied.
	ErrKeyNotConfigured = errors.New("symmetric key not configured")

	// ErrPrivateKeyNotConfigured is returned by Signer.Sign when the signer
	// holds no private key.
	ErrPrivateKeyNotConfigured = errors.New("private key not configured")

	// ErrPublicKeyNotConfigured is returned when a public key is requested
	// from a signer that has none.
	ErrPublicKeyNotConfigured = errors.New("public key not configured")

	// ErrAuthenticationFailed is returned when an envelope fails AEAD tag
	// verification: it was tampered with or sealed under a different key.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrWeakKey is returned for RSA keys below MinRSABits.
	ErrWeakKey = errors.New("rsa key too small")
)
