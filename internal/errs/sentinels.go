// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrInvalidCredential covers wrong passwords, signature mismatches and
	// unknown principals. They are deliberately indistinguishable to callers.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrMalformedInput indicates an encoding or validation failure of client input.
	ErrMalformedInput = errors.New("malformed input")

	// ErrExpired indicates a token whose expiry has passed.
	ErrExpired = errors.New("token expired")

	// ErrRevoked indicates a token or identity present in the revocation overlay.
	ErrRevoked = errors.New("token revoked")

	// ErrUnauthorized indicates the principal does not own the target resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal indicates a server-side failure (lock poisoning, clock, rng).
	// Always treated as a deny.
	ErrInternal = errors.New("internal failure")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)
