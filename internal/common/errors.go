// Package common defines shared constants and sentinel errors used across
// client and server layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")
	// ErrRemoteKeyImmutable is returned when a different remote key is
	// assigned to a record that already has one.
	ErrRemoteKeyImmutable = errors.New("remote key already assigned")

	// Service-level errors.
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("version conflict")
	ErrValidation   = errors.New("validation error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
