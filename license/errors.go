package license

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is; the typed errors below match them.
var (
	ErrValidation    = errors.New("validation failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("license not found")
	ErrStorage       = errors.New("storage failure")
	ErrCorruptRecord = errors.New("corrupt license record")
)

// ValidationError is a client-caused input problem, reported before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}

type NotFoundError struct {
	Lookup string
}

func (e *NotFoundError) Error() string {
	return "license not found for " + e.Lookup
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StorageError wraps a store failure: unreachable, timed out or cancelled.
// Issuance is idempotent so callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

type CorruptRecordError struct {
	Key string
	Err error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("license record %s is corrupt: %v", e.Key, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrCorruptRecord
}
