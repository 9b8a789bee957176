package sstore

import "github.com/pkg/errors"

var (
	// ErrAccessDenied is returned when the database directory cannot be used.
	ErrAccessDenied = errors.New("access denied")
	// ErrDatabaseInUse is returned when another instance holds the directory lock.
	ErrDatabaseInUse = errors.New("database directory is locked by another instance")
	// ErrCorruptFormat is returned when a collection file fails validation at open.
	ErrCorruptFormat = errors.New("corrupt collection format")
	// ErrCollectionNotFound is returned by RemoveOlderThan for a collection
	// that was never opened in this session.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrAllocationExhausted is returned when a collection heap runs out of
	// 32-bit address space.
	ErrAllocationExhausted = errors.New("heap address space exhausted")

	ErrDatabaseClosed = errors.New("database closed")
	ErrInvalidName    = errors.New("invalid collection name")
	ErrShortRead      = errors.New("short read")
	ErrShortWrite     = errors.New("short write")
)
