package storage

import "errors"

var (
	// ErrInvalidArgument is returned when a key or value cannot be encoded
	// in the log. It is always detected before any I/O.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrKeyNotFound is returned when a key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrIO wraps any failure opening, reading, writing or syncing the log.
	ErrIO = errors.New("storage I/O failure")

	// ErrClosed is returned by every operation on a closed engine.
	ErrClosed = errors.New("engine is closed")
)
