package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist in its namespace.
	ErrNotFound = errors.New("storage: key not found")

	// ErrNamespaceNotFound is returned when a namespace has never been
	// created or written.
	ErrNamespaceNotFound = errors.New("storage: namespace not found")

	// ErrInvalidKey is returned for an empty namespace or a malformed key.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrInvalidValue is returned when a value is not valid JSON, or when a
	// whole-namespace write is not a JSON object.
	ErrInvalidValue = errors.New("storage: invalid value")
)
