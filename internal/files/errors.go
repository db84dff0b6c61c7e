package files

import (
	"errors"
	"fmt"
)

// ErrInvalidName is wrapped when a file name would escape the upload
// directory or contains control characters.
var ErrInvalidName = errors.New("files: invalid name")

// FileError describes a failed file operation.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("files: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the backend error.
func (e *FileError) Unwrap() error {
	return e.Err
}
