package ftps

import "errors"

// Domain-specific errors for the file channel.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDial is returned when the control connection cannot be opened.
	ErrDial = errors.New("ftps: dial failed")

	// ErrLogin is returned when the printer rejects the credentials.
	ErrLogin = errors.New("ftps: login failed")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("ftps: client closed")

	// ErrInvalidPath is returned for empty or relative remote paths.
	ErrInvalidPath = errors.New("ftps: path must be absolute")
)
