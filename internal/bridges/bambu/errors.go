package bambu

import (
	"errors"
	"fmt"
)

// Domain errors for the Bambu bridge package.
var (
	// ErrParse is wrapped by every *ParseError.
	ErrParse = errors.New("bambu: unparsable report")

	// ErrInvalidMessage is returned when an outgoing message is malformed.
	ErrInvalidMessage = errors.New("bambu: invalid message")

	// ErrBridgeStopped is returned when sending after Stop.
	ErrBridgeStopped = errors.New("bambu: bridge stopped")

	// ErrSendFailed is returned when the transport rejects a request.
	ErrSendFailed = errors.New("bambu: send failed")
)

// maxExcerpt bounds the payload excerpt carried by a ParseError.
const maxExcerpt = 64

// ParseError describes a report that could not be normalised.
type ParseError struct {
	Reason  string
	Excerpt string
}

func (e *ParseError) Error() string {
	if e.Excerpt == "" {
		return fmt.Sprintf("bambu: %s", e.Reason)
	}
	return fmt.Sprintf("bambu: %s (payload %q)", e.Reason, e.Excerpt)
}

// Unwrap lets callers match ErrParse with errors.Is.
func (e *ParseError) Unwrap() error {
	return ErrParse
}

func newParseError(reason string, payload []byte) *ParseError {
	excerpt := payload
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt]
	}
	return &ParseError{Reason: reason, Excerpt: sanitize(string(excerpt))}
}
