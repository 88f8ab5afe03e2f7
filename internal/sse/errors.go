package sse

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a frame grows past the configured
	// maximum without being terminated. The stream must be torn down.
	ErrFrameTooLarge = errors.New("sse: frame exceeds maximum size")

	// ErrInvalidField is returned by the encoder when an id or event name
	// contains a line break and cannot be framed.
	ErrInvalidField = errors.New("sse: field contains line break")
)

// FrameError describes a single malformed frame. The frame is skipped and
// decoding can continue with the next call to Next.
type FrameError struct {
	Field  string
	ID     string
	Reason string
}

func (e *FrameError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("sse: malformed %s field in frame %q: %s", e.Field, e.ID, e.Reason)
	}
	return fmt.Sprintf("sse: malformed %s field: %s", e.Field, e.Reason)
}

// IsRecoverable reports whether err only invalidates the current frame.
func IsRecoverable(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
