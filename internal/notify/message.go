package notify

import (
	"fmt"
	"strings"
	"time"
)

// FormatStreamFailure creates the body for a stream that gave up.
func FormatStreamFailure(sessionKey string, streamID uint64, err error, at time.Time) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Session: %s\n", sessionKey))
	sb.WriteString(fmt.Sprintf("Stream: %d\n", streamID))
	sb.WriteString(fmt.Sprintf("Time: %s", at.UTC().Format(time.RFC3339)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}

// FormatDurabilityAbandoned creates the body for a token write that was
// dropped after its last retry.
func FormatDurabilityAbandoned(sessionKey string, attempts int, err error, at time.Time) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Session: %s\n", sessionKey))
	sb.WriteString(fmt.Sprintf("Attempts: %d\n", attempts))
	sb.WriteString(fmt.Sprintf("Time: %s", at.UTC().Format(time.RFC3339)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	sb.WriteString("\n\nResumption for this session may replay events.")
	return sb.String()
}
