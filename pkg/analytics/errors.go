package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a malformed ingestion or reporting request
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionNotFound is returned by Store.GetSession for an unknown id
	ErrSessionNotFound = errors.New("session not found")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
