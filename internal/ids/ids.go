package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier suitable for sessions, turns and runs.
func New() string {
	return uuid.NewString()
}

// Valid reports whether raw parses as an identifier produced by New.
func Valid(raw string) bool {
	_, err := uuid.Parse(strings.TrimSpace(raw))
	return err == nil
}
