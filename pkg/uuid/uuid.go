// Package uuid provides time-ordered identifiers for completions and ledger rows.
// UUID v7 sorts by creation time, which keeps ledger inserts append-friendly.
package uuid

import (
	guuid "github.com/google/uuid"
)

// UUID is a version 7 identifier.
type UUID = guuid.UUID

// NewV7 returns a new UUID v7. It falls back to a random v4 if the clock-based
// generator fails, so callers never have to handle an error.
func NewV7() UUID {
	u, err := guuid.NewV7()
	if err != nil {
		return guuid.New()
	}
	return u
}

// NewString returns NewV7 in canonical form: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func NewString() string {
	return NewV7().String()
}
