package stash

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no backup matched a name/destination/profile.
	ErrNotFound = errors.New("no backup matched")

	// ErrDuplicateKey is returned by strict inserts when a record with
	// the same stored filename already exists. The normal flow uses
	// upsert and never sees this.
	ErrDuplicateKey = errors.New("stored filename already exists")

	// ErrRetrievalPending means a cold-storage retrieval job is running
	// but not complete. Not a failure: the caller retries later.
	ErrRetrievalPending = errors.New("retrieval job not completed yet")

	// ErrRotationNotConfigured means the profile has no rotation table.
	ErrRotationNotConfigured = errors.New("backup rotation is not configured for this profile")

	// ErrDecryptionFailed means a wrong password or corrupted ciphertext.
	// Restore aborts before writing any output.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrPasswordMismatch means the interactive confirmation did not
	// match. Backup aborts before any compression or upload work.
	ErrPasswordMismatch = errors.New("password confirmation does not match")
)

// ConfigurationError is a fatal configuration problem (missing or invalid
// profile, unknown destination). Surfaced at startup, before side effects.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// InvalidIntervalError rejects a whole interval string; it is never
// partially applied.
type InvalidIntervalError struct {
	Interval string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval format: %q", e.Interval)
}
