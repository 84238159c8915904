package stash

import "io"

// ExcludeFunc reports whether a path inside an archive source should be
// skipped. Paths are relative to the archive root.
type ExcludeFunc func(path string) bool

// Archiver is the compression/tar codec boundary. The engine treats it as
// an external collaborator: it only cares that Create and Extract round
// trip and that the exclusion predicate is honored.
type Archiver interface {
	// Create streams src (file or directory) as a gzip-compressed tar
	// archive into w, skipping entries matched by exclude. A nil exclude
	// keeps everything.
	Create(src string, w io.Writer, exclude ExcludeFunc) error

	// Extract unpacks a gzip-compressed tar archive from r into dir.
	Extract(r io.Reader, dir string) error

	// ExcludeRules builds the exclusion predicate for a source directory
	// from the first matching ignore file, checked in a fixed precedence
	// order. extraFiles are checked before the well-known names. Returns
	// nil when no ignore file exists.
	ExcludeRules(dir string, extraFiles []string) (ExcludeFunc, error)
}

// Encryptor is the symmetric-encryption boundary. Implementations must
// fail decryption cleanly on a wrong password, never produce wrong bytes.
type Encryptor interface {
	// Encrypt encrypts r into w with the given password.
	Encrypt(r io.Reader, w io.Writer, password string) error

	// Decrypt decrypts r into w. A wrong password or corrupted
	// ciphertext fails with an error wrapping ErrDecryptionFailed,
	// before any plaintext is written.
	Decrypt(r io.Reader, w io.Writer, password string) error
}

// PasswordPrompter reads a password interactively. Injected so the
// service can prompt before slow downloads and tests can stub it.
type PasswordPrompter interface {
	ReadPassword(prompt string) (string, error)
}
