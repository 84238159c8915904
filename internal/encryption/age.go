// Package encryption implements the symmetric-encryption boundary with
// filippo.io/age passphrase (scrypt) encryption.
package encryption

import (
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"stash/internal/stash"
)

// AgeEncryptor implements stash.Encryptor using age's scrypt-based
// passphrase encryption. A wrong password fails when the header is read,
// before any plaintext is produced.
type AgeEncryptor struct{}

var _ stash.Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor() *AgeEncryptor { return &AgeEncryptor{} }

// Encrypt reads plaintext from r and writes age ciphertext to w,
// protected by the password.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer, password string) error {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return nil
}

// Decrypt reads age ciphertext from r and writes plaintext to w. A wrong
// password or corrupted ciphertext fails with stash.ErrDecryptionFailed
// and writes nothing.
func (e *AgeEncryptor) Decrypt(r io.Reader, w io.Writer, password string) error {
	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		var badIdentity *age.NoIdentityMatchError
		if errors.As(err, &badIdentity) {
			return fmt.Errorf("%w: no identity matched", stash.ErrDecryptionFailed)
		}
		return fmt.Errorf("%w: %v", stash.ErrDecryptionFailed, err)
	}

	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("%w: %v", stash.ErrDecryptionFailed, err)
	}

	return nil
}
