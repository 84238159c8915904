package app

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"stash/internal/stash"
)

// termPrompter reads passwords from the terminal without echo.
type termPrompter struct{}

var _ stash.PasswordPrompter = (*termPrompter)(nil)

func (termPrompter) ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password from terminal: %w", err)
	}
	return string(password), nil
}
