package stash

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// ArchiveSuffix marks a stored object as a compressed tar archive.
	ArchiveSuffix = ".tgz"
	// EncryptedSuffix marks a stored object as encrypted.
	EncryptedSuffix = ".enc"

	// storedTimeLayout is the fixed-width 14-digit timestamp embedded in
	// stored names. Wire-visible; must stay parseable.
	storedTimeLayout = "20060102150405"
)

var (
	// storedNameRe matches the current naming scheme:
	// "{name}.{YYYYMMDDHHMMSS}.tgz" with an optional ".enc" suffix.
	storedNameRe = regexp.MustCompile(`^(.+)\.(\d{14})\.tgz(\.enc)?$`)

	// legacyStoredNameRe matches archives produced by earlier versions,
	// which omitted the dot before the timestamp.
	legacyStoredNameRe = regexp.MustCompile(`^(.+)(\d{14})\.tgz(\.enc)?$`)

	// archiveExtRe matches recognized compressed-tar extensions.
	archiveExtRe = regexp.MustCompile(`\.t(ar\.)?gz$`)
)

// LogicalName derives the logical backup name from a filesystem path:
// trailing separators stripped, last path segment kept.
func LogicalName(path string) string {
	return filepath.Base(strings.TrimRight(path, string(filepath.Separator)))
}

// IsCompressedTar reports whether the name carries a recognized
// compressed-tar extension (.tgz or .tar.gz).
func IsCompressedTar(name string) bool {
	return archiveExtRe.MatchString(name)
}

// StripArchiveExt removes a recognized compressed-tar extension, if any.
func StripArchiveExt(name string) string {
	return archiveExtRe.ReplaceAllString(name, "")
}

// EncodeStoredName composes the versioned stored name for a logical name
// and timestamp. A compressed-tar extension already present on the name
// is stripped before the timestamp and ".tgz" are appended. When
// compression is disabled the ".tgz" part is omitted. ".enc" is appended
// iff the archive is encrypted.
func EncodeStoredName(name string, t time.Time, compressed, encrypted bool) string {
	name = StripArchiveExt(name)
	stored := fmt.Sprintf("%s.%s", name, t.UTC().Format(storedTimeLayout))
	if compressed {
		stored += ArchiveSuffix
	}
	if encrypted {
		stored += EncryptedSuffix
	}
	return stored
}

// DecodeStoredName parses a stored name back into its logical name,
// timestamp and encryption flag. The legacy scheme without the dot before
// the timestamp still decodes. Objects that match neither pattern are
// excluded from version-aware operations but remain visible via listing.
func DecodeStoredName(stored string) (name string, t time.Time, encrypted bool, err error) {
	m := storedNameRe.FindStringSubmatch(stored)
	if m == nil {
		m = legacyStoredNameRe.FindStringSubmatch(stored)
	}
	if m == nil {
		return "", time.Time{}, false, fmt.Errorf("unrecognized stored name: %q", stored)
	}

	t, err = time.ParseInLocation(storedTimeLayout, m[2], time.UTC)
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("parsing timestamp in %q: %w", stored, err)
	}

	return m[1], t, m[3] == EncryptedSuffix, nil
}
