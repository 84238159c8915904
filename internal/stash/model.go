package stash

import (
	"strings"
	"time"
)

// Destination identifies a storage backend tier.
type Destination string

const (
	// DestinationS3 is fast object storage (synchronous retrieval).
	DestinationS3 Destination = "s3"
	// DestinationGlacier is cold archival storage (asynchronous retrieval).
	DestinationGlacier Destination = "glacier"
	// DestinationObject is generic S3-compatible object storage.
	DestinationObject Destination = "object"
)

// ParseDestination validates a destination token from configuration or a flag.
func ParseDestination(s string) (Destination, error) {
	switch Destination(s) {
	case DestinationS3, DestinationGlacier, DestinationObject:
		return Destination(s), nil
	}
	return "", &ConfigurationError{Reason: "unknown destination: " + s}
}

// Metadata is the structured metadata stored alongside each backup record.
type Metadata struct {
	IsEnc     bool   `json:"is_enc"`
	IsGzipped bool   `json:"is_gzipped"`
	Client    string `json:"client,omitempty"`
}

// Backup is one archive version recorded in the metadata store.
// Rows are never physically removed; deletion flips IsDeleted so sync
// peers can observe tombstones.
type Backup struct {
	Filename       string      `json:"filename"`
	StoredFilename string      `json:"stored_filename"`
	Backend        Destination `json:"backend"`
	BackendHash    string      `json:"backend_hash"`
	BackupDate     int64       `json:"backup_date"`
	LastUpdated    int64       `json:"last_updated"`
	Size           int64       `json:"size"`
	Tags           []string    `json:"tags"`
	IsDeleted      bool        `json:"is_deleted"`
	Metadata       Metadata    `json:"metadata"`
}

// Encrypted reports whether the stored object is encrypted, from either
// the stored name suffix or the metadata flag.
func (b *Backup) Encrypted() bool {
	return strings.HasSuffix(b.StoredFilename, EncryptedSuffix) || b.Metadata.IsEnc
}

// Compressed reports whether the stored object is a compressed tar archive.
func (b *Backup) Compressed() bool {
	return strings.HasSuffix(b.StoredFilename, ArchiveSuffix) ||
		strings.HasSuffix(b.StoredFilename, ArchiveSuffix+EncryptedSuffix)
}

// RetrievalJob is the status of an asynchronous cold-storage retrieval,
// as reported by the backend. Returned to callers polling with job-check.
type RetrievalJob struct {
	ID             string
	Action         string
	StatusCode     string
	Completed      bool
	CreationDate   string
	CompletionDate string
	ArchiveSize    int64
}

// RotationConfig is the grandfather-father-son retention configuration
// for one profile.
type RotationConfig struct {
	Days         int
	Weeks        int
	Months       int
	FirstWeekDay time.Weekday
}

// Profile is the scope a Service operates under: which backend account
// each destination maps to, and the per-profile defaults. Built by the
// config package from one [profiles.*] table.
type Profile struct {
	Name               string
	DefaultDestination Destination
	Compress           bool
	Hostname           string
	// Hashes maps each configured destination to its backend fingerprint
	// (sha512 of access key + bucket/vault/container name). Metadata
	// queries are scoped to these so two profiles pointing at different
	// accounts never collide.
	Hashes   map[Destination]string
	Rotation *RotationConfig
}

// AllHashes returns every backend fingerprint known to the profile.
func (p *Profile) AllHashes() []string {
	hashes := make([]string, 0, len(p.Hashes))
	for _, d := range []Destination{DestinationS3, DestinationGlacier, DestinationObject} {
		if h, ok := p.Hashes[d]; ok {
			hashes = append(hashes, h)
		}
	}
	return hashes
}
