package stash

// SearchQuery filters the metadata store. Zero values mean "no filter".
type SearchQuery struct {
	// Name matches substrings of either the logical or the stored filename.
	Name string
	// Destinations restricts to the given backends.
	Destinations []Destination
	// BackendHashes scopes results to the given backend fingerprints so
	// queries never leak across profiles/accounts.
	BackendHashes []string
	// Tags requires every listed tag to be present.
	Tags []string
	// OlderThan keeps records with backup_date strictly before it. The
	// filter applies whenever set, even for cutoffs at or before the
	// epoch, which then match nothing.
	OlderThan *int64
	// BackupDate requires an exact backup_date match.
	BackupDate int64
	// UpdatedSince keeps records with last_updated strictly after it
	// (the sync watermark filter).
	UpdatedSince int64
	// IncludeDeleted includes soft-deleted records (tombstones).
	IncludeDeleted bool
}

// MetadataStore is the durable local record of every backup ever created,
// plus arbitrary key/value process state and the cold-storage archive and
// job indexes. Implementations are single-writer: concurrent processes
// against the same store file are out of scope.
type MetadataStore interface {
	// Insert creates a record, failing with ErrDuplicateKey if the
	// stored filename is already present.
	Insert(b *Backup) error

	// Upsert creates or overwrites the record keyed by stored filename.
	Upsert(b *Backup) error

	// Search returns matching records ordered by last_updated, newest
	// first. No match is an empty result, not an error.
	Search(q SearchQuery) ([]*Backup, error)

	// MatchOne collapses the search to the single most recent record by
	// backup_date, or nil when nothing matches. Used by restore/delete
	// to resolve a user-supplied name to exactly one stored object.
	MatchOne(name string, destinations []Destination, backendHashes []string) (*Backup, error)

	// SetDeleted flips the soft-delete flag and bumps last_updated to
	// now. Deleting an already-deleted record is a no-op.
	SetDeleted(b *Backup, now int64) error

	// GetConfig reads a process-state value (sync watermark, client
	// identity). The second return is false when the key is absent.
	GetConfig(key string) (string, bool, error)

	// SetConfig writes a process-state value.
	SetConfig(key, value string) error

	InventoryStore
	JobStore

	// Close closes the store.
	Close() error
}

// InventoryStore maps stored filenames to the opaque archive identifiers
// issued by cold storage at upload time.
type InventoryStore interface {
	// GetArchiveID returns the archive id for a stored filename, or ""
	// when absent.
	GetArchiveID(storedFilename string) (string, error)

	// SetArchiveID creates or replaces the mapping.
	SetArchiveID(storedFilename, archiveID string) error

	// DeleteArchiveID removes the mapping; missing keys are a no-op.
	DeleteArchiveID(storedFilename string) error

	// ListArchives returns the stored filenames with a known archive id.
	ListArchives() ([]string, error)
}

// JobStore maps stored filenames to in-flight retrieval job identifiers.
// At most one live job per stored filename.
type JobStore interface {
	// GetJobID returns the pending job id for a stored filename, or ""
	// when absent.
	GetJobID(storedFilename string) (string, error)

	// SetJobID creates or replaces the mapping.
	SetJobID(storedFilename, jobID string) error

	// DeleteJobID removes the mapping; missing keys are a no-op.
	DeleteJobID(storedFilename string) error
}
