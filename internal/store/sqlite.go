// Package store implements the metadata store on SQLite. The store is
// single-writer: one CLI process at a time. Concurrent processes against
// the same store file are out of scope and may corrupt state.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"stash/internal/stash"
	"stash/internal/store/migrations"
)

// SQLiteStore implements stash.MetadataStore.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ stash.MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store at path and brings the
// schema up to date. path can be ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store at %s: %w", path, err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the
// appropriate PRAGMAs. Exported for tools and tests that need a properly
// configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

const backupColumns = "stored_filename, filename, backend, backend_hash, backup_date, last_updated, size, tags, is_deleted, metadata"

// Insert creates a record, failing with stash.ErrDuplicateKey when the
// stored filename is already present.
func (s *SQLiteStore) Insert(b *stash.Backup) error {
	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO backups ("+backupColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		b.StoredFilename, b.Filename, string(b.Backend), b.BackendHash,
		b.BackupDate, b.LastUpdated, b.Size, strings.Join(b.Tags, " "),
		b.IsDeleted, string(metadata),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s: %w", b.StoredFilename, stash.ErrDuplicateKey)
		}
		return fmt.Errorf("inserting backup: %w", err)
	}
	return nil
}

// Upsert creates or overwrites the record keyed by stored filename.
func (s *SQLiteStore) Upsert(b *stash.Backup) error {
	metadata, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO backups (`+backupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(stored_filename) DO UPDATE SET
		   filename = excluded.filename,
		   backend = excluded.backend,
		   backend_hash = excluded.backend_hash,
		   backup_date = excluded.backup_date,
		   last_updated = excluded.last_updated,
		   size = excluded.size,
		   tags = excluded.tags,
		   is_deleted = excluded.is_deleted,
		   metadata = excluded.metadata`,
		b.StoredFilename, b.Filename, string(b.Backend), b.BackendHash,
		b.BackupDate, b.LastUpdated, b.Size, strings.Join(b.Tags, " "),
		b.IsDeleted, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("upserting backup: %w", err)
	}
	return nil
}

// Search returns matching records ordered by last_updated, newest first.
func (s *SQLiteStore) Search(q stash.SearchQuery) ([]*stash.Backup, error) {
	where, args := buildWhere(q)

	rows, err := s.db.Query(
		"SELECT "+backupColumns+" FROM backups"+where+" ORDER BY last_updated DESC",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("searching backups: %w", err)
	}
	defer rows.Close()

	backups := []*stash.Backup{}
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searching backups: %w", err)
	}
	return backups, nil
}

// MatchOne resolves a user-supplied name to the single most recent
// matching record by backup date, or nil when nothing matches.
func (s *SQLiteStore) MatchOne(name string, destinations []stash.Destination, backendHashes []string) (*stash.Backup, error) {
	where, args := buildWhere(stash.SearchQuery{
		Name:          name,
		Destinations:  destinations,
		BackendHashes: backendHashes,
	})

	row := s.db.QueryRow(
		"SELECT "+backupColumns+" FROM backups"+where+" ORDER BY backup_date DESC LIMIT 1",
		args...,
	)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetDeleted flips the soft-delete flag and bumps last_updated.
// The row is never physically removed; it remains as a sync tombstone.
func (s *SQLiteStore) SetDeleted(b *stash.Backup, now int64) error {
	_, err := s.db.Exec(
		"UPDATE backups SET is_deleted = 1, last_updated = ? WHERE stored_filename = ?",
		now, b.StoredFilename,
	)
	if err != nil {
		return fmt.Errorf("marking backup deleted: %w", err)
	}
	b.IsDeleted = true
	b.LastUpdated = now
	return nil
}

// GetConfig reads a process-state value.
func (s *SQLiteStore) GetConfig(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config key %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig writes a process-state value.
func (s *SQLiteStore) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing config key %q: %w", key, err)
	}
	return nil
}

// GetArchiveID returns the cold-storage archive id for a stored
// filename, or "" when absent.
func (s *SQLiteStore) GetArchiveID(storedFilename string) (string, error) {
	var id string
	err := s.db.QueryRow("SELECT archive_id FROM inventory WHERE filename = ?", storedFilename).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading archive id: %w", err)
	}
	return id, nil
}

// SetArchiveID creates or replaces the stored filename -> archive id
// mapping.
func (s *SQLiteStore) SetArchiveID(storedFilename, archiveID string) error {
	_, err := s.db.Exec(
		"INSERT INTO inventory (filename, archive_id) VALUES (?, ?) ON CONFLICT(filename) DO UPDATE SET archive_id = excluded.archive_id",
		storedFilename, archiveID,
	)
	if err != nil {
		return fmt.Errorf("writing archive id: %w", err)
	}
	return nil
}

// DeleteArchiveID removes the mapping; a missing key is a no-op.
func (s *SQLiteStore) DeleteArchiveID(storedFilename string) error {
	if _, err := s.db.Exec("DELETE FROM inventory WHERE filename = ?", storedFilename); err != nil {
		return fmt.Errorf("deleting archive id: %w", err)
	}
	return nil
}

// ListArchives returns the stored filenames with a known archive id.
func (s *SQLiteStore) ListArchives() ([]string, error) {
	rows, err := s.db.Query("SELECT filename FROM inventory ORDER BY filename")
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("listing archives: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	return names, nil
}

// GetJobID returns the pending retrieval job id for a stored filename,
// or "" when absent.
func (s *SQLiteStore) GetJobID(storedFilename string) (string, error) {
	var id string
	err := s.db.QueryRow("SELECT job_id FROM jobs WHERE filename = ?", storedFilename).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading job id: %w", err)
	}
	return id, nil
}

// SetJobID creates or replaces the stored filename -> job id mapping.
// At most one live job per stored filename.
func (s *SQLiteStore) SetJobID(storedFilename, jobID string) error {
	_, err := s.db.Exec(
		"INSERT INTO jobs (filename, job_id) VALUES (?, ?) ON CONFLICT(filename) DO UPDATE SET job_id = excluded.job_id",
		storedFilename, jobID,
	)
	if err != nil {
		return fmt.Errorf("writing job id: %w", err)
	}
	return nil
}

// DeleteJobID removes the mapping; a missing key is a no-op.
func (s *SQLiteStore) DeleteJobID(storedFilename string) error {
	if _, err := s.db.Exec("DELETE FROM jobs WHERE filename = ?", storedFilename); err != nil {
		return fmt.Errorf("deleting job id: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// buildWhere translates a SearchQuery into a WHERE clause. Zero-value
// filters are skipped.
func buildWhere(q stash.SearchQuery) (string, []any) {
	conds := []string{}
	args := []any{}

	if q.Name != "" {
		conds = append(conds, "(filename LIKE ? OR stored_filename LIKE ?)")
		pattern := "%" + q.Name + "%"
		args = append(args, pattern, pattern)
	}
	if len(q.Destinations) > 0 {
		placeholders := strings.Repeat("?,", len(q.Destinations))
		conds = append(conds, "backend IN ("+placeholders[:len(placeholders)-1]+")")
		for _, d := range q.Destinations {
			args = append(args, string(d))
		}
	}
	if len(q.BackendHashes) > 0 {
		placeholders := strings.Repeat("?,", len(q.BackendHashes))
		conds = append(conds, "backend_hash IN ("+placeholders[:len(placeholders)-1]+")")
		for _, h := range q.BackendHashes {
			args = append(args, h)
		}
	}
	if !q.IncludeDeleted {
		conds = append(conds, "is_deleted = 0")
	}
	if q.OlderThan != nil {
		conds = append(conds, "backup_date < ?")
		args = append(args, *q.OlderThan)
	}
	if q.BackupDate > 0 {
		conds = append(conds, "backup_date = ?")
		args = append(args, q.BackupDate)
	}
	if q.UpdatedSince > 0 {
		conds = append(conds, "last_updated > ?")
		args = append(args, q.UpdatedSince)
	}
	for _, tag := range q.Tags {
		conds = append(conds, "tags LIKE ?")
		args = append(args, "%"+tag+"%")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBackup(row scanner) (*stash.Backup, error) {
	var (
		b        stash.Backup
		backend  string
		tags     string
		metadata string
	)
	err := row.Scan(&b.StoredFilename, &b.Filename, &backend, &b.BackendHash,
		&b.BackupDate, &b.LastUpdated, &b.Size, &tags, &b.IsDeleted, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning backup: %w", err)
	}

	b.Backend = stash.Destination(backend)
	if tags != "" {
		b.Tags = strings.Fields(tags)
	}
	if err := json.Unmarshal([]byte(metadata), &b.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", b.StoredFilename, err)
	}
	return &b, nil
}
