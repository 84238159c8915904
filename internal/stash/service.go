package stash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// AutoSyncer triggers metadata synchronization after mutating operations.
// Implementations must never fail the parent operation.
type AutoSyncer interface {
	SyncAuto()
}

// ServiceConfig wires a Service. Store, Resolve, Archiver, Encryptor and
// Profile are required; the rest default to no-ops or real implementations.
type ServiceConfig struct {
	Store     MetadataStore
	Resolve   ResolveBackend
	Archiver  Archiver
	Encryptor Encryptor
	Prompter  PasswordPrompter
	Profile   *Profile
	Events    *Events
	Syncer    AutoSyncer
	Logger    Logger
	Clock     Clock
	IDGen     IDGenerator
}

// Service is the backup lifecycle and retention engine. It turns a
// filesystem path into an archive, uploads it through the backend
// abstraction, records it in the metadata store, and later restores,
// enumerates or prunes backups. Single-process, synchronous, blocking.
type Service struct {
	store     MetadataStore
	resolve   ResolveBackend
	archiver  Archiver
	encryptor Encryptor
	prompter  PasswordPrompter
	profile   *Profile
	events    *Events
	syncer    AutoSyncer
	logger    Logger
	clock     Clock
	idgen     IDGenerator
}

// NewService creates a Service from the given wiring.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = NewNopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.IDGen == nil {
		cfg.IDGen = UUIDGenerator{}
	}
	return &Service{
		store:     cfg.Store,
		resolve:   cfg.Resolve,
		archiver:  cfg.Archiver,
		encryptor: cfg.Encryptor,
		prompter:  cfg.Prompter,
		profile:   cfg.Profile,
		events:    cfg.Events,
		syncer:    cfg.Syncer,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		idgen:     cfg.IDGen,
	}
}

// BackupOptions controls CreateBackup.
type BackupOptions struct {
	// Destination overrides the profile default.
	Destination Destination
	// Password enables encryption; empty with Prompt set asks
	// interactively (blank answer disables encryption).
	Password string
	Prompt   bool
	// Tags are free-form, order preserved.
	Tags []string
	// NoCompress uploads the path itself as the payload.
	NoCompress bool
	// CustomFilename overrides the logical filename recorded in metadata.
	CustomFilename string
	// ExcludeFile is an explicit ignore file checked before the
	// well-known names.
	ExcludeFile string
}

// CreateBackup archives path, optionally encrypts it, uploads it under a
// versioned stored name and commits a metadata record. The record is only
// written after the upload is confirmed; a failure before that leaves no
// local state. Temporary artifacts created here are removed on every exit
// path; user-supplied input files are never removed.
func (s *Service) CreateBackup(path string, opts BackupOptions) (*Backup, error) {
	dest, backend, err := s.resolveDestination(opts.Destination)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	// Resolve the password up front so a confirmation mismatch aborts
	// before any compression or upload work.
	password, err := s.resolveBackupPassword(opts)
	if err != nil {
		return nil, err
	}

	compress := s.profile.Compress && !opts.NoCompress

	session := s.idgen.New()
	s.events.fireBeforeBackup(session)

	logical := LogicalName(path)
	now := s.clock.Now().UTC()

	s.logger.Info("backing up", "path", path, "destination", dest)

	payload, size, createdTemp, gzipped, err := s.preparePayload(path, info, logical, compress, opts.ExcludeFile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if createdTemp {
			os.Remove(payload)
		}
	}()

	encrypted := false
	if password != "" {
		s.logger.Info("encrypting")
		encPath, encSize, err := s.encryptPayload(payload, password)
		if createdTemp {
			// The pre-encryption artifact was ours; discard it now.
			os.Remove(payload)
		}
		if err != nil {
			createdTemp = false
			return nil, err
		}
		payload, size, createdTemp, encrypted = encPath, encSize, true, true
	}

	stored := EncodeStoredName(logical, now, compress, encrypted)

	s.logger.Info("uploading", "key", stored)
	if err := backend.Upload(stored, payload); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", stored, err)
	}

	filename := logical
	if opts.CustomFilename != "" {
		filename = opts.CustomFilename
	}

	b := &Backup{
		Filename:       filename,
		StoredFilename: stored,
		Backend:        dest,
		BackendHash:    s.profile.Hashes[dest],
		BackupDate:     now.Unix(),
		LastUpdated:    now.Unix(),
		Size:           size,
		Tags:           opts.Tags,
		Metadata: Metadata{
			IsEnc:     encrypted,
			IsGzipped: gzipped,
			Client:    s.profile.Hostname,
		},
	}

	// Commit only after the upload is confirmed. Same-second collisions
	// overwrite at the storage layer, so the record is keyed by stored
	// filename and upserted.
	if err := s.store.Upsert(b); err != nil {
		return nil, fmt.Errorf("recording backup: %w", err)
	}

	s.autoSync()
	s.events.fireOnBackup(session, b)
	s.logger.Info("backup complete", "key", stored, "size", size)
	return b, nil
}

// preparePayload selects the artifact to upload: the raw path when
// compression is off or the input is already a compressed tar, otherwise
// a freshly created temporary archive. Returns whether the artifact is a
// temp file owned by the engine.
func (s *Service) preparePayload(path string, info os.FileInfo, logical string, compress bool, excludeFile string) (payload string, size int64, createdTemp, gzipped bool, err error) {
	switch {
	case !compress:
		s.logger.Info("compression disabled")
		return path, info.Size(), false, false, nil

	case IsCompressedTar(logical):
		s.logger.Info("file already compressed")
		return path, info.Size(), false, false, nil

	default:
		s.logger.Info("compressing")
		var exclude ExcludeFunc
		if info.IsDir() {
			var extra []string
			if excludeFile != "" {
				extra = []string{excludeFile}
			}
			exclude, err = s.archiver.ExcludeRules(path, extra)
			if err != nil {
				return "", 0, false, false, fmt.Errorf("loading exclude rules: %w", err)
			}
		}

		tmp, err := os.CreateTemp("", "stash-archive-*.tgz")
		if err != nil {
			return "", 0, false, false, fmt.Errorf("creating temp archive: %w", err)
		}
		if err := s.archiver.Create(path, tmp, exclude); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", 0, false, false, fmt.Errorf("archiving %s: %w", path, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return "", 0, false, false, fmt.Errorf("closing temp archive: %w", err)
		}
		st, err := os.Stat(tmp.Name())
		if err != nil {
			os.Remove(tmp.Name())
			return "", 0, false, false, fmt.Errorf("stat temp archive: %w", err)
		}
		return tmp.Name(), st.Size(), true, true, nil
	}
}

// encryptPayload encrypts the payload file into a new temp file.
func (s *Service) encryptPayload(payload, password string) (string, int64, error) {
	in, err := os.Open(payload)
	if err != nil {
		return "", 0, fmt.Errorf("opening payload: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp("", "stash-enc-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}

	if err := s.encryptor.Encrypt(in, out, password); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("encrypting payload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("closing encrypted file: %w", err)
	}

	st, err := os.Stat(out.Name())
	if err != nil {
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("stat encrypted file: %w", err)
	}
	return out.Name(), st.Size(), nil
}

// resolveBackupPassword returns the effective password: the explicit one,
// or an interactive prompt with a confirmation that must match.
func (s *Service) resolveBackupPassword(opts BackupOptions) (string, error) {
	if opts.Password != "" || !opts.Prompt || s.prompter == nil {
		return opts.Password, nil
	}

	password, err := s.prompter.ReadPassword("Password (blank to disable encryption): ")
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if password == "" {
		return "", nil
	}

	confirm, err := s.prompter.ReadPassword("Password confirmation: ")
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if confirm != password {
		return "", ErrPasswordMismatch
	}
	return password, nil
}

// RestoreOptions controls RestoreBackup.
type RestoreOptions struct {
	Destination Destination
	Password    string
	Prompt      bool
	// JobCheck returns the live retrieval job status instead of waiting
	// silently when cold storage is not ready.
	JobCheck bool
	// Dir is the restore target directory; defaults to the current
	// working directory.
	Dir string
}

// RestoreResult reports the outcome of a restore: the files were
// extracted, or a cold retrieval is still pending (optionally with the
// live job status when JobCheck was requested).
type RestoreResult struct {
	Backup  *Backup
	Pending bool
	Job     *RetrievalJob
}

// RestoreBackup resolves name to exactly one stored object, downloads it,
// decrypts and extracts it. For cold storage the first call typically
// initiates the retrieval job and returns a pending result; the caller
// retries later.
func (s *Service) RestoreBackup(name string, opts RestoreOptions) (*RestoreResult, error) {
	dest, backend, err := s.resolveDestination(opts.Destination)
	if err != nil {
		return nil, err
	}

	b, err := s.store.MatchOne(name, []Destination{dest}, s.profile.AllHashes())
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	session := s.idgen.New()
	s.events.fireBeforeRestore(session)

	s.logger.Info("restoring", "key", b.StoredFilename)

	// Ask for the password before the potentially slow download so the
	// user does not wait through a transfer just to fail on a typo.
	password := opts.Password
	if b.Encrypted() && password == "" && opts.Prompt && s.prompter != nil {
		password, err = s.prompter.ReadPassword("Password: ")
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
	}

	s.logger.Info("downloading")
	out, err := backend.Download(b.StoredFilename)
	if errors.Is(err, ErrRetrievalPending) {
		s.logger.Info("retrieval not completed yet", "key", b.StoredFilename)
		res := &RestoreResult{Backup: b, Pending: true}
		if opts.JobCheck {
			if jc, ok := backend.(JobChecker); ok {
				job, jerr := jc.JobStatus(b.StoredFilename)
				if jerr != nil {
					return nil, fmt.Errorf("checking job status: %w", jerr)
				}
				res.Job = job
			}
		}
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", b.StoredFilename, err)
	}
	defer out.Close()

	var payload io.Reader = out
	if b.Encrypted() {
		s.logger.Info("decrypting")
		dec, err := os.CreateTemp("", "stash-restore-*")
		if err != nil {
			return nil, fmt.Errorf("creating temp file: %w", err)
		}
		defer os.Remove(dec.Name())
		defer dec.Close()

		if err := s.encryptor.Decrypt(out, dec, password); err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", b.StoredFilename, err)
		}
		if _, err := dec.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewinding decrypted file: %w", err)
		}
		payload = dec
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	if b.Compressed() {
		s.logger.Info("extracting")
		if err := s.archiver.Extract(payload, dir); err != nil {
			return nil, fmt.Errorf("extracting %s: %w", b.StoredFilename, err)
		}
	} else {
		target := filepath.Join(dir, b.Filename)
		f, err := os.Create(target)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", target, err)
		}
		if _, err := io.Copy(f, payload); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("closing %s: %w", target, err)
		}
	}

	s.events.fireOnRestore(session, b)
	s.logger.Info("restore complete", "key", b.StoredFilename)
	return &RestoreResult{Backup: b}, nil
}

// DeleteBackup resolves name to exactly one stored object, deletes the
// remote object and soft-deletes the metadata record. The record is kept
// as a tombstone for sync peers.
func (s *Service) DeleteBackup(name string, destination Destination) (*Backup, error) {
	dest, backend, err := s.resolveDestination(destination)
	if err != nil {
		return nil, err
	}

	b, err := s.store.MatchOne(name, []Destination{dest}, s.profile.AllHashes())
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	session := s.idgen.New()
	s.events.fireBeforeDelete(session)

	if err := s.deleteStored(backend, b); err != nil {
		return nil, err
	}

	s.autoSync()
	s.events.fireOnDelete(session, b)
	return b, nil
}

// DeleteOlderThan deletes every non-deleted backup matching name whose
// backup date is older than the given interval before now. The whole
// interval string is validated first; a bad interval applies nothing.
func (s *Service) DeleteOlderThan(name, interval string, destination Destination) ([]*Backup, error) {
	dest, backend, err := s.resolveDestination(destination)
	if err != nil {
		return nil, err
	}

	seconds, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	session := s.idgen.New()
	s.events.fireBeforeDeleteOlderThan(session)

	// The cutoff may fall before the epoch for a large interval; it is
	// still applied so such an interval deletes nothing.
	cutoff := s.clock.Now().UTC().Unix() - seconds
	backups, err := s.store.Search(SearchQuery{
		Name:          name,
		Destinations:  []Destination{dest},
		BackendHashes: s.profile.AllHashes(),
		OlderThan:     &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("searching backups: %w", err)
	}

	deleted := make([]*Backup, 0, len(backups))
	for _, b := range backups {
		if err := s.deleteStored(backend, b); err != nil {
			return deleted, err
		}
		deleted = append(deleted, b)
	}

	s.autoSync()
	s.events.fireOnDeleteOlderThan(session, deleted)
	return deleted, nil
}

// RotateBackups prunes backups matching name per the profile's
// grandfather-father-son rotation configuration.
func (s *Service) RotateBackups(name string, destination Destination) ([]*Backup, error) {
	dest, backend, err := s.resolveDestination(destination)
	if err != nil {
		return nil, err
	}

	rotation := s.profile.Rotation
	if rotation == nil {
		return nil, ErrRotationNotConfigured
	}

	session := s.idgen.New()
	s.events.fireBeforeRotateBackups(session)

	backups, err := s.store.Search(SearchQuery{
		Name:          name,
		Destinations:  []Destination{dest},
		BackendHashes: s.profile.AllHashes(),
	})
	if err != nil {
		return nil, fmt.Errorf("searching backups: %w", err)
	}

	dates := make([]time.Time, len(backups))
	for i, b := range backups {
		dates[i] = time.Unix(b.BackupDate, 0).UTC()
	}

	deleted := make([]*Backup, 0)
	for _, d := range RotationToDelete(dates, *rotation, s.clock.Now().UTC()) {
		// Re-resolve the scheduled date to its concrete record. When
		// several records share a backup date, the first by stored
		// filename goes first; repeated dates then fall through to the
		// next survivor since deleted rows drop out of the search.
		candidates, err := s.store.Search(SearchQuery{
			Name:          name,
			Destinations:  []Destination{dest},
			BackendHashes: s.profile.AllHashes(),
			BackupDate:    d.Unix(),
		})
		if err != nil {
			return deleted, fmt.Errorf("resolving backup at %d: %w", d.Unix(), err)
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].StoredFilename < candidates[j].StoredFilename
		})
		b := candidates[0]
		if err := s.deleteStored(backend, b); err != nil {
			return deleted, err
		}
		deleted = append(deleted, b)
	}

	s.autoSync()
	s.events.fireOnRotateBackups(session, deleted)
	return deleted, nil
}

// Search lists non-deleted backups matching the query, scoped to the
// profile. Empty destinations means all backends.
func (s *Service) Search(query string, destinations []Destination, tags []string) ([]*Backup, error) {
	if len(destinations) == 0 {
		destinations = []Destination{DestinationS3, DestinationGlacier, DestinationObject}
	}
	return s.store.Search(SearchQuery{
		Name:          query,
		Destinations:  destinations,
		BackendHashes: s.profile.AllHashes(),
		Tags:          tags,
	})
}

// ListRemote lists the raw remote object keys of a destination, including
// objects whose names do not decode (those are excluded from
// version-aware operations but still visible here).
func (s *Service) ListRemote(destination Destination) ([]string, error) {
	_, backend, err := s.resolveDestination(destination)
	if err != nil {
		return nil, err
	}
	return backend.List()
}

func (s *Service) resolveDestination(d Destination) (Destination, Backend, error) {
	if d == "" {
		d = s.profile.DefaultDestination
	}
	if d == "" {
		d = DestinationS3
	}
	backend, err := s.resolve(d)
	if err != nil {
		return "", nil, err
	}
	return d, backend, nil
}

// deleteStored removes the remote object, then soft-deletes the record.
func (s *Service) deleteStored(backend Backend, b *Backup) error {
	s.logger.Info("deleting", "key", b.StoredFilename)
	if err := backend.Delete(b.StoredFilename); err != nil {
		return fmt.Errorf("deleting %s from backend: %w", b.StoredFilename, err)
	}
	if err := s.store.SetDeleted(b, s.clock.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("marking %s deleted: %w", b.StoredFilename, err)
	}
	return nil
}

func (s *Service) autoSync() {
	if s.syncer != nil {
		s.syncer.SyncAuto()
	}
}
