// Package app is the application layer between the CLI and the backup
// service. It constructs all dependencies from config and manages the
// store and log file lifecycle on Close.
package app

import (
	"fmt"
	"os"
	"time"

	"stash/internal/archive"
	"stash/internal/backend"
	"stash/internal/config"
	"stash/internal/encryption"
	"stash/internal/stash"
	"stash/internal/store"
	stashsync "stash/internal/sync"
)

// passwordEnv supplies the encryption password non-interactively.
const passwordEnv = "STASH_PASSWORD"

// App wires the service for one CLI invocation.
type App struct {
	cfg     *config.Config
	store   stash.MetadataStore
	service *stash.Service
	syncer  *stashsync.Syncer
	logFile *os.File
}

// NewApp creates a fully wired App from the given config and profile.
// operation identifies the CLI command being run (e.g. "Backup", "Restore").
// The caller must call Close when done.
func NewApp(cfg *config.Config, profileName, operation string) (*App, error) {
	name := profileName
	if name == "" {
		name = "default"
	}
	pc, err := cfg.Profile(name)
	if err != nil {
		return nil, err
	}

	hostID := cfg.HostID
	if hostID == "" {
		hostID, _ = os.Hostname()
	}

	profile, err := pc.ToProfile(name, hostID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewStoreFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	opID := fmt.Sprintf("%s-%s", operation, time.Now().UTC().Format("20060102T150405Z"))
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	events := stash.NewEvents()
	subscribeLogging(events, logger)

	var syncer *stashsync.Syncer
	var autoSync stash.AutoSyncer
	if pc.Sync != nil && pc.Sync.URL != "" {
		syncer = stashsync.NewSyncer(pc.Sync.URL, pc.Sync.Username, pc.Sync.Password, st, logger, stash.UUIDGenerator{})
		autoSync = syncer
	}

	svc := stash.NewService(stash.ServiceConfig{
		Store:     st,
		Resolve:   backend.NewResolver(pc, st, logger),
		Archiver:  archive.NewTarGzArchiver(),
		Encryptor: encryption.NewAgeEncryptor(),
		Prompter:  termPrompter{},
		Profile:   profile,
		Events:    events,
		Syncer:    autoSync,
		Logger:    logger,
	})

	return &App{
		cfg:     cfg,
		store:   st,
		service: svc,
		syncer:  syncer,
		logFile: logFile,
	}, nil
}

// subscribeLogging attaches the lifecycle hooks that record session
// boundaries in the log.
func subscribeLogging(events *stash.Events, logger stash.Logger) {
	events.SubscribeOnBackup(func(session string, b *stash.Backup) {
		logger.Debug("backup session finished", "session", session, "key", b.StoredFilename)
	})
	events.SubscribeOnRestore(func(session string, b *stash.Backup) {
		logger.Debug("restore session finished", "session", session, "key", b.StoredFilename)
	})
	events.SubscribeOnDelete(func(session string, b *stash.Backup) {
		logger.Debug("delete session finished", "session", session, "key", b.StoredFilename)
	})
	events.SubscribeOnDeleteOlderThan(func(session string, deleted []*stash.Backup) {
		logger.Debug("delete-older-than session finished", "session", session, "deleted", len(deleted))
	})
	events.SubscribeOnRotateBackups(func(session string, deleted []*stash.Backup) {
		logger.Debug("rotation session finished", "session", session, "deleted", len(deleted))
	})
}

// Backup archives rawPath and uploads it. The encryption password falls
// back to the STASH_PASSWORD environment variable when not given.
func (a *App) Backup(rawPath string, opts stash.BackupOptions) (*stash.Backup, error) {
	if opts.Password == "" {
		opts.Password = os.Getenv(passwordEnv)
	}
	return a.service.CreateBackup(rawPath, opts)
}

// Restore downloads and restores the most recent backup matching name.
func (a *App) Restore(name string, opts stash.RestoreOptions) (*stash.RestoreResult, error) {
	if opts.Password == "" {
		opts.Password = os.Getenv(passwordEnv)
	}
	return a.service.RestoreBackup(name, opts)
}

// Delete removes the most recent backup matching name.
func (a *App) Delete(name string, destination stash.Destination) (*stash.Backup, error) {
	return a.service.DeleteBackup(name, destination)
}

// Show lists backups matching the query.
func (a *App) Show(query string, destinations []stash.Destination, tags []string) ([]*stash.Backup, error) {
	return a.service.Search(query, destinations, tags)
}

// RemoteList lists the raw remote keys of a destination.
func (a *App) RemoteList(destination stash.Destination) ([]string, error) {
	return a.service.ListRemote(destination)
}

// DeleteOlderThan removes backups matching name older than the interval.
func (a *App) DeleteOlderThan(name, interval string, destination stash.Destination) ([]*stash.Backup, error) {
	return a.service.DeleteOlderThan(name, interval, destination)
}

// Rotate prunes backups matching name per the profile's rotation config.
func (a *App) Rotate(name string, destination stash.Destination) ([]*stash.Backup, error) {
	return a.service.RotateBackups(name, destination)
}

// Sync runs a full synchronization round against the configured endpoint.
func (a *App) Sync() error {
	if a.syncer == nil {
		return &stash.ConfigurationError{Reason: "sync not configured for this profile"}
	}
	return a.syncer.Sync()
}

// ResetSync rewinds the sync watermark so the next round exchanges full
// histories.
func (a *App) ResetSync() error {
	if a.syncer == nil {
		return &stash.ConfigurationError{Reason: "sync not configured for this profile"}
	}
	return a.syncer.Reset()
}

// Close releases the store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing metadata store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
