package stash_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stash/internal/archive"
	"stash/internal/backend"
	"stash/internal/encryption"
	"stash/internal/stash"
	"stash/internal/testutil"
)

type serviceFixture struct {
	svc      *stash.Service
	store    stash.MetadataStore
	fast     *backend.MemoryBackend
	cold     *backend.MemoryColdBackend
	clock    *testutil.StubClock
	prompter *testutil.StubPrompter
	events   *stash.Events
}

func newFixture(t *testing.T, answers ...string) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		store:    testutil.NewTestStore(t),
		fast:     backend.NewMemoryBackend(),
		cold:     backend.NewMemoryColdBackend(),
		clock:    testutil.FixedClock(),
		prompter: testutil.NewStubPrompter(answers...),
		events:   stash.NewEvents(),
	}

	resolve := func(d stash.Destination) (stash.Backend, error) {
		switch d {
		case stash.DestinationS3:
			return f.fast, nil
		case stash.DestinationGlacier:
			return f.cold, nil
		}
		return nil, &stash.ConfigurationError{Reason: "unknown destination"}
	}

	f.svc = stash.NewService(stash.ServiceConfig{
		Store:     f.store,
		Resolve:   resolve,
		Archiver:  archive.NewTarGzArchiver(),
		Encryptor: encryption.NewAgeEncryptor(),
		Prompter:  f.prompter,
		Profile: &stash.Profile{
			Name:               "default",
			DefaultDestination: stash.DestinationS3,
			Compress:           true,
			Hostname:           "testhost",
			Hashes: map[stash.Destination]string{
				stash.DestinationS3:      "hash-s3",
				stash.DestinationGlacier: "hash-glacier",
			},
			Rotation: &stash.RotationConfig{
				Days: 2, Weeks: 1, Months: 1, FirstWeekDay: time.Monday,
			},
		},
		Events: f.events,
		Clock:  f.clock,
		IDGen:  testutil.NewStubIDGenerator(),
	})
	return f
}

func writeSourceDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestService_CreateBackup(t *testing.T) {
	t.Run("directory round trip", func(t *testing.T) {
		f := newFixture(t)
		src := writeSourceDir(t, map[string]string{
			"hello.txt":     "hello world",
			"sub/inner.txt": "inner",
		})

		b, err := f.svc.CreateBackup(src, stash.BackupOptions{})
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}

		if b.Filename != "data" {
			t.Errorf("Filename = %q, want %q", b.Filename, "data")
		}
		if !strings.HasSuffix(b.StoredFilename, ".tgz") {
			t.Errorf("StoredFilename = %q, want .tgz suffix", b.StoredFilename)
		}
		if b.BackendHash != "hash-s3" {
			t.Errorf("BackendHash = %q, want %q", b.BackendHash, "hash-s3")
		}
		if b.Metadata.Client != "testhost" {
			t.Errorf("Metadata.Client = %q, want %q", b.Metadata.Client, "testhost")
		}
		if _, ok := f.fast.Object(b.StoredFilename); !ok {
			t.Fatal("uploaded object not found in backend")
		}

		restoreDir := t.TempDir()
		res, err := f.svc.RestoreBackup("data", stash.RestoreOptions{Dir: restoreDir})
		if err != nil {
			t.Fatalf("RestoreBackup() error = %v", err)
		}
		if res.Pending {
			t.Fatal("RestoreBackup() pending = true, want false")
		}

		got, err := os.ReadFile(filepath.Join(restoreDir, "data", "hello.txt"))
		if err != nil {
			t.Fatalf("reading restored file: %v", err)
		}
		if string(got) != "hello world" {
			t.Errorf("restored content = %q, want %q", got, "hello world")
		}
		if _, err := os.Stat(filepath.Join(restoreDir, "data", "sub", "inner.txt")); err != nil {
			t.Errorf("nested restored file missing: %v", err)
		}
	})

	t.Run("uncompressed single file", func(t *testing.T) {
		f := newFixture(t)
		src := filepath.Join(t.TempDir(), "notes.txt")
		if err := os.WriteFile(src, []byte("plain"), 0644); err != nil {
			t.Fatal(err)
		}

		b, err := f.svc.CreateBackup(src, stash.BackupOptions{NoCompress: true})
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if strings.HasSuffix(b.StoredFilename, ".tgz") {
			t.Errorf("StoredFilename = %q, want no .tgz suffix", b.StoredFilename)
		}
		if b.Metadata.IsGzipped {
			t.Error("Metadata.IsGzipped = true, want false")
		}

		restoreDir := t.TempDir()
		if _, err := f.svc.RestoreBackup("notes.txt", stash.RestoreOptions{Dir: restoreDir}); err != nil {
			t.Fatalf("RestoreBackup() error = %v", err)
		}
		got, err := os.ReadFile(filepath.Join(restoreDir, "notes.txt"))
		if err != nil {
			t.Fatalf("reading restored file: %v", err)
		}
		if string(got) != "plain" {
			t.Errorf("restored content = %q, want %q", got, "plain")
		}
	})

	t.Run("already compressed input is uploaded as-is", func(t *testing.T) {
		f := newFixture(t)
		src := filepath.Join(t.TempDir(), "dump.tar.gz")
		if err := os.WriteFile(src, []byte("not really a tarball"), 0644); err != nil {
			t.Fatal(err)
		}

		b, err := f.svc.CreateBackup(src, stash.BackupOptions{})
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		data, ok := f.fast.Object(b.StoredFilename)
		if !ok {
			t.Fatal("uploaded object not found")
		}
		if string(data) != "not really a tarball" {
			t.Error("payload was transformed, want raw upload")
		}
	})

	t.Run("missing path leaves no state", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.svc.CreateBackup(filepath.Join(t.TempDir(), "nope"), stash.BackupOptions{}); err == nil {
			t.Fatal("CreateBackup() error = nil, want error")
		}
		if f.fast.Len() != 0 {
			t.Errorf("backend has %d objects, want 0", f.fast.Len())
		}
	})

	t.Run("fires before and on hooks once", func(t *testing.T) {
		f := newFixture(t)
		var before, on int
		f.events.SubscribeBeforeBackup(func(string) { before++ })
		f.events.SubscribeOnBackup(func(string, *stash.Backup) { on++ })

		src := writeSourceDir(t, map[string]string{"a.txt": "a"})
		if _, err := f.svc.CreateBackup(src, stash.BackupOptions{}); err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if before != 1 || on != 1 {
			t.Errorf("before = %d, on = %d, want 1 and 1", before, on)
		}
	})
}

func TestService_Encryption(t *testing.T) {
	t.Run("encrypted round trip", func(t *testing.T) {
		f := newFixture(t)
		src := writeSourceDir(t, map[string]string{"secret.txt": "classified"})

		b, err := f.svc.CreateBackup(src, stash.BackupOptions{Password: "hunter2"})
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if !strings.HasSuffix(b.StoredFilename, ".tgz.enc") {
			t.Errorf("StoredFilename = %q, want .tgz.enc suffix", b.StoredFilename)
		}
		if !b.Metadata.IsEnc {
			t.Error("Metadata.IsEnc = false, want true")
		}

		data, _ := f.fast.Object(b.StoredFilename)
		if strings.Contains(string(data), "classified") {
			t.Error("ciphertext contains plaintext")
		}

		restoreDir := t.TempDir()
		if _, err := f.svc.RestoreBackup("data", stash.RestoreOptions{Dir: restoreDir, Password: "hunter2"}); err != nil {
			t.Fatalf("RestoreBackup() error = %v", err)
		}
		got, err := os.ReadFile(filepath.Join(restoreDir, "data", "secret.txt"))
		if err != nil {
			t.Fatalf("reading restored file: %v", err)
		}
		if string(got) != "classified" {
			t.Errorf("restored content = %q, want %q", got, "classified")
		}
	})

	t.Run("wrong password fails with ErrDecryptionFailed", func(t *testing.T) {
		f := newFixture(t)
		src := writeSourceDir(t, map[string]string{"secret.txt": "classified"})

		if _, err := f.svc.CreateBackup(src, stash.BackupOptions{Password: "hunter2"}); err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}

		_, err := f.svc.RestoreBackup("data", stash.RestoreOptions{Dir: t.TempDir(), Password: "wrong"})
		if !errors.Is(err, stash.ErrDecryptionFailed) {
			t.Errorf("RestoreBackup() error = %v, want ErrDecryptionFailed", err)
		}
	})

	t.Run("prompt confirmation mismatch aborts before any work", func(t *testing.T) {
		f := newFixture(t, "first", "second")
		src := writeSourceDir(t, map[string]string{"a.txt": "a"})

		_, err := f.svc.CreateBackup(src, stash.BackupOptions{Prompt: true})
		if !errors.Is(err, stash.ErrPasswordMismatch) {
			t.Fatalf("CreateBackup() error = %v, want ErrPasswordMismatch", err)
		}
		if f.fast.Len() != 0 {
			t.Errorf("backend has %d objects, want 0", f.fast.Len())
		}
	})

	t.Run("blank prompt answer disables encryption", func(t *testing.T) {
		f := newFixture(t, "")
		src := writeSourceDir(t, map[string]string{"a.txt": "a"})

		b, err := f.svc.CreateBackup(src, stash.BackupOptions{Prompt: true})
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if b.Encrypted() {
			t.Error("backup encrypted, want plaintext")
		}
	})
}

func TestService_DeleteBackup(t *testing.T) {
	f := newFixture(t)
	src := writeSourceDir(t, map[string]string{"a.txt": "a"})

	b, err := f.svc.CreateBackup(src, stash.BackupOptions{})
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	deleted, err := f.svc.DeleteBackup("data", "")
	if err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	if deleted.StoredFilename != b.StoredFilename {
		t.Errorf("deleted %q, want %q", deleted.StoredFilename, b.StoredFilename)
	}
	if !deleted.IsDeleted {
		t.Error("IsDeleted = false, want true")
	}
	if f.fast.Len() != 0 {
		t.Errorf("backend has %d objects, want 0", f.fast.Len())
	}

	// The record survives as a tombstone.
	tombstones, err := f.store.Search(stash.SearchQuery{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(tombstones) != 1 {
		t.Fatalf("len(tombstones) = %d, want 1", len(tombstones))
	}

	// A second delete finds nothing.
	if _, err := f.svc.DeleteBackup("data", ""); !errors.Is(err, stash.ErrNotFound) {
		t.Errorf("second DeleteBackup() error = %v, want ErrNotFound", err)
	}
}

func TestService_DeleteOlderThan(t *testing.T) {
	f := newFixture(t)
	src := writeSourceDir(t, map[string]string{"a.txt": "a"})

	if _, err := f.svc.CreateBackup(src, stash.BackupOptions{}); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	t.Run("invalid interval applies nothing", func(t *testing.T) {
		if _, err := f.svc.DeleteOlderThan("data", "1z", ""); err == nil {
			t.Fatal("DeleteOlderThan() error = nil, want error")
		}
		if f.fast.Len() != 1 {
			t.Errorf("backend has %d objects, want 1", f.fast.Len())
		}
	})

	t.Run("nothing old enough", func(t *testing.T) {
		deleted, err := f.svc.DeleteOlderThan("data", "9s", "")
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if len(deleted) != 0 {
			t.Errorf("len(deleted) = %d, want 0", len(deleted))
		}
	})

	t.Run("interval reaching before the epoch deletes nothing", func(t *testing.T) {
		deleted, err := f.svc.DeleteOlderThan("data", "60Y", "")
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if len(deleted) != 0 {
			t.Errorf("len(deleted) = %d, want 0", len(deleted))
		}
		if f.fast.Len() != 1 {
			t.Errorf("backend has %d objects, want 1", f.fast.Len())
		}
	})

	t.Run("deletes after the clock advances", func(t *testing.T) {
		f.clock.Advance(10 * time.Second)
		deleted, err := f.svc.DeleteOlderThan("data", "9s", "")
		if err != nil {
			t.Fatalf("DeleteOlderThan() error = %v", err)
		}
		if len(deleted) != 1 {
			t.Fatalf("len(deleted) = %d, want 1", len(deleted))
		}
		if f.fast.Len() != 0 {
			t.Errorf("backend has %d objects, want 0", f.fast.Len())
		}
	})
}

func TestService_RotateBackups(t *testing.T) {
	f := newFixture(t)
	src := writeSourceDir(t, map[string]string{"a.txt": "a"})

	// Five daily backups; rotation keeps 2 days + 1 week + 1 month.
	for i := 0; i < 5; i++ {
		if _, err := f.svc.CreateBackup(src, stash.BackupOptions{}); err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		f.clock.Advance(24 * time.Hour)
	}

	deleted, err := f.svc.RotateBackups("data", "")
	if err != nil {
		t.Fatalf("RotateBackups() error = %v", err)
	}
	if len(deleted) == 0 {
		t.Fatal("RotateBackups() deleted nothing, want some")
	}

	remaining, err := f.svc.Search("data", nil, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(remaining)+len(deleted) != 5 {
		t.Errorf("remaining %d + deleted %d != 5", len(remaining), len(deleted))
	}
	// The newest backup always survives.
	for _, d := range deleted {
		for _, r := range remaining {
			if d.StoredFilename == r.StoredFilename {
				t.Errorf("%s both deleted and remaining", d.StoredFilename)
			}
		}
	}

	t.Run("without rotation config", func(t *testing.T) {
		bare := newFixture(t)
		bareSvc := stash.NewService(stash.ServiceConfig{
			Store:   bare.store,
			Resolve: func(stash.Destination) (stash.Backend, error) { return bare.fast, nil },
			Profile: &stash.Profile{DefaultDestination: stash.DestinationS3},
		})
		if _, err := bareSvc.RotateBackups("data", ""); !errors.Is(err, stash.ErrRotationNotConfigured) {
			t.Errorf("RotateBackups() error = %v, want ErrRotationNotConfigured", err)
		}
	})
}

func TestService_ColdStorage(t *testing.T) {
	f := newFixture(t)
	src := writeSourceDir(t, map[string]string{"a.txt": "archive me"})

	if _, err := f.svc.CreateBackup(src, stash.BackupOptions{Destination: stash.DestinationGlacier}); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	opts := stash.RestoreOptions{Destination: stash.DestinationGlacier, Dir: t.TempDir(), JobCheck: true}

	// First call initiates the retrieval job.
	res, err := f.svc.RestoreBackup("data", opts)
	if err != nil {
		t.Fatalf("RestoreBackup() error = %v", err)
	}
	if !res.Pending {
		t.Fatal("Pending = false, want true")
	}
	if res.Job == nil || res.Job.Completed {
		t.Errorf("Job = %+v, want live incomplete job", res.Job)
	}

	// A second call reuses the pending job.
	res, err = f.svc.RestoreBackup("data", opts)
	if err != nil {
		t.Fatalf("RestoreBackup() error = %v", err)
	}
	if !res.Pending {
		t.Fatal("Pending = false, want true")
	}
	if got := f.cold.JobsInitiated(); got != 1 {
		t.Errorf("JobsInitiated() = %d, want 1", got)
	}

	// Once the job completes, the restore goes through.
	f.cold.CompleteJobs()
	res, err = f.svc.RestoreBackup("data", opts)
	if err != nil {
		t.Fatalf("RestoreBackup() error = %v", err)
	}
	if res.Pending {
		t.Fatal("Pending = true, want false")
	}
}

func TestService_Search(t *testing.T) {
	f := newFixture(t)
	src := writeSourceDir(t, map[string]string{"a.txt": "a"})

	if _, err := f.svc.CreateBackup(src, stash.BackupOptions{Tags: []string{"docs", "weekly"}}); err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	// A record from another profile's account must stay invisible.
	foreign := &stash.Backup{
		Filename:       "data",
		StoredFilename: "data.20200101000000.tgz",
		Backend:        stash.DestinationS3,
		BackendHash:    "someone-elses-hash",
		BackupDate:     1577836800,
		LastUpdated:    1577836800,
	}
	if err := f.store.Insert(foreign); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	t.Run("scoped to profile hashes", func(t *testing.T) {
		got, err := f.svc.Search("data", nil, nil)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len(got) = %d, want 1", len(got))
		}
		if got[0].BackendHash != "hash-s3" {
			t.Errorf("BackendHash = %q, want %q", got[0].BackendHash, "hash-s3")
		}
	})

	t.Run("tag filter", func(t *testing.T) {
		got, err := f.svc.Search("", nil, []string{"weekly"})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 1 {
			t.Errorf("len(got) = %d, want 1", len(got))
		}

		got, err = f.svc.Search("", nil, []string{"monthly"})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("len(got) = %d, want 0", len(got))
		}
	})

	t.Run("restore ignores foreign records", func(t *testing.T) {
		res, err := f.svc.RestoreBackup("data", stash.RestoreOptions{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("RestoreBackup() error = %v", err)
		}
		if res.Backup.BackendHash != "hash-s3" {
			t.Errorf("restored BackendHash = %q, want %q", res.Backup.BackendHash, "hash-s3")
		}
	})
}

func TestService_ListRemote(t *testing.T) {
	f := newFixture(t)
	src := writeSourceDir(t, map[string]string{"a.txt": "a"})

	b, err := f.svc.CreateBackup(src, stash.BackupOptions{})
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}

	keys, err := f.svc.ListRemote(stash.DestinationS3)
	if err != nil {
		t.Fatalf("ListRemote() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != b.StoredFilename {
		t.Errorf("keys = %v, want [%s]", keys, b.StoredFilename)
	}
}
