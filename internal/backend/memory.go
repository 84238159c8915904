package backend

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"stash/internal/stash"
)

// MemoryBackend is a synchronous in-memory backend for tests.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ stash.Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: map[string][]byte{}}
}

func (b *MemoryBackend) Upload(key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *MemoryBackend) Download(key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, stash.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// Object returns the stored bytes for assertions.
func (b *MemoryBackend) Object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// MemoryColdBackend simulates the asynchronous retrieval protocol for
// tests. Downloads stay pending until CompleteJobs is called.
type MemoryColdBackend struct {
	mu            sync.Mutex
	objects       map[string][]byte
	jobs          map[string]bool // key -> completed
	jobsInitiated int
}

var (
	_ stash.Backend    = (*MemoryColdBackend)(nil)
	_ stash.JobChecker = (*MemoryColdBackend)(nil)
)

func NewMemoryColdBackend() *MemoryColdBackend {
	return &MemoryColdBackend{
		objects: map[string][]byte{},
		jobs:    map[string]bool{},
	}
}

func (b *MemoryColdBackend) Upload(key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *MemoryColdBackend) Download(key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, stash.ErrNotFound)
	}

	completed, live := b.jobs[key]
	if !live {
		b.jobs[key] = false
		b.jobsInitiated++
		return nil, fmt.Errorf("%s: %w", key, stash.ErrRetrievalPending)
	}
	if !completed {
		return nil, fmt.Errorf("%s: %w", key, stash.ErrRetrievalPending)
	}

	delete(b.jobs, key)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryColdBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryColdBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	delete(b.jobs, key)
	return nil
}

func (b *MemoryColdBackend) JobStatus(key string) (*stash.RetrievalJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	completed, live := b.jobs[key]
	if !live {
		return nil, nil
	}
	status := "InProgress"
	if completed {
		status = "Succeeded"
	}
	return &stash.RetrievalJob{
		ID:          "job-" + key,
		Action:      "ArchiveRetrieval",
		StatusCode:  status,
		Completed:   completed,
		ArchiveSize: int64(len(b.objects[key])),
	}, nil
}

// CompleteJobs marks every live retrieval job as completed.
func (b *MemoryColdBackend) CompleteJobs() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.jobs {
		b.jobs[key] = true
	}
}

// JobsInitiated returns how many retrieval jobs were ever started.
func (b *MemoryColdBackend) JobsInitiated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobsInitiated
}
