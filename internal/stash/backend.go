package stash

import "io"

// Backend is the uniform storage contract across all tiers.
//
// Fast object storage and generic object storage are synchronous: upload
// and download complete within the call. Cold archival storage uploads
// synchronously but retrieves through an asynchronous job protocol; its
// Download returns ErrRetrievalPending until the remote job completes,
// and it additionally implements JobChecker.
type Backend interface {
	// Upload stores the local file under the given key. Progress is
	// reported through the backend's logger at ten evenly spaced points.
	Upload(key, localPath string) error

	// Download returns the object's byte stream positioned at offset 0.
	// Returns ErrNotFound when nothing was uploaded under this key, and
	// ErrRetrievalPending when a cold retrieval is not ready yet.
	Download(key string) (io.ReadCloser, error)

	// List returns the remote object keys.
	List() ([]string, error)

	// Delete removes the remote object.
	Delete(key string) error
}

// JobChecker is implemented by backends whose retrieval is asynchronous.
// JobStatus reports the live retrieval job for a key without initiating
// a new one.
type JobChecker interface {
	JobStatus(key string) (*RetrievalJob, error)
}

// ResolveBackend maps a destination to a constructed backend. Unknown
// destinations are a configuration error surfaced at resolution time,
// not a runtime fault deep in the call stack.
type ResolveBackend func(d Destination) (Backend, error)
