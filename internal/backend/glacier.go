package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"

	"stash/internal/stash"
)

const (
	// Retrieval downloads are fetched in ranged chunks so a transient
	// failure only retries the chunk, not the whole archive.
	glacierChunkSize  = 4 << 20
	glacierChunkTries = 3

	treeHashChunkSize = 1 << 20
)

// GlacierBackend stores archives in a cold vault. The remote side never
// exposes keys: uploads return an opaque archive id, and retrieval goes
// through an asynchronous job. Both mappings (key to archive id, key to
// live job id) are persisted in the metadata store so they survive
// across runs.
type GlacierBackend struct {
	client    *glacier.Client
	vault     string
	inventory stash.InventoryStore
	jobs      stash.JobStore
	logger    stash.Logger
}

var (
	_ stash.Backend    = (*GlacierBackend)(nil)
	_ stash.JobChecker = (*GlacierBackend)(nil)
)

// NewGlacierBackend builds a backend against the given vault with
// static credentials.
func NewGlacierBackend(accessKey, secretKey, region, vault string, inventory stash.InventoryStore, jobs stash.JobStore, logger stash.Logger) (*GlacierBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &GlacierBackend{
		client:    glacier.NewFromConfig(cfg),
		vault:     vault,
		inventory: inventory,
		jobs:      jobs,
		logger:    logger,
	}, nil
}

// Upload stores the local file in the vault and records the returned
// archive id under key.
func (b *GlacierBackend) Upload(key, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer file.Close()

	checksum, err := treeHash(file)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", localPath, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding %s: %w", localPath, err)
	}

	b.logger.Info("uploading archive", "key", key, "vault", b.vault)
	out, err := b.client.UploadArchive(context.Background(), &glacier.UploadArchiveInput{
		AccountId:          aws.String("-"),
		VaultName:          aws.String(b.vault),
		ArchiveDescription: aws.String(key),
		Checksum:           aws.String(checksum),
		Body:               file,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to vault %s: %w", key, b.vault, err)
	}

	if err := b.inventory.SetArchiveID(key, aws.ToString(out.ArchiveId)); err != nil {
		return fmt.Errorf("recording archive id for %s: %w", key, err)
	}
	return nil
}

// Download drives the retrieval job protocol. With no live job it
// initiates one and reports stash.ErrRetrievalPending; with a live
// incomplete job it reports pending again; once the job completes it
// streams the archive and forgets the job. An expired job (the remote
// no longer knows it) is forgotten and replaced by a fresh one.
func (b *GlacierBackend) Download(key string) (io.ReadCloser, error) {
	archiveID, err := b.inventory.GetArchiveID(key)
	if err != nil {
		return nil, err
	}
	if archiveID == "" {
		return nil, fmt.Errorf("%s: %w", key, stash.ErrNotFound)
	}

	jobID, err := b.jobs.GetJobID(key)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		if err := b.initiateRetrieval(key, archiveID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", key, stash.ErrRetrievalPending)
	}

	job, err := b.describeJob(jobID)
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// Job expired remotely; start over.
		b.logger.Info("retrieval job expired", "key", key, "job_id", jobID)
		if err := b.jobs.DeleteJobID(key); err != nil {
			return nil, err
		}
		if err := b.initiateRetrieval(key, archiveID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", key, stash.ErrRetrievalPending)
	}

	if !job.Completed {
		b.logger.Info("retrieval job in progress", "key", key, "job_id", jobID)
		return nil, fmt.Errorf("%s: %w", key, stash.ErrRetrievalPending)
	}

	body, err := b.fetchJobOutput(jobID, aws.ToInt64(job.ArchiveSizeInBytes))
	if err != nil {
		return nil, err
	}

	if err := b.jobs.DeleteJobID(key); err != nil {
		body.Close()
		return nil, err
	}
	return body, nil
}

// JobStatus reports the live retrieval job for key without initiating
// one. Returns nil when no job is live.
func (b *GlacierBackend) JobStatus(key string) (*stash.RetrievalJob, error) {
	jobID, err := b.jobs.GetJobID(key)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, nil
	}

	job, err := b.describeJob(jobID)
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			if err := b.jobs.DeleteJobID(key); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}

	return &stash.RetrievalJob{
		ID:             jobID,
		Action:         string(job.Action),
		StatusCode:     string(job.StatusCode),
		Completed:      job.Completed,
		CreationDate:   aws.ToString(job.CreationDate),
		CompletionDate: aws.ToString(job.CompletionDate),
		ArchiveSize:    aws.ToInt64(job.ArchiveSizeInBytes),
	}, nil
}

// List returns the keys with a known archive id. The vault's own
// inventory takes hours to retrieve, so the local mapping is the
// authority.
func (b *GlacierBackend) List() ([]string, error) {
	return b.inventory.ListArchives()
}

// Delete removes the remote archive and both local mappings. A key with
// no recorded archive id is already gone.
func (b *GlacierBackend) Delete(key string) error {
	archiveID, err := b.inventory.GetArchiveID(key)
	if err != nil {
		return err
	}
	if archiveID == "" {
		return nil
	}

	_, err = b.client.DeleteArchive(context.Background(), &glacier.DeleteArchiveInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(b.vault),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		return fmt.Errorf("deleting archive for %s: %w", key, err)
	}

	if err := b.jobs.DeleteJobID(key); err != nil {
		return err
	}
	return b.inventory.DeleteArchiveID(key)
}

func (b *GlacierBackend) initiateRetrieval(key, archiveID string) error {
	out, err := b.client.InitiateJob(context.Background(), &glacier.InitiateJobInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(b.vault),
		JobParameters: &types.JobParameters{
			Type:      aws.String("archive-retrieval"),
			ArchiveId: aws.String(archiveID),
		},
	})
	if err != nil {
		return fmt.Errorf("initiating retrieval for %s: %w", key, err)
	}

	jobID := aws.ToString(out.JobId)
	b.logger.Info("retrieval job initiated", "key", key, "job_id", jobID)
	return b.jobs.SetJobID(key, jobID)
}

func (b *GlacierBackend) describeJob(jobID string) (*glacier.DescribeJobOutput, error) {
	out, err := b.client.DescribeJob(context.Background(), &glacier.DescribeJobInput{
		AccountId: aws.String("-"),
		VaultName: aws.String(b.vault),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("describing job %s: %w", jobID, err)
	}
	return out, nil
}

// fetchJobOutput downloads the completed job's output in ranged chunks
// into a temp file and returns it positioned at offset 0. The temp file
// is unlinked when the returned reader is closed.
func (b *GlacierBackend) fetchJobOutput(jobID string, size int64) (io.ReadCloser, error) {
	tmp, err := os.CreateTemp("", "stash-retrieval-")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	for start := int64(0); start < size; start += glacierChunkSize {
		end := start + glacierChunkSize - 1
		if end > size-1 {
			end = size - 1
		}
		if err := b.fetchChunk(tmp, jobID, start, end); err != nil {
			cleanup()
			return nil, err
		}
		b.logger.Debug("retrieved chunk", "job_id", jobID, "bytes", end+1, "total", size)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewinding retrieval output: %w", err)
	}
	return &unlinkOnClose{File: tmp}, nil
}

func (b *GlacierBackend) fetchChunk(w io.Writer, jobID string, start, end int64) error {
	var lastErr error
	for attempt := 0; attempt < glacierChunkTries; attempt++ {
		out, err := b.client.GetJobOutput(context.Background(), &glacier.GetJobOutputInput{
			AccountId: aws.String("-"),
			VaultName: aws.String(b.vault),
			JobId:     aws.String(jobID),
			Range:     aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
		})
		if err != nil {
			lastErr = err
			continue
		}

		_, err = io.Copy(w, out.Body)
		out.Body.Close()
		if err == nil {
			return nil
		}
		lastErr = err

		// A short or failed read leaves w mid-chunk; only seekable
		// writers can recover.
		seeker, ok := w.(io.Seeker)
		if !ok {
			break
		}
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding to chunk start: %w", err)
		}
	}
	return fmt.Errorf("retrieving bytes %d-%d of job %s: %w", start, end, jobID, lastErr)
}

type unlinkOnClose struct {
	*os.File
}

func (u *unlinkOnClose) Close() error {
	err := u.File.Close()
	os.Remove(u.Name())
	return err
}

// treeHash computes the SHA-256 tree hash the vault requires: leaf
// hashes over 1 MiB chunks, combined pairwise up to a single root.
func treeHash(r io.Reader) (string, error) {
	hashes := [][]byte{}
	buf := make([]byte, treeHashChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			hashes = append(hashes, sum[:])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if len(hashes) == 0 {
		sum := sha256.Sum256(nil)
		hashes = append(hashes, sum[:])
	}

	for len(hashes) > 1 {
		next := [][]byte{}
		for i := 0; i < len(hashes); i += 2 {
			if i+1 < len(hashes) {
				sum := sha256.Sum256(append(append([]byte{}, hashes[i]...), hashes[i+1]...))
				next = append(next, sum[:])
			} else {
				next = append(next, hashes[i])
			}
		}
		hashes = next
	}
	return hex.EncodeToString(hashes[0]), nil
}
