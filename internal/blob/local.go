// Package blob stores file content. The local spool is the write path:
// output files are appended and fsynced there so the on-disk line count is
// the authoritative resume point. An optional S3-compatible mirror keeps an
// off-box copy of finished files.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mlbatch/batchd/internal/jsonl"
)

// FileKey returns the spool key for an uploaded or registered file.
func FileKey(fileID string) string {
	return filepath.Join("files", fileID+".jsonl")
}

// StagingKey returns the spool key of a job's in-flight output. It is
// deterministic so a restarted worker finds the partial file again.
func StagingKey(jobID string) string {
	return filepath.Join("staging", "out-"+jobID+".jsonl")
}

// LocalStore is a filesystem-backed blob store rooted at a data directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the data directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	for _, sub := range []string{"files", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// Put writes a new blob from r, returning the byte count.
func (s *LocalStore) Put(key string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(s.path(key), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create blob %s: %w", key, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, fmt.Errorf("failed to sync blob %s: %w", key, err)
	}
	return n, f.Close()
}

// Append appends data and fsyncs before returning. The checkpoint committed
// after an append must never point past bytes that are not durable.
func (s *LocalStore) Append(key string, data []byte) error {
	f, err := os.OpenFile(s.path(key), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to append blob %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync blob %s: %w", key, err)
	}
	return f.Close()
}

// Open returns a reader over the blob.
func (s *LocalStore) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	return f, nil
}

// Exists reports whether the blob is present.
func (s *LocalStore) Exists(key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the blob size in bytes.
func (s *LocalStore) Size(key string) (int64, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}
	return info.Size(), nil
}

// LineCount counts the JSONL lines in the blob.
func (s *LocalStore) LineCount(key string) (int, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return 0, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	defer f.Close()
	return jsonl.CountLines(f)
}

// Delete removes the blob; deleting a missing blob is not an error.
func (s *LocalStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}
