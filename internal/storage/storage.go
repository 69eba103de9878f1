// Package storage persists job result documents. The filesystem store
// writes one JSON artifact per job; CachedStore layers a read-through
// cache on top for the hot read path.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/slidewise/conveyor/internal/log"
)

// ResultStore saves and loads job result documents keyed by job ID.
type ResultStore interface {
	Save(ctx context.Context, jobID string, payload any) (path string, err error)
	Load(ctx context.Context, jobID string) (json.RawMessage, error)
}

// FilesystemStore keeps one `<job_id>_result.json` file per job under a
// root directory.
type FilesystemStore struct {
	dir string
}

// NewFilesystemStore creates the root directory if needed and returns a
// store rooted there.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("result directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating result directory: %w", err)
	}
	return &FilesystemStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *FilesystemStore) Dir() string { return s.dir }

// Path returns the artifact path for a job ID without touching the disk.
func (s *FilesystemStore) Path(jobID string) string {
	return filepath.Join(s.dir, jobID+"_result.json")
}

// Save marshals the payload and writes it atomically (temp file, then
// rename). Returns the final artifact path.
func (s *FilesystemStore) Save(ctx context.Context, jobID string, payload any) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling result for %s: %w", jobID, err)
	}

	path := s.Path(jobID)
	temp, err := os.CreateTemp(s.dir, "."+jobID+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("setting result permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("renaming temp file: %w", err)
	}

	log.Debug(log.CatStorage, "result saved", "job_id", jobID, "path", path, "bytes", len(data))

	return path, nil
}

// Load reads a job's result document. A missing artifact surfaces as an
// error wrapping os.ErrNotExist so callers can map it to their own
// not-found handling.
func (s *FilesystemStore) Load(ctx context.Context, jobID string) (json.RawMessage, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(jobID))
	if err != nil {
		return nil, fmt.Errorf("reading result for %s: %w", jobID, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("result for %s is not valid JSON", jobID)
	}

	return json.RawMessage(data), nil
}

// Job IDs become file names, so separators would escape the store root.
func validateJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID must not be empty")
	}
	if strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("job ID %q contains path separators", jobID)
	}
	return nil
}
