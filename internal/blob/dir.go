package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/hash"
)

// DirStore keeps blobs as files named by content hash under a root directory.
type DirStore struct {
	root      string
	publicURL string
}

// NewDirStore creates root if needed.
func NewDirStore(root, publicURL string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &DirStore{root: root, publicURL: publicURL}, nil
}

// Put writes data atomically and returns its content id. The display name
// is kept in a sidecar file.
func (s *DirStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	id := hash.BlobID(data)
	path := filepath.Join(s.root, id)

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", apperrors.BlobError("failed to create temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", apperrors.BlobError("failed to write blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", apperrors.BlobError("failed to close blob", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", apperrors.BlobError("failed to store blob", err)
	}

	if err := os.WriteFile(path+".name", []byte(safeName(name)), 0o644); err != nil {
		return "", apperrors.BlobError("failed to store blob name", err)
	}
	return id, nil
}

// Get reads the blob with the given id.
func (s *DirStore) Get(ctx context.Context, id string) ([]byte, error) {
	id = filepath.Base(IDFromURL(id))
	if id == "." || id == string(filepath.Separator) || id == ".." {
		return nil, apperrors.ValidationError("invalid blob id " + id)
	}

	data, err := os.ReadFile(filepath.Join(s.root, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, apperrors.BlobError("failed to read blob", err)
	}
	if hash.IsBlobID(id) && !hash.Matches(id, data) {
		return nil, apperrors.BlobError("blob content does not match its id", nil).WithDetail("id", id)
	}
	return data, nil
}

// Name returns the display name recorded for id.
func (s *DirStore) Name(id string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.Base(id)+".name"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// URL returns the public address of id, or its path when no public URL is set.
func (s *DirStore) URL(id string) string {
	if s.publicURL == "" {
		return filepath.Join(s.root, id)
	}
	return fileURL(s.publicURL, id)
}
