// Package blob stores opaque files behind upload/download-by-id.
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/filename"
)

// Store uploads and downloads blobs.
type Store interface {
	// Put stores data under a display name and returns its id.
	Put(ctx context.Context, name string, data []byte) (string, error)

	// Get returns the blob with the given id.
	Get(ctx context.Context, id string) ([]byte, error)

	// URL returns the address other services use to fetch id.
	URL(id string) string
}

// IDFromURL extracts the blob id from a "<base>/files/<id>" address.
// Bare ids are returned unchanged.
func IDFromURL(u string) string {
	if i := strings.LastIndex(u, "/files/"); i >= 0 {
		return u[i+len("/files/"):]
	}
	return u
}

func notFound(id string) error {
	return apperrors.NotFoundError("blob " + id)
}

func fileURL(base, id string) string {
	return strings.TrimSuffix(base, "/") + "/files/" + id
}

// New creates a Store based on configuration.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(cfg.PublicURL), nil
	case "dir":
		return NewDirStore(cfg.Dir, cfg.PublicURL)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
			PublicURL: cfg.PublicURL,
		})
	case "fileserver":
		return NewFileServer(FileServerConfig{
			BaseURL:   cfg.FileServerURL,
			PublicURL: cfg.PublicURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown blob type: %s", cfg.Type)
	}
}

// safeName returns the upload name stripped of path and special characters.
func safeName(name string) string {
	return filename.Safe(name)
}
