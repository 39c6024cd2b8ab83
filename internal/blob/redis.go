package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/hash"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	TTL       time.Duration // 0 = no expiry
	PublicURL string
}

// RedisStore keeps blobs as Redis strings keyed by content hash.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	publicURL string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aa:blob:"
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		publicURL: cfg.PublicURL,
	}, nil
}

// Put stores data and its display name in one pipeline.
func (s *RedisStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	id := hash.BlobID(data)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.prefix+id, data, s.ttl)
	pipe.Set(ctx, s.prefix+id+":name", safeName(name), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", apperrors.BlobError("failed to store blob", err)
	}
	return id, nil
}

// Get returns the blob with the given id.
func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	id = IDFromURL(id)
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, apperrors.BlobError("failed to read blob", err)
	}
	return data, nil
}

// Delete removes a blob and its name.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id, s.prefix+id+":name").Err(); err != nil {
		return apperrors.BlobError("failed to delete blob", err)
	}
	return nil
}

// URL returns the public address of id.
func (s *RedisStore) URL(id string) string {
	if s.publicURL == "" {
		return "redis://files/" + id
	}
	return fileURL(s.publicURL, id)
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
