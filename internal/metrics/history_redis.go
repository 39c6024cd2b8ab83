package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// historyKeyPrefix namespaces history keys in a shared Redis.
const historyKeyPrefix = "aa:history:"

// maxHistoryPoints caps the points kept per key regardless of age.
const maxHistoryPoints = 10000

// RedisHistory keeps history in Redis sorted sets scored by unix
// milliseconds. Points older than the retention are trimmed on write.
type RedisHistory struct {
	client    *redis.Client
	retention time.Duration
}

// DialRedisHistory connects to url and checks the connection.
func DialRedisHistory(ctx context.Context, url string, retention time.Duration) (*RedisHistory, error) {
	opts, err := redis.ParseURL(url)
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
	return NewRedisHistory(client, retention), nil
}

// NewRedisHistory wraps an existing client.
func NewRedisHistory(client *redis.Client, retention time.Duration) *RedisHistory {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &RedisHistory{client: client, retention: retention}
}

// storedPoint is the sorted set member. The timestamp keeps equal values
// recorded at different times from collapsing into one member.
type storedPoint struct {
	At    int64   `json:"t"`
	Value float64 `json:"v"`
}

// SaveDataPoint adds dp under metric and trims the set.
func (h *RedisHistory) SaveDataPoint(ctx context.Context, metric string, dp DataPoint) error {
	member, err := json.Marshal(storedPoint{At: dp.Timestamp.UnixNano(), Value: dp.Value})
	if err != nil {
		return err
	}
	key := historyKeyPrefix + metric
	cutoff := time.Now().Add(-h.retention).UnixMilli()

	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(dp.Timestamp.UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.ZRemRangeByRank(ctx, key, 0, -maxHistoryPoints-1)
		pipe.Expire(ctx, key, h.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving %s: %w", metric, err)
	}
	return nil
}

// LoadHistory returns the points at or after since, oldest first.
// Unreadable members are skipped.
func (h *RedisHistory) LoadHistory(ctx context.Context, metric string, since time.Time) ([]DataPoint, error) {
	members, err := h.client.ZRangeByScore(ctx, historyKeyPrefix+metric, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", metric, err)
	}

	out := make([]DataPoint, 0, len(members))
	for _, m := range members {
		var p storedPoint
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			continue
		}
		out = append(out, DataPoint{Timestamp: time.Unix(0, p.At), Value: p.Value})
	}
	return out, nil
}

// Close closes the client.
func (h *RedisHistory) Close() error {
	return h.client.Close()
}
