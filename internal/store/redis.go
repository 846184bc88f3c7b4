package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// RedisLog keeps detections as msgpack values indexed by a sorted set
// scored by timestamp.
type RedisLog struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisLog connects to addr and verifies the connection.
func NewRedisLog(ctx context.Context, addr, password string, db int, prefix string, retention time.Duration) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if prefix == "" {
		prefix = "maskguard"
	}
	return &RedisLog{client: client, prefix: prefix, retention: retention}, nil
}

func (r *RedisLog) indexKey() string { return r.prefix + ":detections" }

func (r *RedisLog) itemKey(id string) string { return r.prefix + ":detection:" + id }

// Append writes a batch in one pipeline.
func (r *RedisLog) Append(ctx context.Context, ds []types.Detection) error {
	pipe := r.client.Pipeline()
	for _, d := range ds {
		data, err := msgpack.Marshal(&d)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", d.ID, err)
		}
		pipe.Set(ctx, r.itemKey(d.ID), data, r.retention)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(d.Timestamp.UnixMilli()), Member: d.ID})
	}
	if r.retention > 0 {
		pipe.Expire(ctx, r.indexKey(), r.retention)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// History returns up to limit detections, newest first. Entries whose
// value already expired are skipped.
func (r *RedisLog) History(ctx context.Context, limit int) ([]types.Detection, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return []types.Detection{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.itemKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read detections: %w", err)
	}

	out := make([]types.Detection, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var d types.Detection
		if err := msgpack.Unmarshal([]byte(s), &d); err != nil {
			return nil, fmt.Errorf("decode detection: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Prune drops index entries older than before. Values expire by TTL.
func (r *RedisLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	upper := strconv.FormatInt(before.UnixMilli()-1, 10)
	return r.client.ZRemRangeByScore(ctx, r.indexKey(), "-inf", upper).Result()
}

// Close closes the client.
func (r *RedisLog) Close() error {
	return r.client.Close()
}
