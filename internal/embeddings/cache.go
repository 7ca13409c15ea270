package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores vectors by key. Implementations are best effort: a failed
// lookup is a miss and a failed write is dropped.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32)
}

// LocalCache is an in-process LRU with per-entry TTL.
type LocalCache struct {
	lru *expirable.LRU[string, []float32]
}

// NewLocalCache creates a cache holding at most capacity vectors for ttl.
func NewLocalCache(capacity int, ttl time.Duration) *LocalCache {
	if capacity <= 0 {
		capacity = 2048
	}
	return &LocalCache{lru: expirable.NewLRU[string, []float32](capacity, nil, ttl)}
}

func (l *LocalCache) Get(_ context.Context, key string) ([]float32, bool) {
	return l.lru.Get(key)
}

func (l *LocalCache) Set(_ context.Context, key string, v []float32) {
	l.lru.Add(key, v)
}

// Len reports the number of cached vectors.
func (l *LocalCache) Len() int { return l.lru.Len() }

// RedisCache shares vectors between replicas.
type RedisCache struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &RedisCache{cli: rc, ttl: ttl}, nil
}

// Client exposes the redis client for health checks.
func (r *RedisCache) Client() *redis.Client { return r.cli }

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, r.ttl).Err()
}

// Close releases the connection pool.
func (r *RedisCache) Close() error { return r.cli.Close() }

// MakeKey derives the cache key for text embedded with model.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
