package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis document store
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RedisStore keeps documents as JSON strings with a per-kind index set
type RedisStore struct {
	client  redis.Cmdable
	closer  func() error
	prefix  string
	timeout time.Duration
}

// NewRedisStore dials a Redis server
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	store := NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.Timeout)
	store.closer = client.Close
	return store
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.Cmdable, prefix string, timeout time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "coordinator"
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

func (r *RedisStore) docKey(kind, key string) string {
	return r.prefix + ":" + kind + ":" + key
}

func (r *RedisStore) indexKey(kind string) string {
	return r.prefix + ":index:" + kind
}

func (r *RedisStore) Put(ctx context.Context, doc Document) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := json.Marshal(doc)
	if err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}

	if err := r.client.Set(ctx, r.docKey(doc.Kind, doc.Key), string(data), 0).Err(); err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}
	if err := r.client.SAdd(ctx, r.indexKey(doc.Kind), doc.Key).Err(); err != nil {
		return &Error{Op: "index", Kind: doc.Kind, Key: doc.Key, Err: err}
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, kind, key string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.Get(ctx, r.docKey(kind, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &Error{Op: "get", Kind: kind, Key: key, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Op: "get", Kind: kind, Key: key, Err: err}
	}
	return &doc, nil
}

func (r *RedisStore) List(ctx context.Context, kind string) ([]Document, error) {
	listCtx, cancel := context.WithTimeout(ctx, r.timeout)
	keys, err := r.client.SMembers(listCtx, r.indexKey(kind)).Result()
	cancel()
	if err != nil {
		return nil, &Error{Op: "list", Kind: kind, Err: err}
	}

	sort.Strings(keys)
	docs := make([]Document, 0, len(keys))
	for _, key := range keys {
		doc, err := r.Get(ctx, kind, key)
		if err != nil {
			return nil, err
		}
		// Index entries can outlive their documents after manual cleanup
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

// Ping checks connectivity
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
