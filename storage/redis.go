package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// applyScript runs a batch atomically on the server. ARGV holds a
// (kind, value) pair per key. Returns 0 without writing when any
// set-if-absent key already exists.
var applyScript = redis.NewScript(`
for i = 1, #KEYS do
  if ARGV[2 * i - 1] == "nx" and redis.call("EXISTS", KEYS[i]) == 1 then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call("SET", KEYS[i], ARGV[2 * i])
end
return 1
`)

type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage connects using a redis:// or rediss:// URL.
func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}

	storage := NewRedisStorageFromClient(redis.NewClient(opts))
	if err := storage.Ping(ctx); err != nil {
		storage.Close()
		return nil, err
	}
	return storage, nil
}

func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis get %q", key)
	}
	return value, nil
}

func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis set %q", key)
	}
	return nil
}

func (s *RedisStorage) Apply(ctx context.Context, batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	keys := make([]string, 0, batch.Len())
	args := make([]interface{}, 0, 2*batch.Len())
	for _, op := range batch.Ops() {
		kind := "set"
		if op.Kind == OpSetIfAbsent {
			kind = "nx"
		}
		keys = append(keys, op.Key)
		args = append(args, kind, op.Value)
	}

	applied, err := applyScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return errors.Wrap(err, "redis apply batch")
	}
	if applied == 0 {
		return ErrKeyExists
	}
	return nil
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
