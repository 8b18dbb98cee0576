package kvbackend

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisBackend implements Backend against a real Redis instance. It is the
// one concrete Backend this module ships: the go-redis dependency was
// present-but-unused in the teacher's go.mod, and this is its wired home.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend builds a RedisBackend for the server at addr (host:port),
// authenticating with password and selecting database db.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Close releases the underlying connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, namespacedKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (b *RedisBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	return b.client.Set(ctx, namespacedKey(namespace, key), value, 0).Err()
}

func (b *RedisBackend) Remove(ctx context.Context, namespace, key string) error {
	return b.client.Del(ctx, namespacedKey(namespace, key)).Err()
}

func (b *RedisBackend) HGet(ctx context.Context, namespace, key, field string) ([]byte, error) {
	v, err := b.client.HGet(ctx, namespacedKey(namespace, key), field).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (b *RedisBackend) HSet(ctx context.Context, namespace, key, field string, value []byte) error {
	return b.client.HSet(ctx, namespacedKey(namespace, key), field, value).Err()
}

func (b *RedisBackend) HRemove(ctx context.Context, namespace, key, field string) error {
	return b.client.HDel(ctx, namespacedKey(namespace, key), field).Err()
}
