package kvbackend

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend used in tests and for the "KV
// collaborator unreachable" scenario's counterpart (spec 8, scenario 3):
// standing in for a real store without requiring a running Redis instance.
// Grounded on the teacher's NewMemoryStorageBackend in system/sandbox, which
// plays the same stand-in role for its StorageBackend interface.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
	hashes map[string]map[string][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string][]byte),
		hashes: make(map[string]map[string][]byte),
	}
}

func (b *MemoryBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[namespacedKey(namespace, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) Set(ctx context.Context, namespace, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[namespacedKey(namespace, key)] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Remove(ctx context.Context, namespace, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, namespacedKey(namespace, key))
	return nil
}

func (b *MemoryBackend) HGet(ctx context.Context, namespace, key, field string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[namespacedKey(namespace, key)]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) HSet(ctx context.Context, namespace, key, field string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := namespacedKey(namespace, key)
	h, ok := b.hashes[k]
	if !ok {
		h = make(map[string][]byte)
		b.hashes[k] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) HRemove(ctx context.Context, namespace, key, field string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hashes[namespacedKey(namespace, key)]; ok {
		delete(h, field)
	}
	return nil
}
