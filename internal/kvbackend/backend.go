// Package kvbackend is the external collaborator spec.md section 1 names as
// out of scope ("the specific key-value backend wire protocols, e.g.
// Redis"): the KV capability module talks only to the narrow Backend
// interface here, never to a wire client directly.
//
// Grounded on original_source/src/storage/backend/redis.rs: a bounded
// mailbox of commands drained by a fixed-size worker pool, each command
// replying over a one-shot channel. The pool size (default 16) matches the
// Rust source's ThreadPool::new(16).
package kvbackend

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get/HGet when the key is absent. The KV
// capability delivers it to the guest as callback result -1, the same
// result a backend error produces.
var ErrNotFound = errors.New("kvbackend: key not found")

// Backend is the blocking key-value store the KV capability module dispatches
// work to. Every method may block on network I/O and must never be called
// from a reactor goroutine directly (spec 5, "Blocking discipline").
type Backend interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Remove(ctx context.Context, namespace, key string) error
	HGet(ctx context.Context, namespace, key, field string) ([]byte, error)
	HSet(ctx context.Context, namespace, key, field string, value []byte) error
	HRemove(ctx context.Context, namespace, key, field string) error
}

func namespacedKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}
