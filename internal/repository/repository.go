package repository

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("not found")

// Entry is one stored value
type Entry struct {
	Key   string
	Value []byte
}

// CacheStore is the persistent key-value layer behind the cache tier. Values
// are opaque JSON documents scoped by namespace.
type CacheStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	// Scan calls fn for every entry in namespace until fn returns false
	Scan(ctx context.Context, namespace string, fn func(Entry) bool) error
	Delete(ctx context.Context, namespace, key string) error
	Clear(ctx context.Context, namespace string) error
	ClearAll(ctx context.Context) error
	Count(ctx context.Context, namespace string) (int, error)
	Close() error
}
