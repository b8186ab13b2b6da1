package ports

import "context"

// KVStore is the local persistent key/value store used to memoize per-install identifiers
type KVStore interface {
	// Get returns core.ErrNotFound when key has never been set
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
