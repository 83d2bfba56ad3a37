package objectstore

import (
	"context"
	"fmt"
)

// PutIf writes data under cond. Stores with native conditional puts enforce
// cond atomically. For the others the condition is checked with a Get right
// before an unconditional Put: a writer that lands between the two calls is
// not detected.
func PutIf(ctx context.Context, store Store, bucket, key string, data []byte, cond Condition) (string, error) {
	if cond.IsZero() || store.Capabilities().ConditionalPut {
		return store.Put(ctx, bucket, key, data, cond)
	}

	current, err := store.Get(ctx, bucket, key)
	switch {
	case err == nil:
		if cond.IfNoneMatch || current.ETag != cond.IfMatch {
			return "", ErrPreconditionFailed
		}
	case IsNotFound(err):
		if cond.IfMatch != "" {
			return "", ErrPreconditionFailed
		}
	default:
		return "", fmt.Errorf("unable to check precondition on %s/%s: %w", bucket, key, err)
	}

	return store.Put(ctx, bucket, key, data, Condition{})
}

// Degraded hides the native conditional put of store, for object stores (or
// S3 gateways) that silently ignore If-Match headers.
func Degraded(store Store) Store {
	return &degradedStore{Store: store}
}

type degradedStore struct {
	Store
}

func (d *degradedStore) Put(ctx context.Context, bucket, key string, data []byte, cond Condition) (string, error) {
	if !cond.IsZero() {
		return "", ErrConditionUnsupported
	}
	return d.Store.Put(ctx, bucket, key, data, cond)
}

func (d *degradedStore) Capabilities() Capabilities {
	return Capabilities{ConditionalPut: false}
}
