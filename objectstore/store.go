package objectstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound             = errors.New("object not found")
	ErrBucketNotFound       = errors.New("bucket not found")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrConditionUnsupported = errors.New("conditional put not supported by store")
)

// Object is a blob read back from a bucket together with the entity tag the
// store assigned to its current contents.
type Object struct {
	Key  string
	Data []byte
	ETag string
}

// Condition guards a Put. The zero value is an unconditional put.
//
// IfMatch replaces the object only if its current etag equals the given value.
// IfNoneMatch creates the object only if no object exists under the key.
type Condition struct {
	IfMatch     string
	IfNoneMatch bool
}

func (c Condition) IsZero() bool {
	return c.IfMatch == "" && !c.IfNoneMatch
}

type Capabilities struct {
	ConditionalPut bool
}

// Store is the bucket/key/blob contract the membership table and grain storage
// are built on. Implementations report absence with ErrNotFound (or
// ErrBucketNotFound) and failed guards with ErrPreconditionFailed; any other
// error is a transient I/O failure.
type Store interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	Get(ctx context.Context, bucket, key string) (*Object, error)
	// Put writes data and returns the new etag.
	Put(ctx context.Context, bucket, key string, data []byte, cond Condition) (string, error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, bucket, key string) error
	// List calls fn for every key in bucket beginning with prefix, in key order.
	// Iteration stops at the first error returned by fn.
	List(ctx context.Context, bucket, prefix string, fn func(key string) error) error
	Capabilities() Capabilities
}

// EnsureBucket creates bucket unless it already exists.
func EnsureBucket(ctx context.Context, store Store, bucket string) error {
	if found, err := store.BucketExists(ctx, bucket); err != nil {
		return err
	} else if found {
		return nil
	}
	return store.MakeBucket(ctx, bucket)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBucketNotFound)
}
