// Package storetest holds the behaviour every objectstore.Store backend must
// share, written once and run against each backend from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baryvn/orleans-minio/objectstore"
)

// Builder returns a fresh, empty store for one subtest.
type Builder func(t *testing.T) objectstore.Store

func bucketName() string {
	return "test-" + uuid.New().String()[:8]
}

func Run(t *testing.T, build Builder) {
	t.Run("buckets", func(t *testing.T) { testBuckets(t, build(t)) })
	t.Run("get put delete", func(t *testing.T) { testGetPutDelete(t, build(t)) })
	t.Run("missing bucket", func(t *testing.T) { testMissingBucket(t, build(t)) })
	t.Run("conditional put", func(t *testing.T) { testConditionalPut(t, build(t)) })
	t.Run("list", func(t *testing.T) { testList(t, build(t)) })
	t.Run("concurrent create", func(t *testing.T) { testConcurrentCreate(t, build(t)) })
}

func testBuckets(t *testing.T, store objectstore.Store) {
	ctx := context.Background()
	bucket := bucketName()

	found, err := store.BucketExists(ctx, bucket)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, objectstore.EnsureBucket(ctx, store, bucket))
	require.NoError(t, objectstore.EnsureBucket(ctx, store, bucket))

	found, err = store.BucketExists(ctx, bucket)
	require.NoError(t, err)
	assert.True(t, found)
}

func testGetPutDelete(t *testing.T, store objectstore.Store) {
	ctx := context.Background()
	bucket := bucketName()
	require.NoError(t, store.MakeBucket(ctx, bucket))

	_, err := store.Get(ctx, bucket, "a/b")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	etag, err := store.Put(ctx, bucket, "a/b", []byte("alpha"), objectstore.Condition{})
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	obj, err := store.Get(ctx, bucket, "a/b")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(obj.Data))
	assert.Equal(t, etag, obj.ETag)
	assert.Equal(t, "a/b", obj.Key)

	next, err := store.Put(ctx, bucket, "a/b", []byte("beta"), objectstore.Condition{})
	require.NoError(t, err)
	assert.NotEqual(t, etag, next)

	require.NoError(t, store.Delete(ctx, bucket, "a/b"))
	require.NoError(t, store.Delete(ctx, bucket, "a/b"))

	_, err = store.Get(ctx, bucket, "a/b")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func testMissingBucket(t *testing.T, store objectstore.Store) {
	ctx := context.Background()
	bucket := bucketName()

	_, err := store.Get(ctx, bucket, "k")
	assert.True(t, objectstore.IsNotFound(err), "get on a missing bucket: %v", err)

	_, err = store.Put(ctx, bucket, "k", []byte("v"), objectstore.Condition{})
	assert.ErrorIs(t, err, objectstore.ErrBucketNotFound)
}

func testConditionalPut(t *testing.T, store objectstore.Store) {
	if !store.Capabilities().ConditionalPut {
		t.Skip("store has no native conditional put")
	}
	ctx := context.Background()
	bucket := bucketName()
	require.NoError(t, store.MakeBucket(ctx, bucket))

	first, err := store.Put(ctx, bucket, "k", []byte("one"), objectstore.Condition{IfNoneMatch: true})
	require.NoError(t, err)

	_, err = store.Put(ctx, bucket, "k", []byte("two"), objectstore.Condition{IfNoneMatch: true})
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)

	_, err = store.Put(ctx, bucket, "k", []byte("two"), objectstore.Condition{IfMatch: first + "x"})
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)

	_, err = store.Put(ctx, bucket, "absent", []byte("two"), objectstore.Condition{IfMatch: first})
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)

	second, err := store.Put(ctx, bucket, "k", []byte("two"), objectstore.Condition{IfMatch: first})
	require.NoError(t, err)

	_, err = store.Put(ctx, bucket, "k", []byte("three"), objectstore.Condition{IfMatch: first})
	assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)

	obj, err := store.Get(ctx, bucket, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(obj.Data))
	assert.Equal(t, second, obj.ETag)
}

func testList(t *testing.T, store objectstore.Store) {
	ctx := context.Background()
	bucket := bucketName()
	require.NoError(t, store.MakeBucket(ctx, bucket))

	for _, k := range []string{"membership_b", "membership_a", "tableversion_x", "member", "membership_c"} {
		_, err := store.Put(ctx, bucket, k, []byte(k), objectstore.Condition{})
		require.NoError(t, err)
	}

	keys := make([]string, 0)
	require.NoError(t, store.List(ctx, bucket, "membership_", func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"membership_a", "membership_b", "membership_c"}, keys)

	// a second call restarts from the beginning
	count := 0
	require.NoError(t, store.List(ctx, bucket, "", func(key string) error {
		count++
		return nil
	}))
	assert.Equal(t, 5, count)

	stop := fmt.Errorf("stop")
	seen := 0
	err := store.List(ctx, bucket, "membership_", func(key string) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func testConcurrentCreate(t *testing.T, store objectstore.Store) {
	if !store.Capabilities().ConditionalPut {
		t.Skip("store has no native conditional put")
	}
	ctx := context.Background()
	bucket := bucketName()
	require.NoError(t, store.MakeBucket(ctx, bucket))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put(ctx, bucket, "contended", []byte(fmt.Sprintf("%d", i)), objectstore.Condition{IfNoneMatch: true})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, objectstore.ErrPreconditionFailed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}
