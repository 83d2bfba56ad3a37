package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"

	"github.com/baryvn/orleans-minio/objectstore"
)

const listPageSize = 500

var _ objectstore.Store = (*RedisStore)(nil)

// RedisStore keeps each object in a hash {data, etag} and indexes the keys of
// a bucket in a sorted set so prefixes can be listed with ZRANGEBYLEX.
// Conditional puts run under WATCH; a transaction aborted by a concurrent
// writer is reported as a failed precondition.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(redisHostPort string, namespace string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: redisHostPort,
	})

	if namespace == "" {
		namespace = "objectstore"
	}

	return &RedisStore{
		client:    client,
		namespace: namespace,
	}
}

func (r *RedisStore) bucketsKey() string {
	return r.namespace + ":buckets"
}

func (r *RedisStore) indexKey(bucket string) string {
	return fmt.Sprintf("%s:idx:%s", r.namespace, bucket)
}

func (r *RedisStore) objectKey(bucket, key string) string {
	return fmt.Sprintf("%s:obj:%s:%s", r.namespace, bucket, key)
}

func (r *RedisStore) Healthy(ctx context.Context) bool {
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return false
	} else {
		return true
	}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Capabilities() objectstore.Capabilities {
	return objectstore.Capabilities{ConditionalPut: true}
}

func (r *RedisStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return r.client.SIsMember(ctx, r.bucketsKey(), bucket).Result()
}

func (r *RedisStore) MakeBucket(ctx context.Context, bucket string) error {
	if err := r.client.SAdd(ctx, r.bucketsKey(), bucket).Err(); err != nil {
		return fmt.Errorf("unable to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	fields, err := r.client.HGetAll(ctx, r.objectKey(bucket, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to get %s/%s: %w", bucket, key, err)
	}
	if len(fields) == 0 {
		if found, err := r.BucketExists(ctx, bucket); err != nil {
			return nil, err
		} else if !found {
			return nil, objectstore.ErrBucketNotFound
		}
		return nil, objectstore.ErrNotFound
	}
	return &objectstore.Object{
		Key:  key,
		Data: []byte(fields["data"]),
		ETag: fields["etag"],
	}, nil
}

func (r *RedisStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	objKey := r.objectKey(bucket, key)
	etag := uuid.New().String()

	txf := func(tx *redis.Tx) error {
		if found, err := tx.SIsMember(ctx, r.bucketsKey(), bucket).Result(); err != nil {
			return err
		} else if !found {
			return objectstore.ErrBucketNotFound
		}

		exists := true
		current, err := tx.HGet(ctx, objKey, "etag").Result()
		if err == redis.Nil {
			exists = false
		} else if err != nil {
			return err
		}

		if cond.IfNoneMatch && exists {
			return objectstore.ErrPreconditionFailed
		}
		if cond.IfMatch != "" && (!exists || current != cond.IfMatch) {
			return objectstore.ErrPreconditionFailed
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, objKey, "data", data, "etag", etag)
			pipe.ZAdd(ctx, r.indexKey(bucket), redis.Z{Score: 0, Member: key})
			return nil
		})
		return err
	}

	// An unconditional put only loses the WATCH race to another writer; retry it.
	attempts := 1
	if cond.IsZero() {
		attempts = 5
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = r.client.Watch(ctx, txf, objKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return etag, nil
	case errors.Is(err, redis.TxFailedErr):
		return "", objectstore.ErrPreconditionFailed
	default:
		return "", err
	}
}

func (r *RedisStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.objectKey(bucket, key))
		pipe.ZRem(ctx, r.indexKey(bucket), key)
		return nil
	})
	return err
}

func (r *RedisStore) List(ctx context.Context, bucket, prefix string, fn func(key string) error) error {
	if found, err := r.BucketExists(ctx, bucket); err != nil {
		return err
	} else if !found {
		return objectstore.ErrBucketNotFound
	}

	rng := &redis.ZRangeBy{Min: "-", Max: "+", Count: listPageSize}
	if prefix != "" {
		rng.Min = "[" + prefix
		rng.Max = "[" + prefix + "\xff"
	}

	for {
		keys, err := r.client.ZRangeByLex(ctx, r.indexKey(bucket), rng).Result()
		if err != nil {
			return fmt.Errorf("unable to list %s/%s: %w", bucket, prefix, err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if len(keys) < listPageSize {
			return nil
		}
		rng.Min = "(" + keys[len(keys)-1]
	}
}
