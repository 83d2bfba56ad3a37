package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/baryvn/orleans-minio/objectstore"
)

type Config struct {
	// Path is the file path of the bbolt database.
	Path string
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

type record struct {
	ETag string `json:"etag"`
	Data []byte `json:"data"`
}

var _ objectstore.Store = (*BoltStore)(nil)

// BoltStore maps every object bucket to a top-level bbolt bucket. Etags come
// from the bucket sequence, so they are never reused within a bucket.
type BoltStore struct {
	db *bolt.DB
}

func New(config Config) (*BoltStore, error) {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("unable to open bbolt store at %s: %w", config.Path, err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Destroy closes the store and removes its file.
func (b *BoltStore) Destroy() error {
	path := b.db.Path()
	if err := b.Close(); err != nil {
		return fmt.Errorf("unable to close store: %w", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("unable to remove %s: %w", path, err)
	}
	return nil
}

func (b *BoltStore) Capabilities() objectstore.Capabilities {
	return objectstore.Capabilities{ConditionalPut: true}
}

func (b *BoltStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(bucket)) != nil
		return nil
	})
	return found, err
}

func (b *BoltStore) MakeBucket(ctx context.Context, bucket string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
			return fmt.Errorf("unable to create bucket %s: %w", bucket, err)
		}
		return nil
	})
}

func decode(raw []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unable to decode stored record: %w", err)
	}
	return &rec, nil
}

func (b *BoltStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var obj *objectstore.Object
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return objectstore.ErrBucketNotFound
		}
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return objectstore.ErrNotFound
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		obj = &objectstore.Object{Key: key, Data: rec.Data, ETag: rec.ETag}
		return nil
	})
	return obj, err
}

func (b *BoltStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var etag string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return objectstore.ErrBucketNotFound
		}

		raw := bkt.Get([]byte(key))
		if cond.IfNoneMatch && raw != nil {
			return objectstore.ErrPreconditionFailed
		}
		if cond.IfMatch != "" {
			if raw == nil {
				return objectstore.ErrPreconditionFailed
			}
			current, err := decode(raw)
			if err != nil {
				return err
			}
			if current.ETag != cond.IfMatch {
				return objectstore.ErrPreconditionFailed
			}
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		etag = strconv.FormatUint(seq, 10)

		encoded, err := json.Marshal(record{ETag: etag, Data: data})
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), encoded)
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func (b *BoltStore) Delete(ctx context.Context, bucket, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// List collects matching keys in a read transaction and calls fn after it
// closes, so fn may write to the store.
func (b *BoltStore) List(ctx context.Context, bucket, prefix string, fn func(key string) error) error {
	keys := make([]string, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return objectstore.ErrBucketNotFound
		}
		p := []byte(prefix)
		c := bkt.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
