package memstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/baryvn/orleans-minio/objectstore"
)

const (
	objectsTable = "objects"
	bucketsTable = "buckets"
)

type memObject struct {
	ID     string
	Bucket string
	Key    string
	Data   []byte
	ETag   string
}

type memBucket struct {
	Name string
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		objectsTable: {
			Name: objectsTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		bucketsTable: {
			Name: bucketsTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
	},
}

var _ objectstore.Store = (*MemoryStore)(nil)

// MemoryStore keeps objects in a go-memdb database. Every Put runs in a single
// write transaction, so conditional puts are atomic.
type MemoryStore struct {
	db *memdb.MemDB
}

func New() *MemoryStore {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(fmt.Sprintf("invalid object store schema: %v", err))
	}
	return &MemoryStore{db: db}
}

func (m *MemoryStore) Capabilities() objectstore.Capabilities {
	return objectstore.Capabilities{ConditionalPut: true}
}

func (m *MemoryStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	txn := m.db.Txn(false)
	defer txn.Abort()
	return bucketExists(txn, bucket)
}

func bucketExists(txn *memdb.Txn, bucket string) (bool, error) {
	raw, err := txn.First(bucketsTable, "id", bucket)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

func (m *MemoryStore) MakeBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(bucketsTable, &memBucket{Name: bucket}); err != nil {
		return fmt.Errorf("unable to create bucket %s: %w", bucket, err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := m.db.Txn(false)
	defer txn.Abort()

	if found, err := bucketExists(txn, bucket); err != nil {
		return nil, err
	} else if !found {
		return nil, objectstore.ErrBucketNotFound
	}

	raw, err := txn.First(objectsTable, "id", objectID(bucket, key))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, objectstore.ErrNotFound
	}
	obj := raw.(*memObject)
	return &objectstore.Object{
		Key:  obj.Key,
		Data: append([]byte(nil), obj.Data...),
		ETag: obj.ETag,
	}, nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	if found, err := bucketExists(txn, bucket); err != nil {
		return "", err
	} else if !found {
		return "", objectstore.ErrBucketNotFound
	}

	id := objectID(bucket, key)
	raw, err := txn.First(objectsTable, "id", id)
	if err != nil {
		return "", err
	}

	if cond.IfNoneMatch && raw != nil {
		return "", objectstore.ErrPreconditionFailed
	}
	if cond.IfMatch != "" && (raw == nil || raw.(*memObject).ETag != cond.IfMatch) {
		return "", objectstore.ErrPreconditionFailed
	}

	obj := &memObject{
		ID:     id,
		Bucket: bucket,
		Key:    key,
		Data:   append([]byte(nil), data...),
		ETag:   uuid.New().String(),
	}
	if err := txn.Insert(objectsTable, obj); err != nil {
		return "", fmt.Errorf("unable to put %s: %w", id, err)
	}
	txn.Commit()
	return obj.ETag, nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(objectsTable, "id", objectID(bucket, key)); err != nil {
		return fmt.Errorf("unable to delete %s/%s: %w", bucket, key, err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string, fn func(key string) error) error {
	txn := m.db.Txn(false)
	defer txn.Abort()

	if found, err := bucketExists(txn, bucket); err != nil {
		return err
	} else if !found {
		return objectstore.ErrBucketNotFound
	}

	it, err := txn.Get(objectsTable, "id_prefix", objectID(bucket, prefix))
	if err != nil {
		return err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(raw.(*memObject).Key); err != nil {
			return err
		}
	}
	return nil
}
