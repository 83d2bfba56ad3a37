package etcdstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/baryvn/orleans-minio/objectstore"
)

const listPageSize = 500

var _ objectstore.Store = (*EtcdStore)(nil)

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// EtcdStore maps objects onto etcd keys. The etag of an object is its
// mod revision, so conditional puts become a single Txn compare.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

func New(config Config) (*EtcdStore, error) {
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.Prefix == "" {
		config.Prefix = "/objectstore"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to etcd at %v: %w", config.Endpoints, err)
	}

	return &EtcdStore{client: client, prefix: strings.TrimSuffix(config.Prefix, "/")}, nil
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

func (e *EtcdStore) Capabilities() objectstore.Capabilities {
	return objectstore.Capabilities{ConditionalPut: true}
}

func (e *EtcdStore) bucketKey(bucket string) string {
	return fmt.Sprintf("%s/buckets/%s", e.prefix, bucket)
}

func (e *EtcdStore) objectPrefix(bucket string) string {
	return fmt.Sprintf("%s/objects/%s/", e.prefix, bucket)
}

func (e *EtcdStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	resp, err := e.client.Get(ctx, e.bucketKey(bucket), clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("unable to check bucket %s: %w", bucket, err)
	}
	return resp.Count > 0, nil
}

func (e *EtcdStore) MakeBucket(ctx context.Context, bucket string) error {
	key := e.bucketKey(bucket)
	_, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, time.Now().UTC().Format(time.RFC3339))).
		Commit()
	if err != nil {
		return fmt.Errorf("unable to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (e *EtcdStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	resp, err := e.client.Get(ctx, e.objectPrefix(bucket)+key)
	if err != nil {
		return nil, fmt.Errorf("unable to get %s/%s: %w", bucket, key, err)
	}
	if len(resp.Kvs) == 0 {
		if found, err := e.BucketExists(ctx, bucket); err != nil {
			return nil, err
		} else if !found {
			return nil, objectstore.ErrBucketNotFound
		}
		return nil, objectstore.ErrNotFound
	}

	kv := resp.Kvs[0]
	return &objectstore.Object{
		Key:  key,
		Data: kv.Value,
		ETag: strconv.FormatInt(kv.ModRevision, 10),
	}, nil
}

func (e *EtcdStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	objKey := e.objectPrefix(bucket) + key

	cmps := []clientv3.Cmp{
		clientv3.Compare(clientv3.CreateRevision(e.bucketKey(bucket)), ">", 0),
	}
	if cond.IfNoneMatch {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(objKey), "=", 0))
	}
	if cond.IfMatch != "" {
		rev, err := strconv.ParseInt(cond.IfMatch, 10, 64)
		if err != nil {
			return "", objectstore.ErrPreconditionFailed
		}
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(objKey), "=", rev))
	}

	resp, err := e.client.Txn(ctx).If(cmps...).Then(clientv3.OpPut(objKey, string(data))).Commit()
	if err != nil {
		return "", fmt.Errorf("unable to put %s/%s: %w", bucket, key, err)
	}
	if !resp.Succeeded {
		if found, err := e.BucketExists(ctx, bucket); err != nil {
			return "", err
		} else if !found {
			return "", objectstore.ErrBucketNotFound
		}
		return "", objectstore.ErrPreconditionFailed
	}

	return strconv.FormatInt(resp.Header.Revision, 10), nil
}

func (e *EtcdStore) Delete(ctx context.Context, bucket, key string) error {
	if _, err := e.client.Delete(ctx, e.objectPrefix(bucket)+key); err != nil {
		return fmt.Errorf("unable to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (e *EtcdStore) List(ctx context.Context, bucket, prefix string, fn func(key string) error) error {
	if found, err := e.BucketExists(ctx, bucket); err != nil {
		return err
	} else if !found {
		return objectstore.ErrBucketNotFound
	}

	base := e.objectPrefix(bucket)
	start := base + prefix
	end := clientv3.GetPrefixRangeEnd(start)

	for {
		resp, err := e.client.Get(ctx, start,
			clientv3.WithRange(end),
			clientv3.WithKeysOnly(),
			clientv3.WithLimit(listPageSize),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		if err != nil {
			return fmt.Errorf("unable to list %s/%s: %w", bucket, prefix, err)
		}

		for _, kv := range resp.Kvs {
			if err := fn(strings.TrimPrefix(string(kv.Key), base)); err != nil {
				return err
			}
		}

		if !resp.More || len(resp.Kvs) == 0 {
			return nil
		}
		start = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
}
