package config

import (
	"context"
	"fmt"
	"io"

	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/objectstore"
	"github.com/baryvn/orleans-minio/objectstore/boltstore"
	"github.com/baryvn/orleans-minio/objectstore/etcdstore"
	"github.com/baryvn/orleans-minio/objectstore/memstore"
	"github.com/baryvn/orleans-minio/objectstore/miniostore"
	"github.com/baryvn/orleans-minio/objectstore/redisstore"
	"github.com/baryvn/orleans-minio/objectstore/sqlstore"
)

const (
	BackendMinio    = "minio"
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendEtcd     = "etcd"
)

type StoreOptions struct {
	Backend string

	// MinIO / S3
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string

	DSN           string
	Path          string
	RedisHostPort string
	EtcdEndpoints []string

	// ConditionalPut is false for object stores that ignore If-Match; writes
	// then fall back to a read-and-compare before each put.
	ConditionalPut bool
}

func (o StoreOptions) Validate() error {
	switch o.Backend {
	case BackendMinio:
		if o.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required for the minio backend")
		}
	case BackendPostgres, BackendSQLite:
		if o.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", o.Backend)
		}
	case BackendBolt:
		if o.Path == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt backend")
		}
	case BackendRedis:
		if o.RedisHostPort == "" {
			return fmt.Errorf("REDIS_HOST_PORT is required for the redis backend")
		}
	case BackendEtcd:
		if len(o.EtcdEndpoints) == 0 {
			return fmt.Errorf("ETCD_ENDPOINTS is required for the etcd backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", o.Backend)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open connects to the configured backend. The closer releases whatever the
// backend holds open.
func (o StoreOptions) Open(ctx context.Context) (objectstore.Store, io.Closer, error) {
	store, closer, err := o.open(ctx)
	if err != nil {
		return nil, nil, err
	}

	if !o.ConditionalPut {
		log.Warnf(ctx, "Conditional puts disabled for the %s backend, concurrent writers may overwrite each other", o.Backend)
		store = objectstore.Degraded(store)
	}
	log.Infof(ctx, "Using %s object store", o.Backend)
	return store, closer, nil
}

func (o StoreOptions) open(ctx context.Context) (objectstore.Store, io.Closer, error) {
	switch o.Backend {
	case BackendMinio:
		if store, err := miniostore.New(miniostore.Options{
			Endpoint:  o.Endpoint,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			UseSSL:    o.UseSSL,
			Region:    o.Region,
		}); err != nil {
			return nil, nil, err
		} else {
			return store, nopCloser{}, nil
		}
	case BackendMemory:
		return memstore.New(), nopCloser{}, nil
	case BackendBolt:
		if store, err := boltstore.New(boltstore.Config{Path: o.Path}); err != nil {
			return nil, nil, err
		} else {
			return store, store, nil
		}
	case BackendPostgres:
		if store, err := sqlstore.NewPostgresStore(o.DSN); err != nil {
			return nil, nil, err
		} else {
			return store, store, nil
		}
	case BackendSQLite:
		if store, err := sqlstore.NewSQLiteStore(o.DSN); err != nil {
			return nil, nil, err
		} else {
			return store, store, nil
		}
	case BackendRedis:
		store := redisstore.NewRedisStore(o.RedisHostPort, "objectstore")
		if !store.Healthy(ctx) {
			return nil, nil, fmt.Errorf("unable to connect to redis at %v", o.RedisHostPort)
		}
		return store, store, nil
	case BackendEtcd:
		if store, err := etcdstore.New(etcdstore.Config{Endpoints: o.EtcdEndpoints}); err != nil {
			return nil, nil, err
		} else {
			return store, store, nil
		}
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", o.Backend)
	}
}
