package miniostore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/baryvn/orleans-minio/objectstore"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

var _ objectstore.Store = (*MinioStore)(nil)

// MinioStore talks to MinIO (or any S3 API honouring If-Match / If-None-Match
// on PutObject).
type MinioStore struct {
	client *minio.Client
}

func New(options Options) (*MinioStore, error) {
	client, err := minio.New(options.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(options.AccessKey, options.SecretKey, ""),
		Secure: options.UseSSL,
		Region: options.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create minio client for %s: %w", options.Endpoint, err)
	}
	return &MinioStore{client: client}, nil
}

func (m *MinioStore) Healthy(ctx context.Context) bool {
	_, err := m.client.ListBuckets(ctx)
	return err == nil
}

func (m *MinioStore) Capabilities() objectstore.Capabilities {
	return objectstore.Capabilities{ConditionalPut: true}
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey":
		return objectstore.ErrNotFound
	case resp.Code == "NoSuchBucket":
		return objectstore.ErrBucketNotFound
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return objectstore.ErrPreconditionFailed
	default:
		return err
	}
}

func (m *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.client.BucketExists(ctx, bucket)
}

func (m *MinioStore) MakeBucket(ctx context.Context, bucket string) error {
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("unable to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (m *MinioStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, translate(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err)
	}

	return &objectstore.Object{Key: key, Data: data, ETag: info.ETag}, nil
}

func (m *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if cond.IfNoneMatch {
		opts.SetMatchETagExcept("*")
	}
	if cond.IfMatch != "" {
		opts.SetMatchETag(cond.IfMatch)
	}

	info, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", translate(err)
	}
	return info.ETag, nil
}

func (m *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := translate(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})); err != nil {
		if objectstore.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (m *MinioStore) List(ctx context.Context, bucket, prefix string, fn func(key string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return translate(info.Err)
		}
		if err := fn(info.Key); err != nil {
			return err
		}
	}
	return nil
}
