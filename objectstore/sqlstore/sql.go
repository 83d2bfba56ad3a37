package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/baryvn/orleans-minio/objectstore"
)

type SqlObject struct {
	Bucket    string `gorm:"primaryKey"`
	Key       string `gorm:"column:object_key;primaryKey"`
	Data      []byte
	ETag      string `gorm:"column:etag"`
	UpdatedAt time.Time
}

func (o SqlObject) TableName() string {
	return "objects"
}

type SqlBucket struct {
	Name      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (b SqlBucket) TableName() string {
	return "buckets"
}

var _ objectstore.Store = (*SqlStore)(nil)

// SqlStore keeps objects in a single relational table keyed by (bucket, key).
// Conditional puts become INSERT .. ON CONFLICT DO NOTHING and
// UPDATE .. WHERE etag = ?, judged by the affected row count.
type SqlStore struct {
	db *gorm.DB
}

// NewPostgresStore opens dsn through the lib/pq driver.
func NewPostgresStore(dsn string) (*SqlStore, error) {
	return open(postgres.New(postgres.Config{
		DriverName: "postgres",
		DSN:        dsn,
	}))
}

// NewSQLiteStore opens a sqlite database; "file::memory:" style DSNs give a
// throwaway store.
func NewSQLiteStore(dsn string) (*SqlStore, error) {
	store, err := open(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; queue callers on one connection instead of
	// surfacing SQLITE_BUSY as a transient failure.
	if sqlDB, err := store.db.DB(); err != nil {
		return nil, err
	} else {
		sqlDB.SetMaxOpenConns(1)
	}
	return store, nil
}

func open(dialector gorm.Dialector) (*SqlStore, error) {
	if db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}); err != nil {
		return nil, err
	} else {
		if err := db.AutoMigrate(&SqlBucket{}, &SqlObject{}); err != nil {
			return nil, fmt.Errorf("unable to migrate object tables: %w", err)
		}
		return &SqlStore{db: db}, nil
	}
}

func (s *SqlStore) Close() error {
	if sqlDB, err := s.db.DB(); err != nil {
		return err
	} else {
		return sqlDB.Close()
	}
}

func (s *SqlStore) Healthy(ctx context.Context) bool {
	if sqlDB, err := s.db.DB(); err != nil {
		return false
	} else {
		return sqlDB.PingContext(ctx) == nil
	}
}

func (s *SqlStore) Capabilities() objectstore.Capabilities {
	return objectstore.Capabilities{ConditionalPut: true}
}

func (s *SqlStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int64
	if result := s.db.WithContext(ctx).Model(&SqlBucket{}).Where("name = ?", bucket).Count(&count); result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}

func (s *SqlStore) MakeBucket(ctx context.Context, bucket string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&SqlBucket{Name: bucket}).Error
}

func (s *SqlStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	var obj SqlObject
	if result := s.db.WithContext(ctx).Where("bucket = ? AND object_key = ?", bucket, key).Take(&obj); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, objectstore.ErrNotFound
		}
		return nil, result.Error
	}
	return &objectstore.Object{Key: obj.Key, Data: obj.Data, ETag: obj.ETag}, nil
}

func (s *SqlStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	if found, err := s.BucketExists(ctx, bucket); err != nil {
		return "", err
	} else if !found {
		return "", objectstore.ErrBucketNotFound
	}

	obj := SqlObject{
		Bucket:    bucket,
		Key:       key,
		Data:      data,
		ETag:      uuid.New().String(),
		UpdatedAt: time.Now(),
	}
	db := s.db.WithContext(ctx)

	switch {
	case cond.IfNoneMatch:
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&obj)
		if result.Error != nil {
			return "", result.Error
		}
		if result.RowsAffected == 0 {
			return "", objectstore.ErrPreconditionFailed
		}
	case cond.IfMatch != "":
		result := db.Model(&SqlObject{}).
			Where("bucket = ? AND object_key = ? AND etag = ?", bucket, key, cond.IfMatch).
			Updates(map[string]interface{}{
				"data":       obj.Data,
				"etag":       obj.ETag,
				"updated_at": obj.UpdatedAt,
			})
		if result.Error != nil {
			return "", result.Error
		}
		if result.RowsAffected == 0 {
			return "", objectstore.ErrPreconditionFailed
		}
	default:
		upsertClause := clause.OnConflict{UpdateAll: true}
		if result := db.Clauses(upsertClause).Create(&obj); result.Error != nil {
			return "", result.Error
		}
	}

	return obj.ETag, nil
}

func (s *SqlStore) Delete(ctx context.Context, bucket, key string) error {
	return s.db.WithContext(ctx).Delete(&SqlObject{}, "bucket = ? AND object_key = ?", bucket, key).Error
}

func (s *SqlStore) List(ctx context.Context, bucket, prefix string, fn func(key string) error) error {
	if found, err := s.BucketExists(ctx, bucket); err != nil {
		return err
	} else if !found {
		return objectstore.ErrBucketNotFound
	}

	keys := make([]string, 0)
	query := s.db.WithContext(ctx).Model(&SqlObject{}).Where("bucket = ?", bucket)
	if prefix != "" {
		query = query.Where("substr(object_key, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix)
	}
	if result := query.Order("object_key").Pluck("object_key", &keys); result.Error != nil {
		return result.Error
	}

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
