package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/metrics"
	"github.com/baryvn/orleans-minio/objectstore"
)

const DefaultOperationTimeout = 30 * time.Second

type Config struct {
	ClusterId        string
	OperationTimeout time.Duration
}

var _ MemberStore = (*ObjectMemberStore)(nil)

// ObjectMemberStore keeps one object per row plus a shared table version
// object in a bucket named after the cluster.
//
// Inserts and updates are written version first. The version object is
// replaced conditionally on its etag, after the caller's version token has
// been checked, and carries the intended row write. The row is then written
// with its own precondition (absent for inserts, the caller's row etag for
// updates) and finally the intent is cleared. Every operation that finds an
// intent left behind finishes it or abandons it before going on, so a
// version advance and its row change are never observed apart for longer
// than it takes the next caller to come along.
type ObjectMemberStore struct {
	store      objectstore.Store
	config     Config
	bucket     string
	versionKey string
	metrics    *metrics.MetricsRegistry
}

func NewObjectMemberStore(store objectstore.Store, config Config, registry *metrics.MetricsRegistry) *ObjectMemberStore {
	if config.OperationTimeout == 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	if registry == nil {
		registry = metrics.NewNoopRegistry()
	}

	return &ObjectMemberStore{
		store:      store,
		config:     config,
		bucket:     cluster.BucketName(config.ClusterId),
		versionKey: cluster.VersionKey(config.ClusterId),
		metrics:    registry,
	}
}

func (s *ObjectMemberStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *ObjectMemberStore) Initialize(ctx context.Context, createIfMissing bool) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if !createIfMissing {
		if found, err := s.store.BucketExists(ctx, s.bucket); err != nil {
			log.Warnf(ctx, "Unable to check membership bucket %s: %v", s.bucket, err)
		} else if !found {
			log.Warnf(ctx, "Membership bucket %s does not exist", s.bucket)
		}
		return
	}

	if err := objectstore.EnsureBucket(ctx, s.store, s.bucket); err != nil {
		log.Warnf(ctx, "Unable to create membership bucket %s: %v", s.bucket, err)
	} else {
		log.Infof(ctx, "Membership bucket %s ready", s.bucket)
	}
}

// readVersion is the version reads report: the repaired version when
// possible, the default one when nothing can be read.
func (s *ObjectMemberStore) readVersion(ctx context.Context) cluster.TableVersion {
	current, err := s.loadVersion(ctx)
	if err != nil {
		log.Warnf(ctx, "Unable to load table version of %s: %v", s.config.ClusterId, err)
	}
	return current.record.tableVersion()
}

func (s *ObjectMemberStore) readRow(ctx context.Context, key string) (*cluster.MembershipRow, error) {
	obj, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	if entry, _, err := cluster.DecodeRow(obj.Data); err != nil {
		return nil, err
	} else {
		return &cluster.MembershipRow{Entry: entry, ETag: obj.ETag}, nil
	}
}

func (s *ObjectMemberStore) ReadRow(ctx context.Context, address cluster.SiloAddress) *cluster.MembershipTableData {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data := &cluster.MembershipTableData{Members: []cluster.MembershipRow{}}
	_ = s.metrics.TimeTableOperation("read_row", func() error {
		data.Version = s.readVersion(ctx)

		if row, err := s.readRow(ctx, cluster.RowKey(address)); err != nil {
			if !objectstore.IsNotFound(err) {
				log.Warnf(ctx, "Unable to read row of %v: %v", address, err)
			}
		} else {
			data.Members = append(data.Members, *row)
		}
		return nil
	})
	return data
}

func (s *ObjectMemberStore) ReadAll(ctx context.Context) *cluster.MembershipTableData {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data := &cluster.MembershipTableData{Members: []cluster.MembershipRow{}}
	_ = s.metrics.TimeTableOperation("read_all", func() error {
		data.Version = s.readVersion(ctx)

		rows, err := s.scanRows(ctx)
		if err != nil {
			log.Warnf(ctx, "Unable to list membership rows of %s: %v", s.config.ClusterId, err)
			return err
		}
		data.Members = rows
		return nil
	})
	return data
}

// scanRows fetches every row currently listed. Rows deleted between the list
// and the fetch are skipped.
func (s *ObjectMemberStore) scanRows(ctx context.Context) ([]cluster.MembershipRow, error) {
	keys := make([]string, 0)
	if err := s.store.List(ctx, s.bucket, cluster.RowPrefix, func(key string) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return nil, err
	}

	rows := make([]cluster.MembershipRow, 0, len(keys))
	for _, key := range keys {
		if row, err := s.readRow(ctx, key); err != nil {
			if !objectstore.IsNotFound(err) {
				log.Warnf(ctx, "Unable to read membership row %s: %v", key, err)
			}
		} else {
			rows = append(rows, *row)
		}
	}
	return rows, nil
}

func (s *ObjectMemberStore) InsertRow(ctx context.Context, entry *cluster.MembershipEntry, version cluster.TableVersion) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ok bool
	err := s.metrics.TimeTableOperation("insert_row", func() error {
		var err error
		ok, err = s.write(ctx, opInsert, entry, "", version)
		return err
	})
	return ok, err
}

func (s *ObjectMemberStore) UpdateRow(ctx context.Context, entry *cluster.MembershipEntry, etag string, version cluster.TableVersion) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ok bool
	err := s.metrics.TimeTableOperation("update_row", func() error {
		var err error
		ok, err = s.write(ctx, opUpdate, entry, etag, version)
		return err
	})
	return ok, err
}

func (s *ObjectMemberStore) conflict(ctx context.Context, op string, format string, args ...interface{}) (bool, error) {
	log.Debugf(ctx, "%s conflict: "+format, append([]interface{}{op}, args...)...)
	s.metrics.CountTableConflict(op)
	return false, nil
}

func (s *ObjectMemberStore) write(ctx context.Context, op string, entry *cluster.MembershipEntry, rowEtag string, version cluster.TableVersion) (bool, error) {
	key := cluster.RowKey(entry.SiloAddress)
	s.metrics.CountWriteState(metrics.StateIdle)

	current, err := s.loadVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("unable to %s %v: %w", op, entry.SiloAddress, err)
	}
	if stored := current.record.tableVersion(); stored.VersionEtag != version.VersionEtag {
		return s.conflict(ctx, op, "version token %s does not match stored %v", version.VersionEtag, stored)
	}

	existing, err := s.readRow(ctx, key)
	switch {
	case objectstore.IsNotFound(err):
		if op == opUpdate {
			return s.conflict(ctx, op, "no row for %v", entry.SiloAddress)
		}
	case err != nil:
		return false, fmt.Errorf("unable to read row of %v: %w", entry.SiloAddress, err)
	case op == opInsert:
		return s.conflict(ctx, op, "row for %v already exists", entry.SiloAddress)
	case existing.ETag != rowEtag:
		return s.conflict(ctx, op, "row etag %s of %v does not match stored %s", rowEtag, entry.SiloAddress, existing.ETag)
	}

	token := uuid.New().String()
	row, err := cluster.EncodeRow(entry, token)
	if err != nil {
		return false, err
	}

	next := &versionRecord{
		Version: current.record.tableVersion().Version + 1,
		Etag:    token,
		Pending: &pendingWrite{Op: op, Key: key, Row: row, RowETag: rowEtag, Token: token},
	}

	s.metrics.CountWriteState(metrics.StateVersionWriting)
	versionEtag, err := s.putVersion(ctx, next, current.condition())
	if errors.Is(err, objectstore.ErrPreconditionFailed) {
		return s.conflict(ctx, op, "table version changed concurrently")
	} else if err != nil {
		return false, fmt.Errorf("unable to advance table version: %w", err)
	}

	s.metrics.CountWriteState(metrics.StateRowWriting)
	written := storedVersion{record: next, etag: versionEtag}
	if applied, err := s.applyPending(ctx, written); err != nil {
		log.Warnf(ctx, "Row write of %v failed after table version %d was written; leaving it for repair: %v", entry.SiloAddress, next.Version, err)
		return false, err
	} else if !applied {
		if _, err := s.clearPending(ctx, written); err != nil {
			log.Warnf(ctx, "Unable to abandon %s of %v: %v", op, entry.SiloAddress, err)
		}
		return s.conflict(ctx, op, "row of %v changed concurrently", entry.SiloAddress)
	}

	if _, err := s.clearPending(ctx, written); err != nil {
		log.Warnf(ctx, "Unable to clear committed %s of %v, the next reader will: %v", op, entry.SiloAddress, err)
	}
	s.metrics.CountWriteState(metrics.StateCommitted)

	log.Debugf(ctx, "%s of %v committed at table version %d", op, entry.SiloAddress, next.Version)
	return true, nil
}

func (s *ObjectMemberStore) UpdateIAmAlive(ctx context.Context, entry *cluster.MembershipEntry) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	written := false
	_ = s.metrics.TimeTableOperation("update_iamalive", func() error {
		key := cluster.RowKey(entry.SiloAddress)

		obj, err := s.store.Get(ctx, s.bucket, key)
		if err != nil {
			log.Warnf(ctx, "Unable to read row of %v for heartbeat: %v", entry.SiloAddress, err)
			return err
		}
		stored, token, err := cluster.DecodeRow(obj.Data)
		if err != nil {
			log.Warnf(ctx, "Unable to decode row of %v for heartbeat: %v", entry.SiloAddress, err)
			return err
		}

		stored.IAmAliveTime = entry.IAmAliveTime
		data, err := cluster.EncodeRow(stored, token)
		if err != nil {
			return err
		}

		if _, err := objectstore.PutIf(ctx, s.store, s.bucket, key, data, objectstore.Condition{IfMatch: obj.ETag}); err != nil {
			if errors.Is(err, objectstore.ErrPreconditionFailed) {
				s.metrics.CountHeartbeatDropped()
				log.Warnf(ctx, "Dropped heartbeat of %v, the row changed concurrently", entry.SiloAddress)
			} else {
				log.Warnf(ctx, "Unable to write heartbeat of %v: %v", entry.SiloAddress, err)
			}
			return err
		}

		written = true
		return nil
	})
	return written
}

func (s *ObjectMemberStore) DeleteAll(ctx context.Context, clusterId string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bucket := cluster.BucketName(clusterId)
	return s.metrics.TimeTableOperation("delete_all", func() error {
		keys := make([]string, 0)
		if err := s.store.List(ctx, bucket, cluster.RowPrefix, func(key string) error {
			keys = append(keys, key)
			return nil
		}); err != nil {
			if errors.Is(err, objectstore.ErrBucketNotFound) {
				return nil
			}
			return fmt.Errorf("unable to list rows of %s: %w", clusterId, err)
		}

		for _, key := range keys {
			if err := s.store.Delete(ctx, bucket, key); err != nil {
				return fmt.Errorf("unable to delete %s: %w", key, err)
			}
		}

		if err := s.store.Delete(ctx, bucket, cluster.VersionKey(clusterId)); err != nil {
			return fmt.Errorf("unable to delete table version of %s: %w", clusterId, err)
		}

		log.Infof(ctx, "Deleted %d membership rows of %s", len(keys), clusterId)
		return nil
	})
}

func (s *ObjectMemberStore) CleanupDefunct(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	removed := 0
	err := s.metrics.TimeTableOperation("cleanup_defunct", func() error {
		rows, err := s.scanRows(ctx)
		if err != nil {
			return fmt.Errorf("unable to list rows of %s: %w", s.config.ClusterId, err)
		}

		for _, row := range rows {
			if row.Entry.Status != cluster.StatusDead || !row.Entry.IAmAliveTime.Before(before) {
				continue
			}
			if err := s.store.Delete(ctx, s.bucket, cluster.RowKey(row.Entry.SiloAddress)); err != nil {
				return fmt.Errorf("unable to delete defunct row of %v: %w", row.Entry.SiloAddress, err)
			}
			log.Infof(ctx, "Removed defunct silo %v (last alive %v)", row.Entry.SiloAddress, row.Entry.IAmAliveTime)
			removed++
		}
		return nil
	})
	s.metrics.CountDefunctRemoved(removed)
	return removed, err
}
