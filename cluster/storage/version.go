package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/objectstore"
)

const (
	opInsert = "insert"
	opUpdate = "update"

	repairAttempts = 3
)

var errUnresolvedWrite = errors.New("membership table has an unresolved pending write")

// versionRecord is the table version object. While a row write is in flight
// it carries the intent, so any reader can finish or abandon the write.
type versionRecord struct {
	Version int           `json:"version"`
	Etag    string        `json:"etag"`
	Pending *pendingWrite `json:"pending,omitempty"`
}

type pendingWrite struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Row     []byte `json:"row"`
	RowETag string `json:"rowEtag,omitempty"`
	Token   string `json:"token"`
}

func (v *versionRecord) tableVersion() cluster.TableVersion {
	if v == nil {
		return cluster.DefaultTableVersion
	}
	return cluster.TableVersion{Version: v.Version, VersionEtag: v.Etag}
}

// storedVersion is a decoded version object plus the store etag it was read
// at. A nil record means no version object exists yet.
type storedVersion struct {
	record *versionRecord
	etag   string
}

func (s storedVersion) condition() objectstore.Condition {
	if s.record == nil {
		return objectstore.Condition{IfNoneMatch: true}
	}
	return objectstore.Condition{IfMatch: s.etag}
}

func (s *ObjectMemberStore) fetchVersion(ctx context.Context) (storedVersion, error) {
	obj, err := s.store.Get(ctx, s.bucket, s.versionKey)
	if objectstore.IsNotFound(err) {
		return storedVersion{}, nil
	} else if err != nil {
		return storedVersion{}, fmt.Errorf("unable to read table version: %w", err)
	}

	var rec versionRecord
	if err := json.Unmarshal(obj.Data, &rec); err != nil {
		return storedVersion{}, fmt.Errorf("unable to decode table version: %w", err)
	}
	return storedVersion{record: &rec, etag: obj.ETag}, nil
}

func (s *ObjectMemberStore) putVersion(ctx context.Context, rec *versionRecord, cond objectstore.Condition) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("unable to encode table version: %w", err)
	}
	return objectstore.PutIf(ctx, s.store, s.bucket, s.versionKey, data, cond)
}

// loadVersion reads the version object and settles any write left pending by
// a writer that stopped between advancing the version and writing its row.
func (s *ObjectMemberStore) loadVersion(ctx context.Context) (storedVersion, error) {
	for i := 0; i < repairAttempts; i++ {
		current, err := s.fetchVersion(ctx)
		if err != nil {
			return storedVersion{}, err
		}
		if current.record == nil || current.record.Pending == nil {
			return current, nil
		}

		if repaired, err := s.repair(ctx, current); err != nil {
			return current, err
		} else if repaired != nil {
			return *repaired, nil
		}
	}
	return storedVersion{}, errUnresolvedWrite
}

// repair rolls a pending row write forward, or abandons it when the row has
// moved on, then clears the intent. It returns nil without error if another
// writer changed the version object first.
func (s *ObjectMemberStore) repair(ctx context.Context, current storedVersion) (*storedVersion, error) {
	p := current.record.Pending
	log.Warnf(ctx, "Found pending %s of %s at table version %d, repairing", p.Op, p.Key, current.record.Version)

	if applied, err := s.applyPending(ctx, current); err != nil {
		return nil, err
	} else if applied {
		s.metrics.CountRepair("rolled_forward")
	} else {
		log.Warnf(ctx, "Abandoning pending %s of %s", p.Op, p.Key)
		s.metrics.CountRepair("abandoned")
	}

	return s.clearPending(ctx, current)
}

func (s *ObjectMemberStore) clearPending(ctx context.Context, current storedVersion) (*storedVersion, error) {
	clean := &versionRecord{Version: current.record.Version, Etag: current.record.Etag}
	etag, err := s.putVersion(ctx, clean, objectstore.Condition{IfMatch: current.etag})
	if errors.Is(err, objectstore.ErrPreconditionFailed) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to clear pending write: %w", err)
	}
	return &storedVersion{record: clean, etag: etag}, nil
}

// applyPending writes the row of the intent carried by current. It reports
// false when the row can no longer accept the write: it was created by
// someone else, or changed since the writer read it. When the version
// object has moved on since current was read, the intent was settled
// elsewhere and only its outcome is reported.
func (s *ObjectMemberStore) applyPending(ctx context.Context, current storedVersion) (bool, error) {
	p := current.record.Pending

	if latest, err := s.fetchVersion(ctx); err != nil {
		return false, err
	} else if latest.etag != current.etag {
		log.Debugf(ctx, "Pending %s of %s was settled by another writer", p.Op, p.Key)
		return s.rowWrittenBy(ctx, p.Key, p.Token)
	}

	cond := objectstore.Condition{IfNoneMatch: true}
	if p.Op == opUpdate {
		cond = objectstore.Condition{IfMatch: p.RowETag}
	}

	_, err := objectstore.PutIf(ctx, s.store, s.bucket, p.Key, p.Row, cond)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, objectstore.ErrPreconditionFailed):
		return s.rowWrittenBy(ctx, p.Key, p.Token)
	default:
		return false, fmt.Errorf("unable to write %s: %w", p.Key, err)
	}
}

// rowWrittenBy reports whether the row at key carries token, i.e. the write
// holding that token already landed.
func (s *ObjectMemberStore) rowWrittenBy(ctx context.Context, key, token string) (bool, error) {
	obj, err := s.store.Get(ctx, s.bucket, key)
	if objectstore.IsNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("unable to read %s: %w", key, err)
	}

	if _, rowToken, err := cluster.DecodeRow(obj.Data); err != nil {
		return false, err
	} else {
		return rowToken == token, nil
	}
}
