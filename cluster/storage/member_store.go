package storage

import (
	"context"
	"time"

	"github.com/baryvn/orleans-minio/cluster"
)

// MemberStore persists the membership table. Reads never fail: absence and
// transient errors both degrade to an empty result. InsertRow and UpdateRow
// return false with a nil error on a conflict and a non-nil error when the
// outcome is unknown.
type MemberStore interface {
	Initialize(ctx context.Context, createIfMissing bool)
	ReadRow(ctx context.Context, address cluster.SiloAddress) *cluster.MembershipTableData
	ReadAll(ctx context.Context) *cluster.MembershipTableData
	InsertRow(ctx context.Context, entry *cluster.MembershipEntry, version cluster.TableVersion) (bool, error)
	UpdateRow(ctx context.Context, entry *cluster.MembershipEntry, etag string, version cluster.TableVersion) (bool, error)
	// UpdateIAmAlive rewrites only the heartbeat time of the row, without
	// touching the table version. It reports whether the write landed.
	UpdateIAmAlive(ctx context.Context, entry *cluster.MembershipEntry) bool
	DeleteAll(ctx context.Context, clusterId string) error
	// CleanupDefunct removes rows that are Dead with a heartbeat older than
	// before, returning how many were removed.
	CleanupDefunct(ctx context.Context, before time.Time) (int, error)
}
