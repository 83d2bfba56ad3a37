package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/metrics"
)

var (
	ErrUnknownSilo   = errors.New("silo is not in the membership table")
	ErrAlreadyJoined = errors.New("silo already has a row in the membership table")

	errConflict = errors.New("membership table changed concurrently")
)

type Config struct {
	SuspicionWindow time.Duration
	SuspicionQuorum int
	// RetryTimeout bounds the optimistic retry loops of Join, UpdateStatus
	// and Suspect.
	RetryTimeout time.Duration
}

// MembershipTable is a silo's cached view of the membership table plus the
// read-modify-write loops used to change it.
type MembershipTable struct {
	mu      sync.RWMutex
	members []cluster.MembershipRow
	version cluster.TableVersion
	store   storage.MemberStore
	config  Config
	metrics *metrics.MetricsRegistry
}

func NewTable(store storage.MemberStore, config Config, registry *metrics.MetricsRegistry) *MembershipTable {
	if config.SuspicionQuorum <= 0 {
		config.SuspicionQuorum = 2
	}
	if config.SuspicionWindow == 0 {
		config.SuspicionWindow = 3 * time.Minute
	}
	if config.RetryTimeout == 0 {
		config.RetryTimeout = 30 * time.Second
	}
	if registry == nil {
		registry = metrics.NewNoopRegistry()
	}

	return &MembershipTable{
		members: make([]cluster.MembershipRow, 0),
		version: cluster.DefaultTableVersion,
		store:   store,
		config:  config,
		metrics: registry,
	}
}

func (t *MembershipTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func (t *MembershipTable) Version() cluster.TableVersion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *MembershipTable) Members() []cluster.MembershipRow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]cluster.MembershipRow(nil), t.members...)
}

func (t *MembershipTable) Get(address cluster.SiloAddress) (*cluster.MembershipEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, row := range t.members {
		if row.Entry.SiloAddress == address {
			return row.Entry.Copy(), true
		}
	}
	return nil, false
}

func (t *MembershipTable) WithMembers(f func(*cluster.MembershipEntry) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, row := range t.members {
		if err := f(row.Entry); err != nil {
			return err
		}
	}

	return nil
}

// Update replaces the cached view with a fresh read of the table.
func (t *MembershipTable) Update(ctx context.Context) {
	_ = t.metrics.TimeTableSync(func() error {
		data := t.store.ReadAll(ctx)

		t.mu.Lock()
		defer t.mu.Unlock()
		t.members = data.Members
		t.version = data.Version
		return nil
	})
	t.metrics.UpdateTableSyncCount()
}

func (t *MembershipTable) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = t.config.RetryTimeout
	return backoff.WithContext(b, ctx)
}

// sameSilo reports whether stored is the row entry would have written. The
// generation makes an address unique to one process, so a matching name and
// start time mean an earlier attempt of this join landed.
func sameSilo(stored, entry *cluster.MembershipEntry) bool {
	return stored.SiloName == entry.SiloName &&
		stored.HostName == entry.HostName &&
		stored.StartTime.Equal(entry.StartTime)
}

// Join inserts the row of a new silo. A row left by an earlier attempt of
// the same join counts as joined.
func (t *MembershipTable) Join(ctx context.Context, entry *cluster.MembershipEntry) error {
	err := backoff.Retry(func() error {
		data := t.store.ReadRow(ctx, entry.SiloAddress)
		if row, found := data.Find(entry.SiloAddress); found {
			if !sameSilo(row.Entry, entry) {
				return backoff.Permanent(ErrAlreadyJoined)
			}
			log.Infof(ctx, "Row of %v was already written by an earlier attempt", entry.SiloAddress)
			return nil
		}

		if ok, err := t.store.InsertRow(ctx, entry, data.Version.Next()); err != nil {
			log.Warnf(ctx, "Unable to insert row of %v, retrying: %v", entry.SiloAddress, err)
			return err
		} else if !ok {
			return errConflict
		}
		return nil
	}, t.newBackOff(ctx))

	if err != nil {
		return fmt.Errorf("unable to join %v: %w", entry.SiloAddress, err)
	}
	log.Infof(ctx, "%v joined the cluster as %v", entry.SiloAddress, entry.Status)
	return nil
}

// mutate applies f to a fresh copy of the row of address and writes it back,
// starting over whenever another writer got there first. f returns false
// when there is nothing to write.
func (t *MembershipTable) mutate(ctx context.Context, address cluster.SiloAddress, f func(entry *cluster.MembershipEntry) (bool, error)) error {
	return backoff.Retry(func() error {
		data := t.store.ReadRow(ctx, address)
		if len(data.Members) == 0 {
			return backoff.Permanent(ErrUnknownSilo)
		}
		row := data.Members[0]
		entry := row.Entry.Copy()

		if changed, err := f(entry); err != nil {
			return backoff.Permanent(err)
		} else if !changed {
			return nil
		}

		if ok, err := t.store.UpdateRow(ctx, entry, row.ETag, data.Version.Next()); err != nil {
			log.Warnf(ctx, "Unable to update row of %v, retrying: %v", address, err)
			return err
		} else if !ok {
			return errConflict
		}
		return nil
	}, t.newBackOff(ctx))
}

func (t *MembershipTable) UpdateStatus(ctx context.Context, address cluster.SiloAddress, status cluster.SiloStatus) error {
	if err := t.mutate(ctx, address, func(entry *cluster.MembershipEntry) (bool, error) {
		if entry.Status == status {
			return false, nil
		}
		if entry.Status == cluster.StatusDead {
			return false, fmt.Errorf("%v is dead and cannot become %v", address, status)
		}
		entry.Status = status
		return true, nil
	}); err != nil {
		return fmt.Errorf("unable to set status of %v to %v: %w", address, status, err)
	}

	log.Infof(ctx, "%v is now %v", address, status)
	return nil
}

// Heartbeat records entry.IAmAliveTime. A heartbeat lost to a concurrent
// writer is not retried.
func (t *MembershipTable) Heartbeat(ctx context.Context, entry *cluster.MembershipEntry) bool {
	return t.store.UpdateIAmAlive(ctx, entry)
}

// Suspect records a vote by accuser against suspect. Once SuspicionQuorum
// votes cast within SuspicionWindow exist, the suspect is declared dead.
func (t *MembershipTable) Suspect(ctx context.Context, accuser, suspect cluster.SiloAddress) (bool, error) {
	declaredDead := false

	err := t.mutate(ctx, suspect, func(entry *cluster.MembershipEntry) (bool, error) {
		declaredDead = false
		if entry.Status == cluster.StatusDead {
			return false, nil
		}

		now := time.Now().UTC()
		windowStart := now.Add(-t.config.SuspicionWindow)

		fresh := entry.SuspectTimes[:0]
		for _, s := range entry.SuspectTimes {
			if !s.Timestamp.Before(windowStart) {
				fresh = append(fresh, s)
			}
		}
		entry.SuspectTimes = fresh
		entry.AddSuspector(accuser, now)

		votes := entry.FreshSuspicions(windowStart)
		log.Infof(ctx, "%v suspects %v (%d of %d votes)", accuser, suspect, votes, t.config.SuspicionQuorum)
		if votes >= t.config.SuspicionQuorum {
			log.Infof(ctx, "Suspicion quorum met, declaring %v dead", suspect)
			entry.Status = cluster.StatusDead
			declaredDead = true
		}
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("unable to suspect %v: %w", suspect, err)
	}

	return declaredDead, nil
}
