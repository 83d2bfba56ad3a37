package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/metrics"
	"github.com/baryvn/orleans-minio/objectstore"
	"github.com/baryvn/orleans-minio/objectstore/memstore"
)

var errInjected = errors.New("connection reset by peer")

// faultyStore fails the calls its hooks reject and passes the rest through.
type faultyStore struct {
	objectstore.Store
	mu      sync.Mutex
	failPut func(key string) error
	failGet func(key string) error
}

func (f *faultyStore) onPut(hook func(key string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut = hook
}

func (f *faultyStore) onGet(hook func(key string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet = hook
}

func (f *faultyStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	f.mu.Lock()
	hook := f.failPut
	f.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return "", err
		}
	}
	return f.Store.Put(ctx, bucket, key, data, cond)
}

func (f *faultyStore) Get(ctx context.Context, bucket, key string) (*objectstore.Object, error) {
	f.mu.Lock()
	hook := f.failGet
	f.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return nil, err
		}
	}
	return f.Store.Get(ctx, bucket, key)
}

// failOnce rejects the first call for key.
func failOnce(target string) func(key string) error {
	var once sync.Once
	return func(key string) error {
		var err error
		if key == target {
			once.Do(func() { err = errInjected })
		}
		return err
	}
}

func newTestStore(t *testing.T, backing objectstore.Store) (*ObjectMemberStore, *faultyStore, *metrics.MetricsRegistry) {
	faulty := &faultyStore{Store: backing}
	registry, _ := metrics.NewTestRegistry()
	s := NewObjectMemberStore(faulty, Config{ClusterId: "Test_Cluster", OperationTimeout: 5 * time.Second}, registry)
	s.Initialize(context.Background(), true)
	return s, faulty, registry
}

func newEntry(host string, gen int64, status cluster.SiloStatus) *cluster.MembershipEntry {
	now := time.Now().UTC()
	return &cluster.MembershipEntry{
		SiloAddress:  cluster.SiloAddress{Host: host, Port: 11111, Generation: gen},
		Status:       status,
		ProxyPort:    30000,
		SiloName:     host,
		HostName:     host,
		RoleName:     "test",
		StartTime:    now,
		IAmAliveTime: now,
	}
}

func insert(t *testing.T, s *ObjectMemberStore, entry *cluster.MembershipEntry) cluster.TableVersion {
	t.Helper()
	ctx := context.Background()
	version := s.ReadAll(ctx).Version
	ok, err := s.InsertRow(ctx, entry, version.Next())
	require.NoError(t, err)
	require.True(t, ok, "insert of %v", entry.SiloAddress)
	return s.ReadAll(ctx).Version
}

func TestInsertThenRead(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	empty := s.ReadAll(ctx)
	assert.Empty(t, empty.Members)
	assert.Equal(t, cluster.DefaultTableVersion, empty.Version)

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	ok, err := s.InsertRow(ctx, entry, empty.Version.Next())
	require.NoError(t, err)
	require.True(t, ok)

	data := s.ReadRow(ctx, entry.SiloAddress)
	require.Len(t, data.Members, 1)
	if diff := cmp.Diff(entry, data.Members[0].Entry); diff != "" {
		t.Errorf("unexpected row (-want +got):\n%s", diff)
	}
	assert.Greater(t, data.Version.Version, empty.Version.Version)
	assert.NotEqual(t, empty.Version.VersionEtag, data.Version.VersionEtag)

	all := s.ReadAll(ctx)
	require.Len(t, all.Members, 1)
	assert.Equal(t, data.Members[0].ETag, all.Members[0].ETag)
	assert.Equal(t, data.Version, all.Version)
}

func TestReadRowOfUnknownSilo(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	version := insert(t, s, newEntry("10.0.0.1", 1, cluster.StatusActive))

	data := s.ReadRow(ctx, cluster.SiloAddress{Host: "10.0.0.9", Port: 11111, Generation: 1})
	assert.Empty(t, data.Members)
	assert.Equal(t, version, data.Version)
}

func TestDuplicateInsertFails(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	insert(t, s, entry)
	before := s.ReadAll(ctx)

	dup := newEntry("10.0.0.1", 1, cluster.StatusActive)
	ok, err := s.InsertRow(ctx, dup, before.Version.Next())
	require.NoError(t, err)
	assert.False(t, ok)

	after := s.ReadAll(ctx)
	assert.Equal(t, before.Version, after.Version)
	require.Len(t, after.Members, 1)
	assert.Equal(t, before.Members[0].ETag, after.Members[0].ETag)
	assert.Equal(t, cluster.StatusJoining, after.Members[0].Entry.Status)
}

func TestInsertWithStaleVersionFails(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	stale := s.ReadAll(ctx).Version
	insert(t, s, newEntry("10.0.0.1", 1, cluster.StatusActive))

	ok, err := s.InsertRow(ctx, newEntry("10.0.0.2", 1, cluster.StatusActive), stale.Next())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, s.ReadAll(ctx).Members, 1)
}

func TestConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	version := s.ReadAll(ctx).Version
	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
			entry.SiloName = fmt.Sprintf("racer-%d", i)
			ok, err := s.InsertRow(ctx, entry, version.Next())
			assert.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	data := s.ReadAll(ctx)
	require.Len(t, data.Members, 1)
	assert.Equal(t, 1, data.Version.Version)

	ok, err := s.InsertRow(ctx, newEntry("10.0.0.1", 1, cluster.StatusJoining), data.Version.Next())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateRow(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	insert(t, s, entry)

	read := s.ReadRow(ctx, entry.SiloAddress)
	row := read.Members[0]

	updated := row.Entry.Copy()
	updated.Status = cluster.StatusActive
	ok, err := s.UpdateRow(ctx, updated, row.ETag, read.Version.Next())
	require.NoError(t, err)
	require.True(t, ok)

	after := s.ReadRow(ctx, entry.SiloAddress)
	assert.Equal(t, cluster.StatusActive, after.Members[0].Entry.Status)
	assert.Equal(t, read.Version.Version+1, after.Version.Version)
	assert.NotEqual(t, row.ETag, after.Members[0].ETag)
}

func TestUpdateWithStaleRowEtagFails(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	insert(t, s, entry)
	first := s.ReadRow(ctx, entry.SiloAddress)

	active := first.Members[0].Entry.Copy()
	active.Status = cluster.StatusActive
	ok, err := s.UpdateRow(ctx, active, first.Members[0].ETag, first.Version.Next())
	require.NoError(t, err)
	require.True(t, ok)

	before := s.ReadRow(ctx, entry.SiloAddress)

	dead := first.Members[0].Entry.Copy()
	dead.Status = cluster.StatusDead
	ok, err = s.UpdateRow(ctx, dead, first.Members[0].ETag, before.Version.Next())
	require.NoError(t, err)
	assert.False(t, ok)

	after := s.ReadRow(ctx, entry.SiloAddress)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Members[0].ETag, after.Members[0].ETag)
	assert.Equal(t, cluster.StatusActive, after.Members[0].Entry.Status)
}

// Two silos act on the same snapshot. The second write must be rejected, not
// silently overwrite the first.
func TestNoLostUpdate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusActive)
	insert(t, s, entry)
	snapshot := s.ReadRow(ctx, entry.SiloAddress)
	row := snapshot.Members[0]

	suspected := row.Entry.Copy()
	suspected.AddSuspector(cluster.SiloAddress{Host: "10.0.0.2", Port: 11111, Generation: 1}, time.Now().UTC())
	ok, err := s.UpdateRow(ctx, suspected, row.ETag, snapshot.Version.Next())
	require.NoError(t, err)
	require.True(t, ok)

	stopping := row.Entry.Copy()
	stopping.Status = cluster.StatusShuttingDown
	ok, err = s.UpdateRow(ctx, stopping, row.ETag, snapshot.Version.Next())
	require.NoError(t, err)
	assert.False(t, ok)

	after := s.ReadRow(ctx, entry.SiloAddress)
	assert.Equal(t, cluster.StatusActive, after.Members[0].Entry.Status)
	assert.Len(t, after.Members[0].Entry.SuspectTimes, 1)
}

func TestUpdateMissingRowFails(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	version := s.ReadAll(ctx).Version
	ok, err := s.UpdateRow(ctx, newEntry("10.0.0.1", 1, cluster.StatusActive), "nope", version.Next())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, cluster.DefaultTableVersion, s.ReadAll(ctx).Version)
}

func TestUpdateIAmAlive(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusActive)
	entry.Grains = []string{"counter"}
	insert(t, s, entry)
	before := s.ReadRow(ctx, entry.SiloAddress)

	heartbeat := &cluster.MembershipEntry{
		SiloAddress:  entry.SiloAddress,
		Status:       cluster.StatusDead,
		IAmAliveTime: entry.IAmAliveTime.Add(time.Minute),
	}
	assert.True(t, s.UpdateIAmAlive(ctx, heartbeat))

	after := s.ReadRow(ctx, entry.SiloAddress)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, heartbeat.IAmAliveTime.Equal(after.Members[0].Entry.IAmAliveTime))

	expected := before.Members[0].Entry.Copy()
	expected.IAmAliveTime = heartbeat.IAmAliveTime
	if diff := cmp.Diff(expected, after.Members[0].Entry); diff != "" {
		t.Errorf("heartbeat changed more than the heartbeat time (-want +got):\n%s", diff)
	}
}

func TestUpdateIAmAliveOfUnknownSilo(t *testing.T) {
	s, _, _ := newTestStore(t, memstore.New())
	assert.False(t, s.UpdateIAmAlive(context.Background(), newEntry("10.0.0.1", 1, cluster.StatusActive)))
}

func TestCleanupDefunct(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	rnd := rand.New(rand.NewSource(7))
	cutoff := time.Now().UTC()
	statuses := []cluster.SiloStatus{cluster.StatusJoining, cluster.StatusActive, cluster.StatusShuttingDown, cluster.StatusStopping, cluster.StatusDead}

	expectedRemoved := map[cluster.SiloAddress]bool{}
	for i := 0; i < 30; i++ {
		entry := newEntry(fmt.Sprintf("10.0.1.%d", i), int64(i), statuses[rnd.Intn(len(statuses))])
		switch rnd.Intn(3) {
		case 0:
			entry.IAmAliveTime = cutoff.Add(-time.Duration(rnd.Intn(3600)+1) * time.Second)
		case 1:
			entry.IAmAliveTime = cutoff
		default:
			entry.IAmAliveTime = cutoff.Add(time.Duration(rnd.Intn(3600)+1) * time.Second)
		}
		insert(t, s, entry)
		if entry.Status == cluster.StatusDead && entry.IAmAliveTime.Before(cutoff) {
			expectedRemoved[entry.SiloAddress] = true
		}
	}

	before := s.ReadAll(ctx)
	removed, err := s.CleanupDefunct(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, len(expectedRemoved), removed)

	after := s.ReadAll(ctx)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, after.Members, len(before.Members)-len(expectedRemoved))
	for _, row := range after.Members {
		assert.False(t, expectedRemoved[row.Entry.SiloAddress], "%v should have been removed", row.Entry.SiloAddress)
	}

	again, err := s.CleanupDefunct(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	insert(t, s, newEntry("10.0.0.1", 1, cluster.StatusActive))
	insert(t, s, newEntry("10.0.0.2", 1, cluster.StatusActive))

	require.NoError(t, s.DeleteAll(ctx, "Test_Cluster"))

	data := s.ReadAll(ctx)
	assert.Empty(t, data.Members)
	assert.Equal(t, cluster.DefaultTableVersion, data.Version)

	insert(t, s, newEntry("10.0.0.1", 2, cluster.StatusJoining))
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, memstore.New())

	n1 := newEntry("10.0.0.1", 1, cluster.StatusActive)
	n2 := newEntry("10.0.0.2", 1, cluster.StatusActive)

	assert.Equal(t, 1, insert(t, s, n1).Version)
	assert.Equal(t, 2, insert(t, s, n2).Version)

	read := s.ReadRow(ctx, n1.SiloAddress)
	dead := read.Members[0].Entry.Copy()
	dead.Status = cluster.StatusDead
	dead.IAmAliveTime = time.Now().UTC().Add(-time.Hour)
	ok, err := s.UpdateRow(ctx, dead, read.Members[0].ETag, read.Version.Next())
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := s.CleanupDefunct(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	data := s.ReadAll(ctx)
	require.Len(t, data.Members, 1)
	assert.Equal(t, n2.SiloAddress, data.Members[0].Entry.SiloAddress)
	assert.Equal(t, 3, data.Version.Version)
}

func TestRowWriteFailureIsRolledForward(t *testing.T) {
	ctx := context.Background()
	registry, scope := metrics.NewTestRegistry()
	faulty := &faultyStore{Store: memstore.New()}
	s := NewObjectMemberStore(faulty, Config{ClusterId: "Test_Cluster"}, registry)
	s.Initialize(ctx, true)

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	faulty.onPut(failOnce(cluster.RowKey(entry.SiloAddress)))

	ok, err := s.InsertRow(ctx, entry, cluster.DefaultTableVersion.Next())
	assert.ErrorIs(t, err, errInjected)
	assert.False(t, ok)

	data := s.ReadRow(ctx, entry.SiloAddress)
	require.Len(t, data.Members, 1)
	assert.Equal(t, 1, data.Version.Version)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["table_repair_count+outcome=rolled_forward"].Value())

	again, err := s.InsertRow(ctx, entry, data.Version.Next())
	require.NoError(t, err)
	assert.False(t, again)

	insert(t, s, newEntry("10.0.0.2", 1, cluster.StatusJoining))
}

func TestWriteRepairedByAnotherWriter(t *testing.T) {
	ctx := context.Background()
	s, faulty, _ := newTestStore(t, memstore.New())

	n1 := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	faulty.onPut(failOnce(cluster.RowKey(n1.SiloAddress)))
	_, err := s.InsertRow(ctx, n1, cluster.DefaultTableVersion.Next())
	require.Error(t, err)

	// The pending insert carries the token the caller would read next.
	pending, err := s.fetchVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending.record.Pending)

	n2 := newEntry("10.0.0.2", 1, cluster.StatusJoining)
	ok, err := s.InsertRow(ctx, n2, pending.record.tableVersion().Next())
	require.NoError(t, err)
	require.True(t, ok)

	data := s.ReadAll(ctx)
	assert.Len(t, data.Members, 2)
	assert.Equal(t, 2, data.Version.Version)
}

func TestStaleIntentIsAbandoned(t *testing.T) {
	ctx := context.Background()
	registry, scope := metrics.NewTestRegistry()
	faulty := &faultyStore{Store: memstore.New()}
	s := NewObjectMemberStore(faulty, Config{ClusterId: "Test_Cluster"}, registry)
	s.Initialize(ctx, true)

	entry := newEntry("10.0.0.1", 1, cluster.StatusActive)
	insert(t, s, entry)
	read := s.ReadRow(ctx, entry.SiloAddress)

	faulty.onPut(failOnce(cluster.RowKey(entry.SiloAddress)))
	dead := read.Members[0].Entry.Copy()
	dead.Status = cluster.StatusDead
	_, err := s.UpdateRow(ctx, dead, read.Members[0].ETag, read.Version.Next())
	require.Error(t, err)

	heartbeat := read.Members[0].Entry.Copy()
	heartbeat.IAmAliveTime = heartbeat.IAmAliveTime.Add(time.Second)
	require.True(t, s.UpdateIAmAlive(ctx, heartbeat))

	data := s.ReadRow(ctx, entry.SiloAddress)
	assert.Equal(t, cluster.StatusActive, data.Members[0].Entry.Status)
	assert.Equal(t, read.Version.Version+1, data.Version.Version)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["table_repair_count+outcome=abandoned"].Value())

	current, err := s.fetchVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, current.record.Pending)
}

func TestLateRepairDoesNotRecreateRemovedRow(t *testing.T) {
	ctx := context.Background()
	backing := memstore.New()
	s, faulty, _ := newTestStore(t, backing)

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	faulty.onPut(failOnce(cluster.RowKey(entry.SiloAddress)))
	_, err := s.InsertRow(ctx, entry, cluster.DefaultTableVersion.Next())
	require.Error(t, err)

	// A repairer reads the intent, then stalls.
	stalled, err := s.fetchVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, stalled.record.Pending)

	// Meanwhile the insert is rolled forward and the row removed again.
	require.Len(t, s.ReadAll(ctx).Members, 1)
	require.NoError(t, backing.Delete(ctx, s.bucket, cluster.RowKey(entry.SiloAddress)))

	repaired, err := s.repair(ctx, stalled)
	require.NoError(t, err)
	assert.Nil(t, repaired)

	_, err = backing.Get(ctx, s.bucket, cluster.RowKey(entry.SiloAddress))
	assert.True(t, objectstore.IsNotFound(err))
	assert.Empty(t, s.ReadAll(ctx).Members)
}

func TestLateRepairAfterDeleteAll(t *testing.T) {
	ctx := context.Background()
	s, faulty, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	faulty.onPut(failOnce(cluster.RowKey(entry.SiloAddress)))
	_, err := s.InsertRow(ctx, entry, cluster.DefaultTableVersion.Next())
	require.Error(t, err)

	stalled, err := s.fetchVersion(ctx)
	require.NoError(t, err)

	require.NoError(t, s.DeleteAll(ctx, "Test_Cluster"))

	_, err = s.repair(ctx, stalled)
	require.NoError(t, err)

	data := s.ReadAll(ctx)
	assert.Empty(t, data.Members)
	assert.Equal(t, cluster.DefaultTableVersion, data.Version)
}

func TestReadsDegradeOnTransientFailure(t *testing.T) {
	ctx := context.Background()
	s, faulty, _ := newTestStore(t, memstore.New())

	entry := newEntry("10.0.0.1", 1, cluster.StatusActive)
	insert(t, s, entry)

	faulty.onGet(func(key string) error { return errInjected })
	data := s.ReadAll(ctx)
	assert.Empty(t, data.Members)
	assert.Equal(t, cluster.DefaultTableVersion, data.Version)

	row := s.ReadRow(ctx, entry.SiloAddress)
	assert.Empty(t, row.Members)

	ok, err := s.InsertRow(ctx, newEntry("10.0.0.2", 1, cluster.StatusActive), cluster.DefaultTableVersion.Next())
	assert.Error(t, err)
	assert.False(t, ok)

	assert.False(t, s.UpdateIAmAlive(ctx, entry))

	faulty.onGet(nil)
	assert.Len(t, s.ReadAll(ctx).Members, 1)
}

func TestDegradedStore(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, objectstore.Degraded(memstore.New()))

	entry := newEntry("10.0.0.1", 1, cluster.StatusJoining)
	insert(t, s, entry)

	read := s.ReadRow(ctx, entry.SiloAddress)
	active := read.Members[0].Entry.Copy()
	active.Status = cluster.StatusActive
	ok, err := s.UpdateRow(ctx, active, read.Members[0].ETag, read.Version.Next())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpdateRow(ctx, active, read.Members[0].ETag, read.Version.Next())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, s.UpdateIAmAlive(ctx, active))
	assert.Equal(t, 2, s.ReadAll(ctx).Version.Version)
}
