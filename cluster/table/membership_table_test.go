package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/objectstore"
	"github.com/baryvn/orleans-minio/objectstore/memstore"
)

func newTestTable(t *testing.T, config Config) (*MembershipTable, *storage.ObjectMemberStore) {
	store := storage.NewObjectMemberStore(memstore.New(), storage.Config{ClusterId: "table-test"}, nil)
	store.Initialize(context.Background(), true)
	return NewTable(store, config, nil), store
}

func silo(i int) *cluster.MembershipEntry {
	now := time.Now().UTC()
	return &cluster.MembershipEntry{
		SiloAddress:  cluster.SiloAddress{Host: fmt.Sprintf("10.0.0.%d", i), Port: 11111, Generation: 1},
		Status:       cluster.StatusJoining,
		ProxyPort:    30000,
		StartTime:    now,
		IAmAliveTime: now,
	}
}

func TestJoinAndUpdate(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Config{})

	require.NoError(t, table.Join(ctx, silo(1)))
	require.NoError(t, table.Join(ctx, silo(2)))

	impostor := silo(1)
	impostor.SiloName = "impostor"
	err := table.Join(ctx, impostor)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	assert.Equal(t, 0, table.Size())
	table.Update(ctx)
	assert.Equal(t, 2, table.Size())
	assert.Equal(t, 2, table.Version().Version)

	entry, found := table.Get(silo(2).SiloAddress)
	require.True(t, found)
	assert.Equal(t, cluster.StatusJoining, entry.Status)

	seen := 0
	require.NoError(t, table.WithMembers(func(e *cluster.MembershipEntry) error {
		seen++
		return nil
	}))
	assert.Equal(t, 2, seen)
	assert.Len(t, table.Members(), 2)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Config{})

	require.NoError(t, table.Join(ctx, silo(1)))
	require.NoError(t, table.UpdateStatus(ctx, silo(1).SiloAddress, cluster.StatusActive))
	require.NoError(t, table.UpdateStatus(ctx, silo(1).SiloAddress, cluster.StatusActive))

	table.Update(ctx)
	entry, _ := table.Get(silo(1).SiloAddress)
	assert.Equal(t, cluster.StatusActive, entry.Status)
	assert.Equal(t, 2, table.Version().Version)

	err := table.UpdateStatus(ctx, silo(9).SiloAddress, cluster.StatusActive)
	assert.ErrorIs(t, err, ErrUnknownSilo)

	require.NoError(t, table.UpdateStatus(ctx, silo(1).SiloAddress, cluster.StatusDead))
	assert.Error(t, table.UpdateStatus(ctx, silo(1).SiloAddress, cluster.StatusActive))
}

func TestConcurrentStatusChangesAllLand(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Config{SuspicionQuorum: 100})

	require.NoError(t, table.Join(ctx, silo(1)))
	for i := 2; i <= 6; i++ {
		require.NoError(t, table.Join(ctx, silo(i)))
	}

	var wg sync.WaitGroup
	for i := 2; i <= 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := table.Suspect(ctx, silo(i).SiloAddress, silo(1).SiloAddress)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	table.Update(ctx)
	entry, _ := table.Get(silo(1).SiloAddress)
	assert.Len(t, entry.SuspectTimes, 5)
	assert.Equal(t, cluster.StatusJoining, entry.Status)
}

func TestSuspicionQuorum(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t, Config{SuspicionQuorum: 2, SuspicionWindow: time.Minute})

	for i := 1; i <= 3; i++ {
		require.NoError(t, table.Join(ctx, silo(i)))
	}

	dead, err := table.Suspect(ctx, silo(2).SiloAddress, silo(1).SiloAddress)
	require.NoError(t, err)
	assert.False(t, dead)

	dead, err = table.Suspect(ctx, silo(2).SiloAddress, silo(1).SiloAddress)
	require.NoError(t, err)
	assert.False(t, dead, "a repeated vote from the same accuser is not a quorum")

	dead, err = table.Suspect(ctx, silo(3).SiloAddress, silo(1).SiloAddress)
	require.NoError(t, err)
	assert.True(t, dead)

	table.Update(ctx)
	entry, _ := table.Get(silo(1).SiloAddress)
	assert.Equal(t, cluster.StatusDead, entry.Status)

	dead, err = table.Suspect(ctx, silo(3).SiloAddress, silo(1).SiloAddress)
	require.NoError(t, err)
	assert.False(t, dead)
}

func TestStaleSuspicionsExpire(t *testing.T) {
	ctx := context.Background()
	table, store := newTestTable(t, Config{SuspicionQuorum: 2, SuspicionWindow: time.Minute})

	old := silo(1)
	old.SuspectTimes = []cluster.SuspectTime{{Accuser: silo(2).SiloAddress, Timestamp: time.Now().UTC().Add(-time.Hour)}}
	require.NoError(t, table.Join(ctx, old))

	dead, err := table.Suspect(ctx, silo(3).SiloAddress, silo(1).SiloAddress)
	require.NoError(t, err)
	assert.False(t, dead)

	row := store.ReadRow(ctx, silo(1).SiloAddress)
	require.Len(t, row.Members, 1)
	assert.Len(t, row.Members[0].Entry.SuspectTimes, 1)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	table, store := newTestTable(t, Config{})

	entry := silo(1)
	require.NoError(t, table.Join(ctx, entry))
	before := store.ReadAll(ctx).Version

	entry.IAmAliveTime = entry.IAmAliveTime.Add(10 * time.Second)
	assert.True(t, table.Heartbeat(ctx, entry))

	data := store.ReadRow(ctx, entry.SiloAddress)
	assert.Equal(t, before, data.Version)
	assert.True(t, entry.IAmAliveTime.Equal(data.Members[0].Entry.IAmAliveTime))
}

// failingRowStore fails the first put of one key, after the table version
// has already been advanced.
type failingRowStore struct {
	objectstore.Store
	key  string
	once sync.Once
}

func (f *failingRowStore) Put(ctx context.Context, bucket, key string, data []byte, cond objectstore.Condition) (string, error) {
	var err error
	if key == f.key {
		f.once.Do(func() { err = errors.New("connection reset by peer") })
	}
	if err != nil {
		return "", err
	}
	return f.Store.Put(ctx, bucket, key, data, cond)
}

func TestJoinAfterRepairedInsert(t *testing.T) {
	ctx := context.Background()
	entry := silo(1)
	entry.SiloName = "silo-1"

	backing := &failingRowStore{Store: memstore.New(), key: cluster.RowKey(entry.SiloAddress)}
	store := storage.NewObjectMemberStore(backing, storage.Config{ClusterId: "table-test"}, nil)
	store.Initialize(ctx, true)
	table := NewTable(store, Config{}, nil)

	require.NoError(t, table.Join(ctx, entry))

	data := store.ReadAll(ctx)
	require.Len(t, data.Members, 1)
	assert.Equal(t, "silo-1", data.Members[0].Entry.SiloName)
	assert.Equal(t, 1, data.Version.Version)

	require.NoError(t, table.UpdateStatus(ctx, entry.SiloAddress, cluster.StatusActive))
}
