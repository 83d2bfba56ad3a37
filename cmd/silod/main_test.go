package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/config"
	"github.com/baryvn/orleans-minio/metrics"
	"github.com/baryvn/orleans-minio/objectstore/boltstore"
)

func testConfig(t *testing.T, path string, vars map[string]string) config.Config {
	env := map[string]string{
		"CLUSTER_ID":    "silod-test",
		"ROUTABLE_IP":   "127.0.0.1",
		"GATEWAY_PORT":  "0",
		"METRICS_PORT":  "0",
		"STORE_BACKEND": "bolt",
		"BOLT_PATH":     path,
	}
	for k, v := range vars {
		env[k] = v
	}
	cfg, err := config.FromEnv(func(key string) string { return env[key] })
	require.NoError(t, err)
	return cfg
}

// reopen fails if the daemon left the bolt file locked.
func reopen(t *testing.T, path string) *boltstore.BoltStore {
	backing, err := boltstore.New(boltstore.Config{Path: path, Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })
	return backing
}

func TestListenGateway(t *testing.T) {
	lis, err := listenGateway(0)
	require.NoError(t, err)
	assert.Nil(t, lis)

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()

	lis, err = listenGateway(port)
	require.NoError(t, err)
	require.NotNil(t, lis)
	lis.Close()
}

func TestRunJoinsAndLeaves(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.db")
	registry, _ := metrics.NewTestRegistry()

	stop := make(chan os.Signal, 1)
	stop <- syscall.SIGTERM
	require.NoError(t, run(ctx, testConfig(t, path, nil), registry, stop))

	data := storage.NewObjectMemberStore(reopen(t, path), storage.Config{ClusterId: "silod-test"}, nil).ReadAll(ctx)
	require.Len(t, data.Members, 1)
	assert.Equal(t, cluster.StatusDead, data.Members[0].Entry.Status)
	assert.False(t, data.Members[0].Entry.IsGateway())
}

func TestRunClosesStoreOnFailure(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.db")

	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer taken.Close()
	port := strconv.Itoa(taken.Addr().(*net.TCPAddr).Port)

	registry, _ := metrics.NewTestRegistry()
	err = run(ctx, testConfig(t, path, map[string]string{"GATEWAY_PORT": port}), registry, make(chan os.Signal))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")

	reopen(t, path)
}
