package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/baryvn/orleans-minio/objectstore"
	"github.com/baryvn/orleans-minio/objectstore/storetest"
)

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_HOST_PORT")
	if addr == "" {
		t.Skip("REDIS_TEST_HOST_PORT not set")
	}

	storetest.Run(t, func(t *testing.T) objectstore.Store {
		store := NewRedisStore(addr, "test-"+uuid.New().String())
		if !store.Healthy(context.Background()) {
			t.Fatalf("unable to connect to redis at %v", addr)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}
