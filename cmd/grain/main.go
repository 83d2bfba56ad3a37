package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cenkalti/backoff"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/config"
	"github.com/baryvn/orleans-minio/grains"
	"github.com/baryvn/orleans-minio/grains/storage"
)

type Counter struct {
	Value int `json:"value"`
}

// increment adds one to the counter, starting over from a fresh read when
// another writer got there first.
func increment(ctx context.Context, store *storage.GrainStorage, g grains.Grain) (int, error) {
	value := 0
	err := backoff.Retry(func() error {
		state, err := storage.ReadState[Counter](ctx, store, "counter", g)
		if err != nil {
			return backoff.Permanent(err)
		}

		state.State.Value++
		if err := storage.WriteState(ctx, store, "counter", g, state); err != nil {
			var inconsistent *grains.InconsistentStateError
			if errors.As(err, &inconsistent) {
				log.Infof(ctx, "Conflict on %v, retrying: %v", g, err)
				return err
			}
			return backoff.Permanent(err)
		}

		value = state.State.Value
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	return value, err
}

func run(ctx context.Context, cfg config.Config, grainId string, times int, clear bool) error {
	backing, closer, err := cfg.Store.Open(ctx)
	if err != nil {
		return fmt.Errorf("unable to open object store: %v", err)
	}
	defer closer.Close()

	store := storage.NewGrainStorage(backing, storage.Config{
		ServiceId:        cfg.Cluster.ServiceId,
		Name:             "grains",
		OperationTimeout: cfg.Silo.OperationTimeout,
	}, nil)

	g := grains.Grain{Type: "Counter", ID: grainId}
	for i := 0; i < times; i++ {
		if value, err := increment(ctx, store, g); err != nil {
			return fmt.Errorf("unable to increment %v: %v", g, err)
		} else {
			log.Infof(ctx, "%v is now %d", g, value)
		}
	}

	if clear {
		state, err := storage.ReadState[Counter](ctx, store, "counter", g)
		if err == nil {
			err = storage.ClearState(ctx, store, "counter", g, state)
		}
		if err != nil {
			return fmt.Errorf("unable to clear %v: %v", g, err)
		}
		log.Infof(ctx, "Cleared %v", g)
	}
	return nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Errorf(ctx, "invalid configuration: %v", err)
		os.Exit(-1)
	}

	grainId := os.Getenv("GRAIN_ID")
	if grainId == "" {
		grainId = "counter-1"
	}
	times, _ := strconv.Atoi(os.Getenv("INCREMENTS"))
	if times <= 0 {
		times = 1
	}

	if err := run(ctx, cfg, grainId, times, os.Getenv("CLEAR") == "true"); err != nil {
		log.Errorf(ctx, "%v", err)
		os.Exit(-1)
	}
}
