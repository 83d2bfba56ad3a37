package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/grains"
	"github.com/baryvn/orleans-minio/metrics"
	"github.com/baryvn/orleans-minio/objectstore"
)

type Config struct {
	ServiceId        string
	Name             string
	OperationTimeout time.Duration
}

// GrainStorage keeps grain state in one bucket per service and storage name,
// one object per state name and grain.
type GrainStorage struct {
	store   objectstore.Store
	config  Config
	bucket  string
	metrics *metrics.MetricsRegistry

	mu          sync.Mutex
	initialized bool
}

// envelope is the stored form of a grain state. Token is new on every write
// so two writes of the same state never produce the same object.
type envelope struct {
	GrainId string          `json:"grainId"`
	Token   string          `json:"token"`
	State   json.RawMessage `json:"state"`
}

func NewGrainStorage(store objectstore.Store, config Config, registry *metrics.MetricsRegistry) *GrainStorage {
	if config.OperationTimeout == 0 {
		config.OperationTimeout = 30 * time.Second
	}
	if registry == nil {
		registry = metrics.NewNoopRegistry()
	}

	return &GrainStorage{
		store:   store,
		config:  config,
		bucket:  BucketName(config.ServiceId, config.Name),
		metrics: registry,
	}
}

func BucketName(serviceId, name string) string {
	return cluster.NormalizeName(serviceId) + "-" + cluster.NormalizeName(name)
}

func ObjectKey(stateName string, grain grains.Grain) string {
	return stateName + "/" + grain.String()
}

func (g *GrainStorage) Bucket() string {
	return g.bucket
}

// Init makes sure the bucket exists. It is safe to call repeatedly; after
// the first success it does nothing.
func (g *GrainStorage) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialized {
		return nil
	}
	if err := objectstore.EnsureBucket(ctx, g.store, g.bucket); err != nil {
		return fmt.Errorf("unable to initialize grain storage bucket %s: %w", g.bucket, err)
	}
	g.initialized = true
	log.Infof(ctx, "Grain storage %s ready in bucket %s", g.config.Name, g.bucket)
	return nil
}

func (g *GrainStorage) ensureInitialized(ctx context.Context) {
	if err := g.Init(ctx); err != nil {
		log.Warnf(ctx, "%v", err)
	}
}

// ReadState loads the state of grain. A missing record, or one that cannot be
// read right now, comes back as a fresh record with RecordExists false.
func ReadState[T any](ctx context.Context, g *GrainStorage, stateName string, grain grains.Grain) (*grains.GrainState[T], error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.OperationTimeout)
	defer cancel()
	g.ensureInitialized(ctx)

	state := &grains.GrainState[T]{}
	err := g.metrics.TimeGrainStorage("read", func() error {
		key := ObjectKey(stateName, grain)
		obj, err := g.store.Get(ctx, g.bucket, key)
		if objectstore.IsNotFound(err) {
			return nil
		} else if err != nil {
			log.Warnf(ctx, "Unable to read %s/%s, using an empty state: %v", g.bucket, key, err)
			return nil
		}

		var env envelope
		if err := json.Unmarshal(obj.Data, &env); err != nil {
			return fmt.Errorf("unable to decode state of %v from %s/%s: %w", grain, g.bucket, key, err)
		}
		if err := json.Unmarshal(env.State, &state.State); err != nil {
			return fmt.Errorf("unable to decode state of %v from %s/%s: %w", grain, g.bucket, key, err)
		}
		state.ETag = obj.ETag
		state.RecordExists = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// WriteState stores state.State if the stored record still has state.ETag
// or no record exists, then updates state.ETag.
func WriteState[T any](ctx context.Context, g *GrainStorage, stateName string, grain grains.Grain, state *grains.GrainState[T]) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.OperationTimeout)
	defer cancel()
	g.ensureInitialized(ctx)

	return g.metrics.TimeGrainStorage("write", func() error {
		key := ObjectKey(stateName, grain)

		payload, err := json.Marshal(state.State)
		if err != nil {
			return fmt.Errorf("unable to encode state of %v: %w", grain, err)
		}
		data, err := json.Marshal(envelope{GrainId: grain.String(), Token: uuid.New().String(), State: payload})
		if err != nil {
			return fmt.Errorf("unable to encode state of %v: %w", grain, err)
		}

		cond := objectstore.Condition{IfMatch: state.ETag}
		if state.ETag == "" {
			cond = objectstore.Condition{IfNoneMatch: true}
		}

		etag, err := objectstore.PutIf(ctx, g.store, g.bucket, key, data, cond)
		if errors.Is(err, objectstore.ErrPreconditionFailed) && state.ETag != "" {
			// The record was cleared since state was read; recreate it.
			if _, getErr := g.store.Get(ctx, g.bucket, key); objectstore.IsNotFound(getErr) {
				log.Debugf(ctx, "State of %v is gone, recreating it", grain)
				etag, err = objectstore.PutIf(ctx, g.store, g.bucket, key, data, objectstore.Condition{IfNoneMatch: true})
			}
		}
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			g.metrics.CountGrainConflict()
			return g.inconsistent(ctx, stateName, grain, state.ETag)
		} else if err != nil {
			return fmt.Errorf("unable to write state of %v to %s/%s: %w", grain, g.bucket, key, err)
		}

		state.ETag = etag
		state.RecordExists = true
		return nil
	})
}

// ClearState removes the stored record and resets state. A record that is
// already gone is not an error; one rewritten since state was read is.
func ClearState[T any](ctx context.Context, g *GrainStorage, stateName string, grain grains.Grain, state *grains.GrainState[T]) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.OperationTimeout)
	defer cancel()
	g.ensureInitialized(ctx)

	return g.metrics.TimeGrainStorage("clear", func() error {
		key := ObjectKey(stateName, grain)

		if state.ETag != "" {
			if obj, err := g.store.Get(ctx, g.bucket, key); err == nil {
				if obj.ETag != state.ETag {
					g.metrics.CountGrainConflict()
					return &grains.InconsistentStateError{Grain: grain, StateName: stateName, ExpectedTag: state.ETag, StoredTag: obj.ETag}
				}
			} else if !objectstore.IsNotFound(err) {
				return fmt.Errorf("unable to read state of %v from %s/%s: %w", grain, g.bucket, key, err)
			}
		}

		if err := g.store.Delete(ctx, g.bucket, key); err != nil && !objectstore.IsNotFound(err) {
			return fmt.Errorf("unable to clear state of %v in %s/%s: %w", grain, g.bucket, key, err)
		}

		state.Reset()
		return nil
	})
}

func (g *GrainStorage) inconsistent(ctx context.Context, stateName string, grain grains.Grain, expected string) error {
	stored := ""
	if obj, err := g.store.Get(ctx, g.bucket, ObjectKey(stateName, grain)); err == nil {
		stored = obj.ETag
	}
	log.Debugf(ctx, "Write of %v rejected: expected etag %q, stored %q", grain, expected, stored)
	return &grains.InconsistentStateError{Grain: grain, StateName: stateName, ExpectedTag: expected, StoredTag: stored}
}
