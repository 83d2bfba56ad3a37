package gateway

import (
	"context"
	"net/url"
	"time"

	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/metrics"
	"github.com/baryvn/orleans-minio/objectstore"
)

type Config struct {
	ClusterId        string
	MaxStaleness     time.Duration
	OperationTimeout time.Duration
}

// ListProvider reads the membership rows straight from the object store and
// reports the silos clients may connect to. It never schedules anything
// itself; callers poll it every MaxStaleness.
type ListProvider struct {
	store   objectstore.Store
	config  Config
	bucket  string
	metrics *metrics.MetricsRegistry
}

func NewListProvider(store objectstore.Store, config Config, registry *metrics.MetricsRegistry) *ListProvider {
	if config.MaxStaleness == 0 {
		config.MaxStaleness = time.Minute
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = 30 * time.Second
	}
	if registry == nil {
		registry = metrics.NewNoopRegistry()
	}

	return &ListProvider{
		store:   store,
		config:  config,
		bucket:  cluster.BucketName(config.ClusterId),
		metrics: registry,
	}
}

func (p *ListProvider) MaxStaleness() time.Duration {
	return p.config.MaxStaleness
}

func (p *ListProvider) IsUpdatable() bool {
	return true
}

// GetGateways returns one URI per Active silo with a proxy port. If the rows
// cannot be listed the result is empty.
func (p *ListProvider) GetGateways(ctx context.Context) []*url.URL {
	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	keys := make([]string, 0)
	if err := p.store.List(ctx, p.bucket, cluster.RowPrefix, func(key string) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		log.Warnf(ctx, "Unable to list gateways of %s: %v", p.config.ClusterId, err)
		p.metrics.UpdateGatewayCount(0)
		return []*url.URL{}
	}

	gateways := make([]*url.URL, 0, len(keys))
	for _, key := range keys {
		obj, err := p.store.Get(ctx, p.bucket, key)
		if err != nil {
			if !objectstore.IsNotFound(err) {
				log.Warnf(ctx, "Unable to read membership row %s: %v", key, err)
			}
			continue
		}

		entry, _, err := cluster.DecodeRow(obj.Data)
		if err != nil {
			log.Warnf(ctx, "Skipping membership row %s: %v", key, err)
			continue
		}
		if entry.IsGateway() {
			gateways = append(gateways, entry.SiloAddress.GatewayURI(entry.ProxyPort))
		}
	}

	log.Debugf(ctx, "Found %d gateways in %s", len(gateways), p.config.ClusterId)
	p.metrics.UpdateGatewayCount(len(gateways))
	return gateways
}
