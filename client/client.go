package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/util"
)

var ErrNoGateways = errors.New("no live gateways")

type GatewayProvider interface {
	GetGateways(ctx context.Context) []*url.URL
	MaxStaleness() time.Duration
}

// Connector tracks the gateways of a cluster for a client. It polls the
// provider, checks each gateway with a gRPC health probe and hands the
// healthy ones out in turn.
type Connector struct {
	provider     GatewayProvider
	pool         *util.ConnectionPool
	probeTimeout time.Duration
	probe        func(ctx context.Context, address string) error

	mu       sync.Mutex
	gateways []*url.URL
	live     []*url.URL
	next     int
}

func NewConnector(provider GatewayProvider, pool *util.ConnectionPool) *Connector {
	if pool == nil {
		pool = &util.ConnectionPool{}
	}
	c := &Connector{
		provider:     provider,
		pool:         pool,
		probeTimeout: 2 * time.Second,
		gateways:     make([]*url.URL, 0),
		live:         make([]*url.URL, 0),
	}
	c.probe = c.healthCheck
	return c
}

func (c *Connector) healthCheck(ctx context.Context, address string) error {
	conn, err := c.pool.GetConnection(address)
	if err != nil {
		return fmt.Errorf("unable to dial %s: %v", address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	if resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("unable to check health of %s: %v", address, err)
	} else if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %v", address, resp.Status)
	}
	return nil
}

// Refresh asks the provider for gateways and probes them. An empty answer
// keeps the previous list, since it usually means the table could not be
// read.
func (c *Connector) Refresh(ctx context.Context) {
	gateways := c.provider.GetGateways(ctx)
	if len(gateways) == 0 {
		c.mu.Lock()
		known := len(c.gateways)
		c.mu.Unlock()
		log.Warnf(ctx, "Gateway provider returned no gateways, keeping %d known ones", known)
		gateways = c.Gateways()
	}

	live := make([]*url.URL, 0, len(gateways))
	for _, gw := range gateways {
		if err := c.probe(ctx, gw.Host); err != nil {
			log.Warnf(ctx, "Gateway %v is not healthy: %v", gw, err)
			c.pool.Remove(gw.Host)
			continue
		}
		live = append(live, gw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateways = gateways
	c.live = live
	log.Debugf(ctx, "%d of %d gateways are live", len(live), len(gateways))
}

// Run refreshes every MaxStaleness until ctx is done.
func (c *Connector) Run(ctx context.Context) {
	c.Refresh(ctx)

	ticker := time.NewTicker(c.provider.MaxStaleness())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

func (c *Connector) Gateways() []*url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*url.URL(nil), c.gateways...)
}

func (c *Connector) Live() []*url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*url.URL(nil), c.live...)
}

// Next returns the next live gateway, round robin.
func (c *Connector) Next() (*url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.live) == 0 {
		return nil, ErrNoGateways
	}
	gw := c.live[c.next%len(c.live)]
	c.next = (c.next + 1) % len(c.live)
	return gw, nil
}

func (c *Connector) Close() {
	c.pool.Close()
}
