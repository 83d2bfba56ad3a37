package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/cluster/table"
	"github.com/baryvn/orleans-minio/config"
	"github.com/baryvn/orleans-minio/gateway"
	"github.com/baryvn/orleans-minio/metrics"
	"github.com/baryvn/orleans-minio/silo"
	"github.com/baryvn/orleans-minio/util"
)

// listenGateway opens the client-facing listener. A silo without a proxy
// port is not a gateway and gets no listener.
func listenGateway(port int) (net.Listener, error) {
	if port <= 0 {
		return nil, nil
	}
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

func run(ctx context.Context, cfg config.Config, registry *metrics.MetricsRegistry, stop <-chan os.Signal) error {
	log.Infof(ctx, "silo starting up...")
	log.Infof(ctx, "CLUSTER_ID: %s", cfg.Cluster.ClusterId)
	log.Infof(ctx, "STORE_BACKEND: %s", cfg.Store.Backend)
	log.Infof(ctx, "PORT: %d", cfg.Silo.SiloPort)
	log.Infof(ctx, "GATEWAY_PORT: %d", cfg.Silo.GatewayPort)
	log.Infof(ctx, "METRICS_PORT: %d", cfg.Silo.AdminPort)

	ip := cfg.Silo.RoutableIP
	if ip == "" {
		var err error
		if ip, err = util.GetIP(); err != nil {
			return fmt.Errorf("failed to get ip: %v", err)
		}
	}
	log.Infof(ctx, "ip: %s", ip)

	backing, closer, err := cfg.Store.Open(ctx)
	if err != nil {
		return fmt.Errorf("unable to open object store: %v", err)
	}
	defer closer.Close()

	store := storage.NewObjectMemberStore(backing, storage.Config{
		ClusterId:        cfg.Cluster.ClusterId,
		OperationTimeout: cfg.Silo.OperationTimeout,
	}, registry)
	membershipTable := table.NewTable(store, table.Config{
		SuspicionWindow: cfg.Silo.SuspicionWindow,
		SuspicionQuorum: cfg.Silo.SuspicionQuorum,
	}, registry)
	provider := gateway.NewListProvider(backing, gateway.Config{
		ClusterId:        cfg.Cluster.ClusterId,
		MaxStaleness:     cfg.Gateway.RefreshPeriod,
		OperationTimeout: cfg.Silo.OperationTimeout,
	}, registry)

	siloNode := silo.NewSilo(silo.SiloConfig{
		RoutableIP:            ip,
		SiloPort:              cfg.Silo.SiloPort,
		GatewayPort:           cfg.Silo.GatewayPort,
		SiloName:              cfg.Silo.SiloName,
		RoleName:              cfg.Silo.RoleName,
		Grains:                cfg.Silo.Grains,
		HeartbeatInterval:     cfg.Silo.HeartbeatInterval,
		TableRefreshInterval:  cfg.Silo.TableRefreshInterval,
		MissedHeartbeats:      cfg.Silo.MissedHeartbeats,
		DefunctSiloExpiration: cfg.Silo.DefunctSiloExpiration,
		CleanupInterval:       cfg.Silo.CleanupInterval,
	}, store, membershipTable, registry)

	lis, err := listenGateway(cfg.Silo.GatewayPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	defer s.GracefulStop()

	if lis != nil {
		go func() {
			log.Infof(ctx, "gateway listening at %v", lis.Addr())
			if err := s.Serve(lis); err != nil {
				log.Errorf(ctx, "unable to serve: %v", err)
			}
		}()
	} else {
		log.Infof(ctx, "GATEWAY_PORT is 0, not accepting client connections")
	}

	adminServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Silo.AdminPort),
		Handler: silo.NewAdminRouter(store, provider, registry),
	}
	go func() {
		log.Infof(ctx, "Serving 0.0.0.0:%d", cfg.Silo.AdminPort)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, "unable to serve admin api: %v", err)
		}
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf(ctx, "unable to stop admin api: %v", err)
		}
	}

	if err := siloNode.Start(ctx); err != nil {
		shutdown()
		return fmt.Errorf("failed to start silo: %v", err)
	}
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case sig := <-stop:
		log.Infof(ctx, "received %v, leaving the cluster", sig)
	case <-ctx.Done():
		log.Infof(ctx, "context done, leaving the cluster")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := siloNode.Stop(stopCtx); err != nil {
		log.Warnf(ctx, "unable to stop silo cleanly: %v", err)
	}
	shutdown()
	return nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Errorf(ctx, "invalid configuration: %v", err)
		os.Exit(-1)
	}

	registry := metrics.NewMetricRegistry("silod")
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	err = run(ctx, cfg, registry, signals)
	registry.Close()
	if err != nil {
		log.Errorf(ctx, "%v", err)
		os.Exit(-1)
	}
}
