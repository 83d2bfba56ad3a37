package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/client"
	"github.com/baryvn/orleans-minio/config"
	"github.com/baryvn/orleans-minio/gateway"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Errorf(ctx, "invalid configuration: %v", err)
		os.Exit(-1)
	}
	watch, _ := strconv.ParseBool(os.Getenv("WATCH"))

	log.Infof(ctx, "CLUSTER_ID: %s", cfg.Cluster.ClusterId)
	log.Infof(ctx, "GATEWAY_REFRESH_PERIOD: %v", cfg.Gateway.RefreshPeriod)

	backing, closer, err := cfg.Store.Open(ctx)
	if err != nil {
		log.Errorf(ctx, "unable to open object store: %v", err)
		os.Exit(-1)
	}
	defer closer.Close()

	provider := gateway.NewListProvider(backing, gateway.Config{
		ClusterId:    cfg.Cluster.ClusterId,
		MaxStaleness: cfg.Gateway.RefreshPeriod,
	}, nil)
	connector := client.NewConnector(provider, nil)
	defer connector.Close()

	if !watch {
		connector.Refresh(ctx)
		live := map[string]bool{}
		for _, gw := range connector.Live() {
			live[gw.String()] = true
		}
		for _, gw := range connector.Gateways() {
			fmt.Printf("%s\tlive=%v\n", gw, live[gw.String()])
		}
		return
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Infof(ctx, "Watching gateways every %v", provider.MaxStaleness())
	connector.Run(ctx)
}
