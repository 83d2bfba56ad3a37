package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/config"
	"github.com/baryvn/orleans-minio/gateway"
	"github.com/baryvn/orleans-minio/objectstore"
)

func openStore(ctx context.Context) (config.Config, objectstore.Store, io.Closer, error) {
	cfg, err := config.FromEnv(viper.GetString)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("invalid configuration: %v", err)
	}
	backing, closer, err := cfg.Store.Open(ctx)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("unable to open object store: %v", err)
	}
	return cfg, backing, closer, nil
}

func openMemberStore(ctx context.Context) (*storage.ObjectMemberStore, io.Closer, config.Config, error) {
	cfg, backing, closer, err := openStore(ctx)
	if err != nil {
		return nil, nil, cfg, err
	}
	store := storage.NewObjectMemberStore(backing, storage.Config{
		ClusterId:        cfg.Cluster.ClusterId,
		OperationTimeout: cfg.Silo.OperationTimeout,
	}, nil)
	return store, closer, cfg, nil
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the rows of the membership table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closer, _, err := openMemberStore(ctx)
		if err != nil {
			return err
		}
		defer closer.Close()

		data := store.ReadAll(ctx)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "version %v\n", data.Version)
		fmt.Fprintln(w, "SILO\tSTATUS\tNAME\tPROXY PORT\tI AM ALIVE\tSUSPICIONS")
		for _, row := range data.Members {
			e := row.Entry
			fmt.Fprintf(w, "%v\t%v\t%s\t%d\t%s\t%d\n", e.SiloAddress, e.Status, e.SiloName, e.ProxyPort, e.IAmAliveTime.Format(time.RFC3339), len(e.SuspectTimes))
		}
		return w.Flush()
	},
}

var gatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "List the gateways clients would connect to",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, backing, closer, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closer.Close()

		provider := gateway.NewListProvider(backing, gateway.Config{
			ClusterId:        cfg.Cluster.ClusterId,
			OperationTimeout: cfg.Silo.OperationTimeout,
		}, nil)
		for _, uri := range provider.GetGateways(ctx) {
			fmt.Fprintln(cmd.OutOrStdout(), uri.String())
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove dead silos whose last heartbeat is older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		olderThan, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}

		store, closer, _, err := openMemberStore(ctx)
		if err != nil {
			return err
		}
		defer closer.Close()

		removed, err := store.CleanupDefunct(ctx, time.Now().UTC().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d defunct silos\n", removed)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every row and the version of the membership table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset the membership table without --yes")
		}

		store, closer, cfg, err := openMemberStore(ctx)
		if err != nil {
			return err
		}
		defer closer.Close()

		if err := store.DeleteAll(ctx, cfg.Cluster.ClusterId); err != nil {
			return err
		}
		log.Infof(ctx, "Reset membership table of cluster %s", cfg.Cluster.ClusterId)
		return nil
	},
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "membershipctl",
		Short:         "Inspect and maintain an object store backed membership table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("cluster-id", "", "cluster to operate on (CLUSTER_ID)")
	flags.String("store-backend", "", "object store backend (STORE_BACKEND)")
	flags.String("minio-endpoint", "", "minio endpoint (MINIO_ENDPOINT)")
	flags.String("database-url", "", "database url for the sql backends (DATABASE_URL)")
	flags.String("bolt-path", "", "bolt file for the bolt backend (BOLT_PATH)")
	for flag, key := range map[string]string{
		"cluster-id":     "CLUSTER_ID",
		"store-backend":  "STORE_BACKEND",
		"minio-endpoint": "MINIO_ENDPOINT",
		"database-url":   "DATABASE_URL",
		"bolt-path":      "BOLT_PATH",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.AutomaticEnv()

	cleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "minimum age of the last heartbeat of a dead silo")
	resetCmd.Flags().Bool("yes", false, "confirm the reset")

	root.AddCommand(membersCmd, gatewaysCmd, cleanupCmd, resetCmd)
	return root
}

func main() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Errorf(ctx, "%v", err)
		os.Exit(1)
	}
}
