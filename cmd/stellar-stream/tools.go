package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/couchbase/stellar-stream/comm"
	"github.com/couchbase/stellar-stream/common/clustering"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/common/topology"
	"github.com/couchbase/stellar-stream/contrib/bundleserver"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/couchbase/stellar-stream/deploy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var clusterFlags = newClusterFlags()

func newClusterFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "the etcd endpoints used for coordination")
	flags.String("root-path", clusterpaths.DefaultRoot, "the root key all cluster state lives under")
	flags.String("cluster", "cluster1", "the name of the cluster")
	return flags
}

func toolLogger() *zap.Logger {
	logLevel, logger := getLogger()
	logLevel.SetLevel(zap.WarnLevel)
	return logger
}

func openToolStore(logger *zap.Logger) (coordkv.Store, clusterpaths.Paths, error) {
	paths := clusterpaths.New(viper.GetString("root-path"), viper.GetString("cluster"))

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   viper.GetStringSlice("etcd-endpoints"),
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
		DialOptions: []grpc.DialOption{
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
	})
	if err != nil {
		return nil, paths, err
	}

	store, err := coordkv.NewEtcdStore(coordkv.EtcdStoreOptions{
		EtcdClient: etcdClient,
		Logger:     logger,
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, paths, err
	}

	return store, paths, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var createClusterCmd = &cobra.Command{
	Use:   "create-cluster",
	Short: "Creates the partitions of a cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		partitions, _ := cmd.Flags().GetInt("partitions")

		logger := toolLogger()
		store, paths, err := openToolStore(logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		mgr := &clustering.Manager{Store: store, Paths: paths, Logger: logger}
		err = mgr.CreateCluster(ctx, partitions)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "cluster %s has %d partitions\n", paths.Cluster, partitions)
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Announces an application bundle to every node of a cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		appName, _ := cmd.Flags().GetString("app")
		uri, _ := cmd.Flags().GetString("uri")
		replace, _ := cmd.Flags().GetBool("replace")
		if appName == "" || uri == "" {
			return errors.New("both --app and --uri must be specified")
		}

		logger := toolLogger()
		store, paths, err := openToolStore(logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		announce := deploy.Announce
		if replace {
			announce = deploy.Reannounce
		}

		desc, err := announce(ctx, store, paths, appName, uri)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "announced %s (%s) at %s\n",
			desc.AppID, desc.BundleURI, desc.AnnouncedAt.Format(time.RFC3339))
		return nil
	},
}

func parseMarkerKind(kind string) (clusterpaths.MarkerKind, error) {
	switch kind {
	case "initialized":
		return clusterpaths.MarkerInitialized, nil
	case "started":
		return clusterpaths.MarkerStarted, nil
	}
	return "", fmt.Errorf("unknown marker %q, expected initialized or started", kind)
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Waits until enough nodes report an application as ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		appName, _ := cmd.Flags().GetString("app")
		markerStr, _ := cmd.Flags().GetString("marker")
		nodes, _ := cmd.Flags().GetInt("nodes")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		kind, err := parseMarkerKind(markerStr)
		if err != nil {
			return err
		}

		logger := toolLogger()
		store, paths, err := openToolStore(logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()
		ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
		defer timeoutCancel()

		err = coordkv.WaitForChildren(ctx, store, paths.MarkerParent(kind, appName), nodes)
		if err != nil {
			return fmt.Errorf("app %s did not reach %s on %d nodes: %w", appName, markerStr, nodes, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "app %s is %s\n", appName, markerStr)
		return nil
	},
}

var serveBundlesCmd = &cobra.Command{
	Use:   "serve-bundles",
	Short: "Serves a directory of bundles over http",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		bindAddress, _ := cmd.Flags().GetString("bind-address")
		port, _ := cmd.Flags().GetInt("port")

		_, logger := getLogger()

		lis, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
		if err != nil {
			return err
		}

		server := bundleserver.NewServer(bundleserver.ServerOptions{
			Logger: logger.Named("bundleserver"),
			Dir:    dir,
		})

		ctx, cancel := signalContext()
		defer cancel()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		return server.Serve(lis)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sends a single event to the node owning a partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetInt("partition")
		payload, _ := cmd.Flags().GetString("payload")
		transport, _ := cmd.Flags().GetString("transport")

		logger := toolLogger()
		store, paths, err := openToolStore(logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		watcher := topology.NewWatcher(topology.WatcherOptions{
			Store:  store,
			Paths:  paths,
			Logger: logger,
		})
		err = watcher.Start(ctx)
		if err != nil {
			return err
		}
		defer watcher.Close()

		emitter, err := comm.NewEmitter(transport, comm.EmitterOptions{Logger: logger})
		if err != nil {
			return err
		}
		defer emitter.Close()

		binding := comm.BindTopology(watcher, emitter)
		defer binding.Close()

		sent, err := emitter.Send(partition, []byte(payload))
		if err != nil {
			return err
		}
		if !sent {
			return fmt.Errorf("partition %d is not owned by any node (%d partitions)",
				partition, emitter.PartitionCount())
		}

		fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to partition %d\n", len(payload), partition)
		return nil
	},
}

func init() {
	createClusterCmd.Flags().Int("partitions", 1, "the number of partitions in the cluster")

	deployCmd.Flags().String("app", "", "the application name")
	deployCmd.Flags().String("uri", "", "the bundle uri, file:// or http(s)://")
	deployCmd.Flags().Bool("replace", false, "rewrite an existing announcement, restarting failed deployments on nodes run with --retry-failed")

	waitCmd.Flags().String("app", "", "the application name")
	waitCmd.Flags().String("marker", "started", "the readiness marker to wait for, initialized or started")
	waitCmd.Flags().Int("nodes", 1, "the number of nodes that must report the marker")
	waitCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait")

	serveBundlesCmd.Flags().String("dir", ".", "the directory containing bundles")
	serveBundlesCmd.Flags().String("bind-address", "0.0.0.0", "the local address to bind to")
	serveBundlesCmd.Flags().Int("port", 8080, "the port to serve on")

	sendCmd.Flags().Int("partition", 0, "the destination partition")
	sendCmd.Flags().String("payload", "", "the event payload")
	sendCmd.Flags().String("transport", "udp", "the event transport, udp or tcp")

	rootCmd.AddCommand(createClusterCmd, deployCmd, waitCmd, serveBundlesCmd, sendCmd)
}
