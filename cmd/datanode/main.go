// Command datanode runs the storage-engine half of a cluster node: chunk
// registry, blob write sessions, the block read path, and the artifact
// cache, all bound to the locations declared in its YAML config, fronted
// by the DataNodeService gRPC port.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"clusternode/internal/blobsession"
	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/datanodepb"
	"clusternode/internal/dnconfig"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
	"clusternode/internal/logging"
	"clusternode/internal/readpath"
	"clusternode/internal/sessionmgr"
	"clusternode/internal/throttle"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "datanode",
		Short: "Run the clusternode storage engine",
	}
	rootCmd.PersistentFlags().String("config", "/etc/clusternode/datanode.yaml", "path to the declarative locations config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the data node",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			listenAddr, _ := cmd.Flags().GetString("listen-addr")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, configPath, listenAddr)
		},
	}
	serveCmd.Flags().String("listen-addr", ":4566", "listen address for the data node's DataNodeService gRPC port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listenAddr string) error {
	store := dnconfig.NewStore(configPath)
	doc, err := store.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("loaded config", "locations", len(doc.Locations))

	locs, err := openLocations(logger, doc.Locations)
	if err != nil {
		return fmt.Errorf("open locations: %w", err)
	}
	defer func() {
		for _, l := range locs {
			if err := l.Close(); err != nil {
				logger.Error("location close error", "dir", l.Dir(), "error", err)
			}
		}
	}()

	registry := chunkstore.New(chunkstore.KindStore, chunkstore.NopListener{}, 0)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("registry close error", "error", err)
		}
	}()

	writers := make(map[*location.Location]*ioqueue.Queue, len(locs))
	locationThrottlers := make(map[*location.Location]*throttle.Throttler, len(locs))
	for _, l := range locs {
		descriptors, err := l.Initialize()
		if err != nil {
			return fmt.Errorf("initialize location %q: %w", l.Dir(), err)
		}
		for _, d := range descriptors {
			entry := chunkstore.Entry{ID: d.ID, Location: l, DiskSize: d.DiskSize, Sealed: d.Sealed}
			if err := registry.RegisterExistingChunk(ctx, entry); err != nil {
				logger.Warn("skipping chunk on startup scan", "chunk", d.ID, "error", err)
			}
		}
		writers[l] = ioqueue.New("writer-"+l.Dir(), 64)
		locationThrottlers[l] = throttle.New(0, 0) // unlimited by default; tune per medium later
	}
	defer func() {
		for _, w := range writers {
			_ = w.Close()
		}
	}()

	forwarder := datanodepb.NewPeerForwarder()
	defer func() { _ = forwarder.Close() }()

	blobFactory := datanodepb.NewBlobFactory(datanodepb.BlobFactoryConfig{
		Registry:           registry,
		Writers:            writers,
		Memory:             blobsession.NewMemoryQuota(0),
		NodeThrottler:      throttle.New(0, 0),
		NodeOutThrottler:   throttle.New(0, 0),
		LocationThrottlers: locationThrottlers,
		MaxWindowSize:      4096,
		BytesPerWrite:      4 << 20,
		Forwarder:          forwarder,
	})

	sessions := sessionmgr.New(sessionmgr.Options{
		MaxConcurrentSessions: 256,
		Factories: map[chunkid.ObjectType]sessionmgr.Factory{
			chunkid.Blob: blobFactory,
		},
	})
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Error("session manager close error", "error", err)
		}
	}()

	cache := readpath.NewBlockCache(256 << 20)
	svc := datanodepb.NewService(sessions, registry, locs, cache, logger)
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("service close error", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen data node port %s: %w", listenAddr, err)
	}

	grpcSrv := grpc.NewServer()
	datanodepb.Register(grpcSrv, svc)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcSrv.Serve(ln)
	}()

	logger.Info("data node ready", "locations", len(locs), "listen-addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("data node gRPC server error", "error", err)
		}
	}

	logger.Info("shutting down data node")
	stopGraceful(grpcSrv, 10*time.Second)
	return nil
}

// stopGraceful attempts a graceful stop, falling back to an immediate one
// if it doesn't complete within timeout — the same two-phase shutdown
// internal/cluster.Server.Stop uses for its own gRPC server.
func stopGraceful(srv *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		srv.Stop()
	}
}

// openLocations constructs a location.Location for every configured
// location, disabling the node's scheduling eligibility for that mount
// (not the whole process) when one later faults.
func openLocations(logger *slog.Logger, cfgs []dnconfig.LocationConfig) ([]*location.Location, error) {
	locs := make([]*location.Location, 0, len(cfgs))
	for _, lc := range cfgs {
		spec, err := lc.Spec(logger, func(err error) {
			logger.Error("location disabled", "dir", lc.Dir, "error", err)
		})
		if err != nil {
			return nil, err
		}
		loc, err := location.New(spec)
		if err != nil {
			return nil, fmt.Errorf("location %q: %w", lc.Dir, err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}
