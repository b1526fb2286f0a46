// Command scheduler runs the cluster-wide fair-share scheduler: the Raft
// group that replicates pool state and scheduling segments, the fair-share
// tree built from the declarative pools config, and the cluster gRPC port
// peers dial for job placement.
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
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"clusternode/internal/cluster"
	"clusternode/internal/dnconfig"
	"clusternode/internal/fairshare"
	"clusternode/internal/logging"
	"clusternode/internal/persistance"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the clusternode fair-share scheduler",
	}
	rootCmd.PersistentFlags().String("config", "/etc/clusternode/scheduler.yaml", "path to the declarative pools config")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/clusternode/raft", "directory for raft log, stable store, and snapshots")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler node",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			nodeID, _ := cmd.Flags().GetString("node-id")
			clusterAddr, _ := cmd.Flags().GetString("cluster-addr")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, runConfig{
				configPath:  configPath,
				dataDir:     dataDir,
				nodeID:      nodeID,
				clusterAddr: clusterAddr,
				bootstrap:   bootstrap,
			})
		},
	}
	serveCmd.Flags().String("node-id", "", "raft server ID for this node (required)")
	serveCmd.Flags().String("cluster-addr", ":4565", "listen address for the cluster gRPC/raft port")
	serveCmd.Flags().Bool("bootstrap", false, "bootstrap a new single-node raft cluster")
	_ = serveCmd.MarkFlagRequired("node-id")

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

type runConfig struct {
	configPath  string
	dataDir     string
	nodeID      string
	clusterAddr string
	bootstrap   bool
}

func run(ctx context.Context, logger *slog.Logger, rc runConfig) error {
	cfgStore := dnconfig.NewStore(rc.configPath)
	doc, err := cfgStore.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("loaded config", "pools", len(doc.Pools))

	mgr, err := fairshare.New(fairshare.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create fairshare manager: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Error("fairshare manager close error", "error", err)
		}
	}()

	knownPools := make(map[string]bool, len(doc.Pools))
	for _, p := range doc.Pools {
		spec, err := p.Spec()
		if err != nil {
			return fmt.Errorf("pool %q: %w", p.Name, err)
		}
		mgr.SetPool(spec)
		knownPools[p.Name] = true
	}

	srv, err := cluster.New(cluster.Config{
		ClusterAddr: rc.clusterAddr,
		NodeID:      rc.nodeID,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create cluster server: %w", err)
	}

	r, fsm, err := bootstrapRaft(rc, srv)
	if err != nil {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	srv.SetRaft(r)

	store := persistance.New(r, fsm, nil, 10*time.Second)
	fwd := cluster.NewForwarder(r, nil)
	store.SetForwarder(fwd)
	defer func() { _ = fwd.Close() }()

	srv.SetApplyFn(store.ApplyRaw)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start cluster server: %w", err)
	}
	defer srv.Stop()

	store.RestoreFairShare(ctx, mgr, func(name string) bool { return knownPools[name] }, logger)

	logger.Info("scheduler ready", "node-id", rc.nodeID, "cluster-addr", rc.clusterAddr)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down scheduler")
			return nil
		case <-ticker.C:
			tickOnce(ctx, logger, mgr, store, srv, rc.nodeID)
		}
	}
}

// tickOnce recomputes the fair-share tree and, if this node currently
// holds raft leadership, persists the resulting pool states.
func tickOnce(ctx context.Context, logger *slog.Logger, mgr *fairshare.Manager, store *persistance.Store, srv *cluster.Server, nodeID string) {
	if _, err := mgr.Tick(); err != nil {
		logger.Error("fairshare tick error", "error", err)
		return
	}
	if _, id := srv.LeaderInfo(); id == "" || id != nodeID {
		return
	}
	if err := store.PersistPoolStates(ctx, mgr); err != nil {
		logger.Warn("persist pool states failed", "error", err)
	}
}

// bootstrapRaft builds a durable single-node-capable raft instance backed
// by boltdb for the log/stable store and the local filesystem for
// snapshots, the same machinery the teacher's raftstore package assumes
// main wires up before calling raftstore.New.
func bootstrapRaft(rc runConfig, srv *cluster.Server) (*hraft.Raft, *persistance.FSM, error) {
	if err := os.MkdirAll(rc.dataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	boltPath := filepath.Join(rc.dataDir, "raft.db")
	logStore, err := raftboltdb.New(raftboltdb.Options{Path: boltPath})
	if err != nil {
		return nil, nil, fmt.Errorf("open bolt store: %w", err)
	}

	snapStore, err := hraft.NewFileSnapshotStore(rc.dataDir, 3, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	fsm := persistance.New()

	conf := hraft.DefaultConfig()
	conf.LocalID = hraft.ServerID(rc.nodeID)

	r, err := hraft.NewRaft(conf, fsm, logStore, logStore, snapStore, srv.Transport())
	if err != nil {
		return nil, nil, fmt.Errorf("new raft: %w", err)
	}

	if rc.bootstrap {
		bootCfg := hraft.Configuration{
			Servers: []hraft.Server{
				{ID: hraft.ServerID(rc.nodeID), Address: hraft.ServerAddress(rc.clusterAddr)},
			},
		}
		if err := r.BootstrapCluster(bootCfg).Error(); err != nil && err != hraft.ErrCantBootstrap {
			return nil, nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	return r, fsm, nil
}
