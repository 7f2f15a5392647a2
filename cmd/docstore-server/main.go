// Command docstore-server runs the document database's TCP listener over
// a single on-disk Engine (spec §6). Grounded in cuemby-warren's
// cmd/warren/main.go cobra root-command-plus-subcommands layout
// (rootCmd with PersistentFlags, cobra.OnInitialize wiring logging,
// signal.Notify-driven graceful shutdown) adapted from Warren's cluster
// orchestrator commands to docstore's serve/recover-only/compact set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bunbase/docstore"
	"github.com/bunbase/docstore/internal/config"
	"github.com/bunbase/docstore/internal/metrics"
	"github.com/bunbase/docstore/internal/replication"
	"github.com/bunbase/docstore/internal/server"
)

var (
	cfgFile string
	cfg     = config.Default()
	logger  zerolog.Logger

	// Replication flags; empty nodeID means standalone (no raft node
	// started at all, spec's default single-process deployment mode).
	nodeID        string
	raftBindAddr  string
	raftDataDir   string
	raftBootstrap bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docstore-server",
	Short: "docstore-server runs a document database node",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address clients connect to")
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "root directory for collection storage")
	rootCmd.PersistentFlags().IntVar(&cfg.WorkerPool, "worker-pool-size", cfg.WorkerPool, "command dispatch worker pool size (accepted but not applied: the server serves each connection on its own goroutine)")
	rootCmd.PersistentFlags().DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "idle connection timeout")
	rootCmd.PersistentFlags().StringVar(&cfg.EncryptionKeyFile, "encryption-key-file", cfg.EncryptionKeyFile, "path to a 32-byte AEAD key enabling at-rest encryption")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for the /metrics HTTP endpoint")

	rootCmd.PersistentFlags().StringVar(&nodeID, "node-id", "", "raft node id; unset runs standalone with no replication")
	rootCmd.PersistentFlags().StringVar(&raftBindAddr, "raft-bind-addr", "127.0.0.1:27018", "raft transport bind address")
	rootCmd.PersistentFlags().StringVar(&raftDataDir, "raft-data-dir", "./data/raft", "directory for raft's log/stable/snapshot stores")
	rootCmd.PersistentFlags().BoolVar(&raftBootstrap, "raft-bootstrap", false, "bootstrap a brand-new single-node cluster")

	cobra.OnInitialize(func() {
		if err := config.Load(cfgFile, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	})

	rootCmd.AddCommand(serveCmd, recoverOnlyCmd, compactCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start accepting client connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var recoverOnlyCmd = &cobra.Command{
	Use:   "recover-only",
	Short: "open every collection, replay its log, and exit without serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		logger.Info().Strs("collections", engine.ListCollections()).Msg("recovery complete")
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact [collection]",
	Short: "rewrite a collection's log to contain only live documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		coll, ok := engine.Collection(args[0])
		if !ok {
			return fmt.Errorf("docstore-server: collection %q not found", args[0])
		}
		return coll.Compact()
	},
}

func openEngine() (*docstore.Engine, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	return docstore.Open(docstore.EngineOptions{
		DataDir:       cfg.DataDir,
		EncryptionKey: key,
	}, logger)
}

func runServe() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	engine, err := openEngine()
	if err != nil {
		return fmt.Errorf("docstore-server: open engine: %w", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	var node *replication.Node
	if nodeID != "" {
		fsm := replication.NewFSM(engineApplier{engine}, logger)
		node, err = replication.Start(replication.Config{
			NodeID:    nodeID,
			BindAddr:  raftBindAddr,
			DataDir:   raftDataDir,
			Bootstrap: raftBootstrap,
		}, fsm, logger)
		if err != nil {
			return fmt.Errorf("docstore-server: start replication node: %w", err)
		}
		logger.Info().Str("node_id", nodeID).Bool("bootstrap", raftBootstrap).Msg("replication node started")
	}

	srv := server.New(server.Config{
		ListenAddr:  cfg.ListenAddr,
		IdleTimeout: cfg.IdleTimeout,
		RequireAuth: false,
	}, engine, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	cancel()
	srv.Shutdown()
	if node != nil {
		if err := node.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("replication node shutdown error")
		}
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// engineApplier adapts *docstore.Engine to replication.Applier, resolving
// a collection name to something replication.FSM can call Apply on
// without internal/replication needing to import the root package.
type engineApplier struct {
	engine *docstore.Engine
}

func (a engineApplier) Collection(name string) (replication.CollectionApplier, bool) {
	return a.engine.Collection(name)
}
