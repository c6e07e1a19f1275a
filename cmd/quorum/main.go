package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/quorum/pkg/clock"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/consensus"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/fsm"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/storage"
	"github.com/cuemby/quorum/pkg/transport"
	"github.com/cuemby/quorum/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Quorum - embeddable Raft consensus node",
	Long: `Quorum runs a single member of a replicated state machine cluster:
leader election, log replication, snapshotting and membership changes over
gRPC, with BoltDB-backed durable state and a key/value state machine.`,
	Version: Version,
}

var (
	flagID          string
	flagBind        string
	flagPeers       []string
	flagDataDir     string
	flagConfigFile  string
	flagMetricsAddr string
	flagLogLevel    string
	flagBootstrap   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a consensus node",
	RunE:  runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quorum version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().StringVar(&flagID, "id", "", "stable node id (generated if empty)")
	runCmd.Flags().StringVar(&flagBind, "bind", "127.0.0.1:7400", "address for the consensus RPC listener")
	runCmd.Flags().StringSliceVar(&flagPeers, "peer", nil, "peer as id=host:port (repeatable)")
	runCmd.Flags().StringVar(&flagDataDir, "data-dir", "./data", "directory for durable state")
	runCmd.Flags().StringVar(&flagConfigFile, "config", "", "YAML configuration file")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "127.0.0.1:9400", "Prometheus metrics listener (empty to disable)")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&flagBootstrap, "bootstrap", false, "bootstrap a new cluster from this node and its peers")

	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: true})

	id := types.NodeID(flagID)
	if id == "" {
		id = types.NodeID("node-" + uuid.NewString()[:8])
	}

	cfg := config.DefaultConfig()
	if flagConfigFile != "" {
		loaded, err := config.LoadFile(flagConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	peers, err := parsePeers(flagPeers)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(flagDataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	logStore, err := storage.NewBoltLogStore(flagDataDir)
	if err != nil {
		return err
	}
	defer logStore.Close()
	stateStore, err := storage.NewBoltStateStore(flagDataDir)
	if err != nil {
		return err
	}
	defer stateStore.Close()

	trans := transport.NewGRPCTransport(id, flagBind, peers)
	if err := trans.Start(); err != nil {
		return err
	}
	defer trans.Close()

	var bootstrap *types.ClusterConfiguration
	if flagBootstrap {
		nodes := []types.NodeID{id}
		for pid := range peers {
			nodes = append(nodes, pid)
		}
		bootstrap = &types.ClusterConfiguration{Nodes: nodes}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			evLogger := log.WithComponent("events")
			evLogger.Info().
				Str("event", string(ev.Type)).
				Str("node_id", string(ev.NodeID)).
				Uint64("term", uint64(ev.Term)).
				Msg(ev.Message)
		}
	}()

	node, err := consensus.NewNode(consensus.Options{
		ID:         id,
		Config:     cfg,
		LogStore:   logStore,
		StateStore: stateStore,
		Machine:    fsm.NewKVStateMachine(),
		Transport:  trans,
		Clock:      clock.NewSystemClock(),
		Bootstrap:  bootstrap,
		Events:     broker,
	})
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	if flagMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				log.Errorf("metrics listener stopped", err)
			}
		}()
	}

	nodeLogger := log.WithNodeID(string(id))
	nodeLogger.Info().
		Str("bind", trans.Addr()).
		Int("peers", len(peers)).
		Msg("quorum node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

func parsePeers(specs []string) (map[types.NodeID]string, error) {
	peers := make(map[types.NodeID]string, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=host:port", spec)
		}
		peers[types.NodeID(parts[0])] = parts[1]
	}
	return peers, nil
}
