package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avilaops/canaswarm/pkg/allocator"
	"github.com/avilaops/canaswarm/pkg/config"
	"github.com/avilaops/canaswarm/pkg/consensus"
	"github.com/avilaops/canaswarm/pkg/events"
	"github.com/avilaops/canaswarm/pkg/formation"
	"github.com/avilaops/canaswarm/pkg/log"
	"github.com/avilaops/canaswarm/pkg/metrics"
	"github.com/avilaops/canaswarm/pkg/reconciler"
	"github.com/avilaops/canaswarm/pkg/store"
	"github.com/avilaops/canaswarm/pkg/types"
	"github.com/avilaops/canaswarm/pkg/world"
	"github.com/spf13/cobra"
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
	Use:   "canaswarm",
	Short: "CanaSwarm - field robot swarm coordinator",
	Long: `CanaSwarm coordinates a fleet of heterogeneous field robots:
it elects and maintains a swarm leader under faults, keeps traveling
formations spatially coherent, and matches pending work to the robots
best placed to execute it.

The coordinator consumes world snapshots and reports its decisions as
plain data; it never talks to robots directly.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CanaSwarm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("snapshot", "swarm.json", "Path to the world snapshot")
	rootCmd.PersistentFlags().String("config", "", "Path to a coordinator config file (YAML)")
	rootCmd.PersistentFlags().Int64("seed", 0, "RNG seed (0 seeds from the clock)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(electCmd)
	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(formationCmd)
	rootCmd.AddCommand(neighborsCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// engines wires a snapshot into the three engines.
type engines struct {
	world      *world.World
	consensus  *consensus.Engine
	formations *formation.Controller
	allocator  *allocator.Allocator
}

func setup(cmd *cobra.Command) (*engines, error) {
	snapshotPath, _ := cmd.Flags().GetString("snapshot")
	configPath, _ := cmd.Flags().GetString("config")
	seed, _ := cmd.Flags().GetInt64("seed")

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	w, err := world.LoadSnapshot(snapshotPath)
	if err != nil {
		return nil, err
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	return &engines{
		world:      w,
		consensus:  consensus.New(w, cfg, rng),
		formations: formation.New(w, cfg, rng),
		allocator:  allocator.New(w, cfg),
	}, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report consensus, formation and allocation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		formationStats, err := eng.formations.GetStatistics()
		if err != nil {
			return err
		}

		return printJSON(map[string]any{
			"consensus":  eng.consensus.GetStatus(),
			"health":     eng.consensus.CheckLeaderHealth(),
			"formations": formationStats,
			"allocation": eng.allocator.GetStatistics(),
		})
	},
}

var electCmd = &cobra.Command{
	Use:   "elect",
	Short: "Trigger a leader election",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		result, err := eng.consensus.TriggerElection()
		if err != nil {
			return err
		}
		if err := archiveReport(cmd, "election", result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Allocate all open tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")

		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		result := eng.allocator.AllocateTasks(method)
		if err := archiveReport(cmd, "allocation", result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var formationCmd = &cobra.Command{
	Use:   "formation",
	Short: "Manage robot formations",
}

var formationCreateCmd = &cobra.Command{
	Use:   "create [robot-id...]",
	Short: "Create a formation from the given robots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formationType, _ := cmd.Flags().GetString("type")
		leader, _ := cmd.Flags().GetString("leader")

		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		result := eng.formations.CreateFormation(args, types.FormationType(formationType), leader)
		if err := archiveReport(cmd, "formation", result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var formationUpdateCmd = &cobra.Command{
	Use:   "update <formation-id>",
	Short: "Run one flocking pass over a formation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		result, err := eng.formations.UpdateFlocking(args[0])
		if err != nil {
			return err
		}
		if err := archiveReport(cmd, "formation", result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <robot-id>",
	Short: "List a robot's perception-range neighbors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		neighbors, err := eng.formations.GetNeighbors(args[0])
		if err != nil {
			return err
		}
		return printJSON(neighbors)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination loop with a metrics endpoint",
	Long: `Run the coordinator continuously: every interval the loop checks
leader health (electing on failure), auctions open tasks, and updates
every active formation. Prometheus metrics are exposed over HTTP, and
events can be forwarded to NATS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		natsURL, _ := cmd.Flags().GetString("nats-url")
		interval, _ := cmd.Flags().GetDuration("interval")

		eng, err := setup(cmd)
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		if natsURL != "" {
			forwarder, err := events.NewForwarder(natsURL, broker)
			if err != nil {
				return err
			}
			forwarder.Start()
			defer forwarder.Close()
			log.Info("Forwarding events to NATS")
		}

		rec := reconciler.New(eng.world, eng.consensus, eng.formations, eng.allocator, broker, interval)
		rec.Start()
		defer rec.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Metrics server failed", err)
			}
		}()
		defer server.Close()

		log.Logger.Info().
			Str("metrics_addr", metricsAddr).
			Dur("interval", interval).
			Msg("Coordinator running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down")
		return nil
	},
}

// archiveReport appends a report to the BoltDB archive when --data-dir
// is set.
func archiveReport(cmd *cobra.Command, kind string, report any) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		return nil
	}

	archive, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer archive.Close()

	switch kind {
	case "election":
		return archive.SaveElection(report)
	case "allocation":
		return archive.SaveAllocation(report)
	default:
		return archive.SaveFormation(report)
	}
}

func init() {
	allocateCmd.Flags().String("method", allocator.MethodAuction, "Allocation method (auction, hungarian)")
	allocateCmd.Flags().String("data-dir", "", "Archive reports under this directory")

	electCmd.Flags().String("data-dir", "", "Archive reports under this directory")

	formationCreateCmd.Flags().String("type", string(types.FormationFlocking), "Formation type (flocking, line, grid, leader_follower)")
	formationCreateCmd.Flags().String("leader", "", "Leader robot id (leader_follower only)")
	formationCreateCmd.Flags().String("data-dir", "", "Archive reports under this directory")
	formationUpdateCmd.Flags().String("data-dir", "", "Archive reports under this directory")
	formationCmd.AddCommand(formationCreateCmd)
	formationCmd.AddCommand(formationUpdateCmd)

	serveCmd.Flags().String("metrics-addr", ":9090", "Metrics listen address")
	serveCmd.Flags().String("nats-url", "", "NATS server URL for event forwarding (disabled when empty)")
	serveCmd.Flags().Duration("interval", 10*time.Second, "Coordination loop interval")
}
