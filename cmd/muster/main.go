package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/musterhq/muster/pkg/cloud"
	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/engine"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/queue"
	"github.com/musterhq/muster/pkg/scheduler"
	"github.com/musterhq/muster/pkg/transport"
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
	Use:   "muster",
	Short: "Muster - persistent task scheduler for remote compute fleets",
	Long: `Muster dispatches labeled compute jobs onto a fleet of worker hosts
reachable over SSH, growing and shrinking the fleet through cloud
providers. Tasks live in a durable queue; the daemon places them,
watches them, and harvests their outputs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Muster version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "/etc/muster/muster.yml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(nodeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openStore builds the registry and queue store from configuration; every
// subcommand needs both
func openStore(cfg *config.Config) (*engine.Registry, *queue.Store, error) {
	registry, err := engine.NewRegistry(cfg.EngineList())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build engine registry: %v", err)
	}
	store, err := queue.Open(cfg.Database.DSN, registry, cfg.Remote.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return registry, store, nil
}

func openPool(cfg *config.Config, registry *engine.Registry) (*transport.Pool, error) {
	key, err := os.ReadFile(cfg.Remote.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %v", err)
	}
	return transport.NewPool(transport.Config{
		User:           cfg.Remote.User,
		Key:            key,
		ConnectTimeout: cfg.ConnectTimeout(),
	}, registry)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the muster scheduler daemon",
	Long: `Run the scheduler loop: reconcile the worker pool, harvest finished
tasks, place pending ones, and grow or shrink the cloud fleet. The
daemon exits cleanly between ticks on SIGINT or SIGTERM; detached
jobs keep running on the workers and are re-attached on restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		registry, store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "connected")

		pool, err := openPool(cfg, registry)
		if err != nil {
			return err
		}
		defer pool.Close()
		metrics.RegisterComponent("transport", true, "ready")

		providers, err := cloud.NewProviders(context.Background(), cfg.Clouds)
		if err != nil {
			return err
		}
		clouds := cloud.NewManager(providers, store, pool)
		metrics.RegisterComponent("cloud", true, fmt.Sprintf("%d providers", len(providers)))

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go logEvents(broker.Subscribe())

		sched := scheduler.New(store, pool, clouds, registry, broker, scheduler.Config{
			LocalDataDir: cfg.Local.DataDir,
			Interval:     cfg.SleepInterval(),
			IdlePasses:   cfg.Scheduler.NIdlePasses,
		})
		sched.Start()
		metrics.RegisterComponent("scheduler", true, "ticking")

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			if err := http.ListenAndServe(cfg.Scheduler.MetricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
		log.Logger.Info().
			Str("metrics", cfg.Scheduler.MetricsAddr).
			Strs("engines", registry.Names()).
			Msg("Muster daemon started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")

		sched.Stop()
		clouds.Wait()
		return nil
	},
}

// logEvents mirrors scheduler events into the daemon log
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		entry := logger.Info().Str("type", string(event.Type))
		for k, v := range event.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Msg(event.Message)
	}
}
