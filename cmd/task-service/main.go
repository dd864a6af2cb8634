package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/taskctl/pkg/api"
	"github.com/cuemby/taskctl/pkg/broker"
	"github.com/cuemby/taskctl/pkg/config"
	"github.com/cuemby/taskctl/pkg/dispatcher"
	"github.com/cuemby/taskctl/pkg/healthpruner"
	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/taskstore"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "task-service",
	Short:   "Task store, broker, health pruner and dispatcher for a document-ingestion control plane",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to an optional YAML config file")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster")
	serveCmd.Flags().String("join", "", "Existing leader's API address to join through")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task store, broker, health pruner, dispatcher and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultTaskService()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			var err error
			cfg, err = config.LoadTaskServiceFile(cfg, path)
			if err != nil {
				return fmt.Errorf("task-service: load config: %w", err)
			}
		}
		cfg = cfg.ApplyEnv()
		metrics.SetVersion(Version)

		if v, _ := cmd.Flags().GetBool("bootstrap"); v {
			cfg.Bootstrap = true
		}
		if v, _ := cmd.Flags().GetString("join"); v != "" {
			cfg.JoinAddr = v
		}

		store, err := taskstore.New(taskstore.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("task-service: create store: %w", err)
		}

		switch {
		case cfg.Bootstrap:
			if err := store.Bootstrap(); err != nil {
				return fmt.Errorf("task-service: bootstrap: %w", err)
			}
			log.Info("bootstrapped new cluster")
		case cfg.JoinAddr != "":
			if err := store.Join(cfg.JoinAddr); err != nil {
				return fmt.Errorf("task-service: join: %w", err)
			}
			log.Info("joined existing cluster")
		default:
			return fmt.Errorf("task-service: one of --bootstrap or --join is required")
		}

		dispatch := dispatcher.New(dispatcher.Config{Timeout: cfg.DispatchTimeout()})

		brk := broker.New(store, dispatch, store.Events(), broker.Config{Interval: cfg.BrokerLoopInterval()})
		brk.Start()
		defer brk.Stop()

		pruner := healthpruner.New(store, store.Events(), healthpruner.Config{
			Interval: cfg.HealthPrunerInterval(),
			Timeout:  cfg.HealthPrunerTimeout(),
		})
		pruner.Start()
		defer pruner.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(store)

		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("task-service API listening on %s", cfg.APIAddr))
			if err := http.ListenAndServe(cfg.APIAddr, server); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Errorf("task-service: fatal error", err)
			return err
		}

		if err := store.Shutdown(); err != nil {
			return fmt.Errorf("task-service: shutdown: %w", err)
		}
		return nil
	},
}
