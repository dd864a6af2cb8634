// Command worker-demo is a minimal worker binary: it registers for a
// topic, accepts dispatched tasks over HTTP, and acknowledges them with a
// no-op handler. It exists to exercise the slot manager and dispatch
// protocol end to end without depending on any real document-processing
// service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/taskctl/pkg/api"
	"github.com/cuemby/taskctl/pkg/config"
	"github.com/cuemby/taskctl/pkg/log"
	"github.com/cuemby/taskctl/pkg/metrics"
	"github.com/cuemby/taskctl/pkg/slotmanager"
	"github.com/cuemby/taskctl/pkg/workerclient"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "worker-demo",
	Short:   "Minimal worker that registers for a topic and acknowledges every task",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to an optional YAML config file")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register for a topic and process dispatched tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultWorker()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			var err error
			cfg, err = config.LoadWorkerFile(cfg, path)
			if err != nil {
				return fmt.Errorf("worker-demo: load config: %w", err)
			}
		}
		cfg = cfg.ApplyEnv()
		if cfg.Topic == "" {
			return fmt.Errorf("worker-demo: WORKER_TOPIC is required")
		}
		if cfg.EndpointURL == "" {
			return fmt.Errorf("worker-demo: WORKER_ENDPOINT_URL is required")
		}

		client := workerclient.New(cfg.TaskServiceURL, cfg.EndpointURL, cfg.HealthURL, cfg.Topic)
		manager := slotmanager.New(client, cfg.MaxConcurrent)

		health := api.NewHealthServer(nil)

		mux := http.NewServeMux()
		mux.HandleFunc("/dispatch", manager.HTTPHandler(echoHandler))
		mux.Handle("/health", health.GetHandler())
		mux.Handle("/ready", health.GetHandler())
		mux.Handle("/metrics", metrics.Handler())

		server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("worker-demo listening on %s for topic %s", cfg.ListenAddr, cfg.Topic))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		manager.Start(ctx)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			log.Errorf("worker-demo: fatal error", err)
			return err
		}

		cancel()
		if err := manager.Stop(context.Background()); err != nil {
			log.Errorf("worker-demo: deregister failed", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}

// echoHandler is the no-op task handler: it succeeds immediately, carrying
// the input forward as output so callers can observe round-tripped data.
func echoHandler(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return payload, nil
}
