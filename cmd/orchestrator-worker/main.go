// Command orchestrator-worker runs the pipeline orchestrator (C6) as a
// worker registered for topic index-document: each dispatched task carries
// a pipeline definition, which this binary drives to completion by
// creating and awaiting the per-step child tasks described in SPEC_FULL
// section 4.6.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/cuemby/taskctl/pkg/orchestrator"
	"github.com/cuemby/taskctl/pkg/slotmanager"
	"github.com/cuemby/taskctl/pkg/tasktypes"
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
	Use:     "orchestrator-worker",
	Short:   "Drives index-document pipelines to completion, step by step",
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
	Short: "Register for topic index-document and orchestrate pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultOrchestrator()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			var err error
			cfg, err = config.LoadOrchestratorFile(cfg, path)
			if err != nil {
				return fmt.Errorf("orchestrator-worker: load config: %w", err)
			}
		}
		cfg = cfg.ApplyEnv()
		if cfg.EndpointURL == "" {
			return fmt.Errorf("orchestrator-worker: WORKER_ENDPOINT_URL is required")
		}

		client := workerclient.New(cfg.TaskServiceURL, cfg.EndpointURL, cfg.HealthURL, cfg.Topic)
		manager := slotmanager.New(client, cfg.MaxConcurrent)

		orch := orchestrator.New(client, orchestrator.Config{
			MaxRetries:        cfg.MaxRetries,
			RetryBackoff:      cfg.RetryBackoff(),
			FanoutConcurrency: int64(cfg.FanoutConcurrency),
			PollInterval:      time.Second,
			StepTopics: map[string]string{
				"parse-document": cfg.ParsingServiceTopic,
				"chunk":          cfg.ChunkingServiceTopic,
				"redact":         cfg.RedactionServiceTopic,
				"embed":          cfg.EmbeddingServiceTopic,
				"index":          cfg.IndexingServiceTopic,
			},
		})

		handler := func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("orchestrator-worker: marshal pipeline input: %w", err)
			}
			var def tasktypes.PipelineDefinition
			if err := json.Unmarshal(raw, &def); err != nil {
				return nil, fmt.Errorf("orchestrator-worker: decode pipeline definition: %w", err)
			}
			if err := orch.Run(ctx, &def); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		}

		health := api.NewHealthServer(nil)

		mux := http.NewServeMux()
		mux.HandleFunc("/dispatch", manager.HTTPHandler(handler))
		mux.Handle("/health", health.GetHandler())
		mux.Handle("/ready", health.GetHandler())
		mux.Handle("/metrics", metrics.Handler())

		server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("orchestrator-worker listening on %s", cfg.ListenAddr))
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
			log.Errorf("orchestrator-worker: fatal error", err)
			return err
		}

		cancel()
		if err := manager.Stop(context.Background()); err != nil {
			log.Errorf("orchestrator-worker: deregister failed", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}
