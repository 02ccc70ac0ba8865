package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cqlpipe/internal/pipeline"
	"github.com/ehr/cqlpipe/internal/platform/events"
	"github.com/ehr/cqlpipe/internal/platform/fetch"
	"github.com/ehr/cqlpipe/internal/platform/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cqlpipe",
		Short:         "Clinical rule evaluation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type runFlags struct {
	patient      string
	evaluationID string
	subjectType  string
	contextLabel string
	requestFile  string
	fixtures     string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the configured library for one patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			req, err := f.request(cfg.DefaultRequest())
			if err != nil {
				return err
			}

			var fixtures *fetch.MemorySource
			if f.fixtures != "" {
				if fixtures, err = loadFixtures(f.fixtures); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, fixtures)
			if err != nil {
				return err
			}
			defer a.Close()
			return runEvaluation(ctx, a, req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&f.evaluationID, "eval-id", "", "library identifier to evaluate")
	cmd.Flags().StringVar(&f.subjectType, "subject-type", "", "evaluation context type")
	cmd.Flags().StringVar(&f.contextLabel, "context-label", "", "evaluation context label")
	cmd.Flags().StringVar(&f.requestFile, "request", "", "YAML file with an evaluation request")
	cmd.Flags().StringVar(&f.fixtures, "fixtures", "", "YAML manifest mapping mem:// addresses to files")
	return cmd
}

// request merges, in order of precedence, flags, the request file and the
// configured defaults.
func (f runFlags) request(defaults pipeline.EvaluationRequest) (pipeline.EvaluationRequest, error) {
	req := pipeline.EvaluationRequest{
		EvaluationID: f.evaluationID,
		SubjectType:  f.subjectType,
		ContextLabel: f.contextLabel,
		PatientID:    f.patient,
	}
	if f.requestFile != "" {
		file, err := os.Open(f.requestFile)
		if err != nil {
			return pipeline.EvaluationRequest{}, fmt.Errorf("open request: %w", err)
		}
		defer file.Close()
		fromFile, err := pipeline.ReadRequestYAML(file)
		if err != nil {
			return pipeline.EvaluationRequest{}, err
		}
		req = req.WithDefaults(fromFile)
	}
	req = req.WithDefaults(defaults)
	return req, req.Validate()
}

// runEvaluation prints one JSON line per event followed by the indented
// result, and returns the failure that ended the run, if any.
func runEvaluation(ctx context.Context, a *app, req pipeline.EvaluationRequest, out io.Writer) error {
	run, err := a.orch.Start(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	var last pipeline.Event
	for ev := range events.Publishing(ctx, run.All(), a.publisher, a.logger) {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		last = ev
	}
	if last.Err != nil {
		return last.Err
	}
	if last.Result == nil {
		return fmt.Errorf("run %s ended without a result", run.ID())
	}

	indented, err := last.Result.Indent()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, indented)
	return err
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the evaluation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pipeline")
	}
	defer a.Close()

	handler := server.NewEvaluationHandler(a.orch, cfg.DefaultRequest(), a.publisher, logger)
	e := server.New(handler, server.Options{
		Logger:         logger,
		Metrics:        a.metrics,
		RequestTimeout: cfg.RequestTimeout,
		BodyLimit:      cfg.BodyLimit,
		Checks:         a.checks,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("evaluator", cfg.EvaluatorMode).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func seedCmd() *cobra.Command {
	var key, file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Store an artifact in Postgres for pg:// addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read artifact: %w", err)
			}
			pool, err := openPool(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return seedArtifact(cmd.Context(), fetch.NewPGSource(pool), key, payload, logger)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "artifact key or pg:// address, e.g. Library/ANCRecommendationA2")
	cmd.Flags().StringVar(&file, "file", "", "file holding the artifact payload")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("file")
	return cmd
}

type artifactStore interface {
	EnsureSchema(ctx context.Context) error
	Store(ctx context.Context, key string, payload []byte) error
}

func seedArtifact(ctx context.Context, store artifactStore, key string, payload []byte, logger zerolog.Logger) error {
	key = strings.TrimPrefix(key, "pg://")
	if key == "" {
		return fmt.Errorf("artifact key is empty")
	}
	if strings.TrimSpace(string(payload)) == "" {
		return fmt.Errorf("artifact %s is empty", key)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := store.Store(ctx, key, payload); err != nil {
		return err
	}
	logger.Info().Str("address", "pg://"+key).Int("bytes", len(payload)).Msg("artifact stored")
	return nil
}
