package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omop/etl/internal/config"
	"github.com/omop/etl/internal/domain/terminology"
	"github.com/omop/etl/internal/platform/db"
	"github.com/omop/etl/internal/platform/fallback"
)

const defaultConfigPath = "config/etl.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFailure(os.Stderr, err)
		os.Exit(1)
	}
}

// logFailure reports the error that ended the command.
func logFailure(w io.Writer, err error) {
	logger := zerolog.New(w).With().Timestamp().Logger()
	logger.Error().Err(err).Msg("command failed")
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "omop-etl",
		Short:         "Synthea to OMOP CDM mapping engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to the YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(deidCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(vocabCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

// app is what every command needs before it does any work.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	events *fallback.Recorder
	runID  string
}

func newLogger(w io.Writer, dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// setup loads configuration, builds the run logger and reports every key
// that fell back to its default.
func setup(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := newLogger(cmd.ErrOrStderr(), cfg.IsDev()).With().
		Str("run_id", runID).
		Str("command", cmd.CommandPath()).
		Logger()

	if cfg.FileUsed == "" && path != "" {
		logger.Warn().Str("path", path).Msg("config file not read, using defaults")
	}

	events := fallback.NewRecorder(logger)
	for _, key := range cfg.Defaulted {
		events.Record(fallback.ConfigDefault, "config key not set, using default", "key", key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &app{cfg: cfg, logger: logger, events: events, runID: runID}, nil
}

func (a *app) connect(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.ETL.Name, a.cfg.DB.MaxConns, a.cfg.DB.MinConns)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Int32("max_conns", a.cfg.DB.MaxConns).Msg("connected to database")
	return pool, nil
}

// resolver builds the configured resolver. pool may be nil unless the kind
// is "table".
func (a *app) resolver(kind string, pool *pgxpool.Pool) (terminology.Resolver, error) {
	return terminology.New(kind, terminology.Options{
		Pool:       pool,
		Schema:     a.cfg.Schemas.Vocab,
		ServiceURL: a.cfg.Vocab.ServiceURL,
		Cache:      a.cfg.Vocab.Cache,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
