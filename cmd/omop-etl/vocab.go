package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/omop/etl/internal/domain/terminology"
	"github.com/omop/etl/internal/platform/db"
	"github.com/omop/etl/internal/platform/middleware"
	"github.com/omop/etl/internal/platform/reporting"
)

func vocabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "Concept resolution",
	}
	cmd.AddCommand(vocabServeCmd())
	cmd.AddCommand(vocabResolveCmd())
	return cmd
}

func vocabServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve concept resolution over HTTP from the vocabulary tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			resolver, err := a.resolver("table", pool)
			if err != nil {
				return err
			}

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true

			e.Use(middleware.Recovery(a.logger))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(a.logger))
			e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
				AllowOrigins: []string{"*"},
				AllowMethods: []string{http.MethodGet, http.MethodPost},
				AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
			}))
			e.Use(middleware.RequestTimeout(timeout))

			e.GET("/health", db.HealthHandler(pool, db.TableCheck(pool, a.cfg.Schemas.Vocab, "concept")))

			api := e.Group("")
			terminology.NewHandler(terminology.NewService(resolver)).RegisterRoutes(api)
			reporting.NewHandler(reporting.NewEvaluator(pool, a.cfg.Schemas.CDM)).RegisterRoutes(api)

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", addr).Msg("vocabulary service listening")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", ":8090", "Listen address")
	cmd.Flags().Duration("timeout", 30*time.Second, "Per-request timeout")
	return cmd
}

func vocabResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve CODE...",
		Short: "Resolve source codes with the configured resolver",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			domain, _ := cmd.Flags().GetString("domain")

			ctx, stop := signalContext()
			defer stop()

			kind := a.cfg.Vocab.Resolver
			var resolver terminology.Resolver
			if kind == "table" {
				pool, err := a.connect(ctx)
				if err != nil {
					return err
				}
				defer pool.Close()
				resolver, err = a.resolver(kind, pool)
				if err != nil {
					return err
				}
			} else {
				resolver, err = a.resolver(kind, nil)
				if err != nil {
					return err
				}
			}

			results, err := terminology.NewService(resolver).ResolveBatch(ctx, args, domain)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().String("domain", string(terminology.DomainCondition), "Domain: condition, drug, gender, race or ethnicity")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the CDM and vocabulary tables for local development",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			schema, dir := migrateFlags(cmd, a)

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir, a.logger).Up(ctx, schema)
			if err != nil {
				return err
			}
			a.logger.Info().Str("schema", schema).Int("applied", count).Msg("migrations complete")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			schema, dir := migrateFlags(cmd, a)

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir, a.logger).Status(ctx, schema)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), statuses)
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (defaults to schemas.cdm)")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func migrateFlags(cmd *cobra.Command, a *app) (schema, dir string) {
	schema, _ = cmd.Flags().GetString("schema")
	if schema == "" {
		schema = a.cfg.Schemas.CDM
	}
	dir, _ = cmd.Flags().GetString("dir")
	return schema, dir
}
