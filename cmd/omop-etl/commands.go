package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omop/etl/internal/deid"
	"github.com/omop/etl/internal/etl"
	"github.com/omop/etl/internal/platform/db"
	"github.com/omop/etl/internal/platform/reporting"
	"github.com/omop/etl/internal/platform/sandbox"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Map the Synthea export into the OMOP CDM tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("source"); dir != "" {
				a.cfg.Source.Dir = dir
			}

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			kind := a.cfg.Vocab.Resolver
			resolverPool := pool
			if kind != "table" {
				resolverPool = nil
			}
			resolver, err := a.resolver(kind, resolverPool)
			if err != nil {
				return err
			}

			src := etl.CSVSource{Dir: a.cfg.Source.Dir}
			files, err := src.Files()
			if err != nil {
				return err
			}
			a.logger.Info().
				Str("etl", a.cfg.ETL.Name).
				Str("etl_version", a.cfg.ETL.Version).
				Str("cdm_version", a.cfg.ETL.CDMVersion).
				Str("source", a.cfg.Source.Dir).
				Str("schema", a.cfg.Schemas.CDM).
				Str("resolver", kind).
				Strs("files", files).
				Msg("starting ETL run")

			p := &etl.Pipeline{
				Source:   src,
				Loader:   db.NewBulkLoader(pool, a.cfg.Schemas.CDM, a.cfg.ETL.BatchSize, a.logger),
				Resolver: resolver,
				Events:   a.events,
				Logger:   a.logger,
			}
			sum, err := p.Run(ctx)
			a.events.Summarize()
			if err != nil {
				var se *etl.StageError
				if errors.As(err, &se) {
					a.logger.Error().Err(se.Err).Str("stage", se.Stage).Msg("stage failed")
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().String("source", "", "Directory holding the Synthea CSV export (overrides source.dir)")
	return cmd
}

func deidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deid",
		Short: "Write the de-identified research dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				out = a.cfg.Deid.Output
			}

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := deid.Export(ctx, pool, a.cfg.Schemas.CDM, out, deid.Options{
				Seed:         a.cfg.Deid.Seed,
				MaxShiftDays: a.cfg.Deid.MaxShiftDays,
			}, a.logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("output", "", "Output file (overrides deid.output)")
	return cmd
}

// tableCheck compares a loaded CDM table with the source rows it came from.
type tableCheck struct {
	Table  string `json:"table"`
	Source int    `json:"source_rows"`
	Target int64  `json:"target_rows"`
	OK     bool   `json:"ok"`
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compare CDM row counts with the source export",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			src := etl.CSVSource{Dir: a.cfg.Source.Dir}
			if err := src.Check(); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			loader := db.NewBulkLoader(pool, a.cfg.Schemas.CDM, a.cfg.ETL.BatchSize, a.logger)
			pairs := []struct{ table, file string }{
				{etl.TablePerson, etl.PatientsFile},
				{etl.TableObservationPeriod, etl.PatientsFile},
				{etl.TableConditionOccurrence, etl.ConditionsFile},
				{etl.TableDrugExposure, etl.MedicationsFile},
			}

			var checks []tableCheck
			failed := 0
			for _, p := range pairs {
				t, err := src.Open(p.file)
				if errors.Is(err, etl.ErrSourceMissing) {
					a.logger.Warn().Str("table", p.table).Str("file", p.file).Msg("source file missing, skipped")
					continue
				}
				if err != nil {
					return err
				}
				ok, n, err := loader.Validate(ctx, p.table, t.Len())
				if err != nil {
					return err
				}
				if !ok {
					failed++
				}
				checks = append(checks, tableCheck{Table: p.table, Source: t.Len(), Target: n, OK: ok})
			}
			if err := printJSON(cmd.OutOrStdout(), checks); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d table(s): %w", failed, etl.ErrCountMismatch)
			}
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Evaluate data quality measures over the CDM schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			pool, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			eval := reporting.NewEvaluator(pool, a.cfg.Schemas.CDM)
			if id, _ := cmd.Flags().GetString("measure"); id != "" {
				rep, err := eval.Evaluate(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			}
			reps, err := eval.EvaluateAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reps)
		},
	}
	cmd.Flags().String("measure", "", "Evaluate a single measure by id")
	return cmd
}

func generateCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic Synthea-shaped export",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			cfg := def
			cfg.PatientCount, _ = f.GetInt("patients")
			cfg.ConditionsPerPatient, _ = f.GetInt("conditions")
			cfg.MedicationsPerPatient, _ = f.GetInt("medications")
			cfg.DeathRate, _ = f.GetFloat64("death-rate")
			cfg.NoiseRate, _ = f.GetFloat64("noise")
			cfg.Seed, _ = f.GetInt64("seed")
			if asOf, _ := f.GetString("as-of"); asOf != "" {
				t, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				cfg.AsOf = t
			}
			dir, _ := f.GetString("dir")
			if dir == "" {
				dir = a.cfg.Source.Dir
			}

			res, err := sandbox.Generate(cfg, dir)
			if err != nil {
				return err
			}
			a.logger.Info().
				Str("dir", dir).
				Int("patients", res.Patients).
				Int("conditions", res.Conditions).
				Int("medications", res.Medications).
				Msg("synthetic export written")
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Int("patients", def.PatientCount, "Number of patients")
	cmd.Flags().Int("conditions", def.ConditionsPerPatient, "Conditions per patient")
	cmd.Flags().Int("medications", def.MedicationsPerPatient, "Medications per patient")
	cmd.Flags().Float64("death-rate", def.DeathRate, "Share of deceased patients")
	cmd.Flags().Float64("noise", def.NoiseRate, "Share of rows with values the mapper must fall back on")
	cmd.Flags().Int64("seed", def.Seed, "Generator seed")
	cmd.Flags().String("as-of", "", "Export date, YYYY-MM-DD")
	cmd.Flags().String("dir", "", "Output directory (defaults to source.dir)")
	return cmd
}
