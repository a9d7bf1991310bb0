package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/auth"
	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/database"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/metrics"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the SLA tables on the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver == database.DriverMemory {
			return errors.New("database.driver is memory; nothing to migrate")
		}
		db, err := database.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

var checkSeedFile string

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the engine configuration, calendars and an SLA seed file",
	Long: `check-config loads the configuration directory, the calendar file and the
seed file (--seed, or seed.file from the configuration) and reports every
problem found without touching the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		path := checkSeedFile
		if path == "" {
			path = cfg.Seed.File
		}
		return checkConfig(cmd.Context(), cmd.OutOrStdout(), cfg, path, logger)
	},
}

func checkConfig(ctx context.Context, out io.Writer, cfg *config.Config, seedPath string, logger *zap.Logger) error {
	var problems []string

	cals, err := loadCalendars(cfg.Calendar, logger)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := parseMethods(cfg.Dispatch.BreachMethods); err != nil {
		problems = append(problems, "dispatch.breach_methods: "+err.Error())
	}

	var seed *repository.Seed
	if seedPath == "" {
		seed, err = repository.FixtureSeed()
		seedPath = "built-in demo seed"
	} else {
		seed, err = repository.LoadSeed(seedPath)
	}
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		if err := seed.Check(); err != nil {
			problems = append(problems, err.Error())
		}
		store := repository.NewMemorySLARepository()
		if err := seed.Apply(ctx, store, store); err != nil {
			problems = append(problems, err.Error())
		} else if snap, err := repository.LoadSnapshot(ctx, store, store, time.Now()); err != nil {
			problems = append(problems, err.Error())
		} else {
			for _, m := range snap.MissingTargets() {
				problems = append(problems, "missing target: "+m)
			}
			if _, ok := snap.Tier(cfg.Engine.DefaultTier); cfg.Engine.DefaultTier != "" && !ok {
				problems = append(problems, fmt.Sprintf("engine.default_tier %q is not defined", cfg.Engine.DefaultTier))
			}
			if cals != nil {
				tiers, _ := snap.ListTiers(ctx, true)
				for _, t := range tiers {
					if t.CalendarName != "" && !cals.Has(t.CalendarName) {
						problems = append(problems, fmt.Sprintf("tier %s: unknown calendar %q", t.ID, t.CalendarName))
					}
				}
			}
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(out, "  -", p)
		}
		return fmt.Errorf("%d configuration problem(s) in %s", len(problems), seedPath)
	}
	fmt.Fprintf(out, "configuration OK (%s, %d tiers, %d rules)\n", seedPath, len(seed.Tiers), len(seed.Rules))
	return nil
}

var (
	reportSLA    string
	reportPeriod string
	reportFrom   string
	reportTo     string
	reportFormat string
	reportOut    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export stored compliance metrics for one tier as CSV or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver == database.DriverMemory {
			return errors.New("report reads stored metrics; configure a SQL database")
		}
		period, err := models.ParsePeriod(reportPeriod)
		if err != nil {
			return err
		}
		from, err := parseDate(reportFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parseDate(reportTo)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		store, db, err := openStore(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		ms, err := store.ListMetrics(cmd.Context(), reportSLA, period, from, to)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if reportOut != "" && reportOut != "-" {
			f, err := os.Create(reportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		rows := metrics.ReportRows(ms)
		switch strings.ToLower(reportFormat) {
		case "csv":
			return metrics.ExportCSV(out, rows)
		case "xlsx":
			return metrics.ExportXLSX(out, rows)
		}
		return fmt.Errorf("unknown format %q (csv or xlsx)", reportFormat)
	},
}

var (
	tokenSubject string
	tokenRole    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token signed with server.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := issueToken(cfg.Server, tokenSubject, auth.Role(tokenRole))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func issueToken(cfg config.ServerConfig, subject string, role auth.Role) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("server.jwt_secret is not set")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q (ingest, viewer or admin)", role)
	}
	return auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL).GenerateToken(subject, role)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func init() {
	checkConfigCmd.Flags().StringVar(&checkSeedFile, "seed", "", "Seed file to validate (yaml, json or toml)")

	reportCmd.Flags().StringVar(&reportSLA, "sla", "", "Tier id")
	reportCmd.Flags().StringVar(&reportPeriod, "period", string(models.PeriodDay), "day, week, month or quarter")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First period start (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "End of range, exclusive (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "csv", "csv or xlsx")
	reportCmd.Flags().StringVarP(&reportOut, "output", "o", "-", "Output file, - for stdout")
	_ = reportCmd.MarkFlagRequired("sla")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "case-system", "Name of the calling system")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleIngest), "ingest, viewer or admin")
}
