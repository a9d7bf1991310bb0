package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/database"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/repository"
	"github.com/gotrs-io/gotrs-sla/internal/services/calendar"
)

// slaStore is implemented by both the memory and the SQL repository.
type slaStore interface {
	repository.TierStore
	repository.RuleStore
	repository.BreachStore
	repository.CaseHistoryStore
	repository.MetricsStore
}

// loadConfig reads the configuration directory and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	if err := config.Load(configDir); err != nil {
		return nil, nil, err
	}
	cfg := config.Get()
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// openStore returns the configured repository. db is nil for the memory driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (slaStore, *sqlx.DB, error) {
	if cfg.Driver == database.DriverMemory {
		logger.Warn("using in-memory store; configuration and history are lost on restart")
		return repository.NewMemorySLARepository(), nil, nil
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrated", zap.String("driver", cfg.Driver))
	}
	return repository.NewSQLSLARepository(db), db, nil
}

// applySeed loads the configured seed file into store. The memory driver
// falls back to the built-in demo configuration so a bare start is usable.
func applySeed(ctx context.Context, cfg *config.Config, store slaStore, logger *zap.Logger) error {
	var (
		seed *repository.Seed
		err  error
	)
	switch {
	case cfg.Seed.File != "":
		seed, err = repository.LoadSeed(cfg.Seed.File)
	case cfg.Database.Driver == database.DriverMemory:
		seed, err = repository.FixtureSeed()
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if err := seed.Check(); err != nil {
		return err
	}
	if err := seed.Apply(ctx, store, store); err != nil {
		return err
	}
	logger.Info("seed applied",
		zap.String("file", cfg.Seed.File),
		zap.Int("tiers", len(seed.Tiers)),
		zap.Int("rules", len(seed.Rules)))
	return nil
}

// loadCalendars builds the calendar service from calendar.file.
func loadCalendars(cfg config.CalendarConfig, logger *zap.Logger) (*calendar.Service, error) {
	zone := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar.timezone: %w", err)
		}
		zone = loc
	}
	svc := calendar.NewService(zone, logger)
	if cfg.File != "" {
		if err := svc.LoadFile(cfg.File); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func parseMethods(names []string) (models.MethodList, error) {
	out := make(models.MethodList, 0, len(names))
	for _, n := range names {
		m := models.NotificationMethod(n)
		if !m.Valid() {
			return nil, fmt.Errorf("unknown notification method %q", n)
		}
		out = append(out, m)
	}
	return out.Dedup(), nil
}
