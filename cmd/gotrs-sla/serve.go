package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/gotrs-sla/internal/api"
	"github.com/gotrs-io/gotrs-sla/internal/auth"
	"github.com/gotrs-io/gotrs-sla/internal/cache"
	"github.com/gotrs-io/gotrs-sla/internal/clock"
	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/mailqueue"
	"github.com/gotrs-io/gotrs-sla/internal/monitoring"
	"github.com/gotrs-io/gotrs-sla/internal/notifications"
	"github.com/gotrs-io/gotrs-sla/internal/operator"
	"github.com/gotrs-io/gotrs-sla/internal/retry"
	"github.com/gotrs-io/gotrs-sla/internal/runner"
	"github.com/gotrs-io/gotrs-sla/internal/runner/tasks"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/services/engine"
	"github.com/gotrs-io/gotrs-sla/internal/services/target"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: HTTP API, scheduled ticks and notification delivery",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	if err := applySeed(ctx, cfg, store, logger); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	cals, err := loadCalendars(cfg.Calendar, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.New(reg)
	ops := operator.NewQueue(cfg.Dispatch.OperatorCapacity, logger)

	seen, closeSeen, err := seenSet(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeSeen()

	disp := dispatch.NewDispatcher(cfg.Dispatch, seen,
		dispatch.WithOperatorQueue(ops),
		dispatch.WithMetrics(metrics),
		dispatch.WithLogger(logger))

	mail := mailStore(db)
	hub, closeHub, err := registerChannels(cfg, disp, mail, logger)
	if err != nil {
		return err
	}
	defer closeHub()

	breachMethods, err := parseMethods(cfg.Dispatch.BreachMethods)
	if err != nil {
		return fmt.Errorf("dispatch.breach_methods: %w", err)
	}
	eng, err := engine.New(cfg.Engine,
		engine.Stores{Tiers: store, Rules: store, Breaches: store, History: store, Metrics: store},
		engine.WithCalculator(target.NewCalculator(cals,
			target.WithTimeout(cfg.Engine.ExternalTimeout),
			target.WithLogger(logger))),
		engine.WithDispatcher(disp),
		engine.WithBreachRouting(cfg.Dispatch.BreachRecipient, breachMethods),
		engine.WithOperatorQueue(ops),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger))
	if err != nil {
		return err
	}
	if _, err := eng.Refresh(ctx); err != nil {
		logger.Warn("initial configuration load failed, retrying on first tick", zap.Error(err))
	}

	registry := runner.NewTaskRegistry()
	registry.Register(tasks.NewEvaluationTask(eng, cfg.Runner))
	registry.Register(tasks.NewRollupTask(eng, cfg.Runner))
	registry.Register(tasks.NewArchiveTask(eng, cfg.Runner))
	registry.Register(tasks.NewEmailQueueTask(mailSender(cfg, mail, ops, logger), cfg.Channels.Email.Enabled, cfg.Runner, logger))
	sched := runner.NewRunner(registry, runner.WithLogger(logger), runner.WithoutSignals())

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := api.Deps{
		Engine:      eng,
		Tiers:       store,
		Rules:       store,
		Breaches:    store,
		Metrics:     store,
		Operator:    ops,
		Inbox:       hub,
		MetricsPath: cfg.Metrics.Path,
		Logger:      logger,
	}
	if cfg.Metrics.Enabled {
		deps.Gatherer = reg
	}
	if cfg.Server.JWTSecret != "" {
		deps.Auth = auth.NewJWTManager(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	} else {
		logger.Warn("server.jwt_secret is empty; the API is unauthenticated")
	}
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disp.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	disp.Close()
	logger.Info("engine stopped", zap.Int("cases_tracked", eng.Tracker().Len()))
	return err
}

// seenSet returns the shared Redis seen-set when enabled, otherwise a
// process-local one.
func seenSet(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (dispatch.SeenSet, func(), error) {
	if !cfg.Enabled {
		return dispatch.NewMemorySeenSet(clock.Real{}), func() {}, nil
	}
	rs, err := cache.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}

func mailStore(db *sqlx.DB) mailqueue.Store {
	if db == nil {
		return mailqueue.NewMemoryStore()
	}
	return mailqueue.NewMailQueueRepository(db)
}

// registerChannels registers the enabled channel adapters with disp and
// returns the in-app hub backing the inbox endpoint.
func registerChannels(cfg *config.Config, disp *dispatch.Dispatcher, mail mailqueue.Store, logger *zap.Logger) (notifications.Hub, func(), error) {
	renderer := notifications.NewRenderer()
	ch := cfg.Channels

	if ch.Email.Enabled {
		disp.Register(notifications.NewEmailAdapter(mail, renderer,
			notifications.Directory(ch.Recipients), ch.Email.From, ch.Email.Domain, logger))
	}
	if ch.SMS.Enabled {
		disp.Register(notifications.NewSMSAdapter(ch.SMS.GatewayURL, ch.SMS.Token, ch.SMS.Timeout,
			renderer, notifications.Directory(ch.SMS.Recipients)))
	}

	hub := notifications.NewMemoryHub(ch.InApp.Capacity)
	closeHub := func() {}
	if ch.InApp.Enabled {
		var publisher notifications.Publisher
		if cfg.NATS.Enabled {
			p, err := notifications.ConnectNATS(cfg.NATS)
			if err != nil {
				return nil, nil, err
			}
			publisher = p
			closeHub = func() { _ = p.Close() }
		}
		disp.Register(notifications.NewInAppAdapter(hub, publisher, renderer, logger))
	}
	return hub, closeHub, nil
}

// mailSender flushes queued mail over SMTP and files messages that used up
// their attempts with the operator queue.
func mailSender(cfg *config.Config, store mailqueue.Store, ops *operator.Queue, logger *zap.Logger) *mailqueue.Sender {
	email := cfg.Channels.Email
	return mailqueue.NewSender(store,
		notifications.NewSMTPTransport(email.SMTP, email.From),
		email.MaxAttempts, email.BatchSize,
		mailqueue.WithSenderLogger(logger),
		mailqueue.WithBackoff(retry.Policy{
			MaxAttempts: email.MaxAttempts,
			Initial:     cfg.Dispatch.Retry.InitialBackoff,
			Max:         cfg.Dispatch.Retry.MaxBackoff,
			Multiplier:  2,
		}),
		mailqueue.WithFailureReporter(func(item *mailqueue.MailQueueItem, err error) {
			caseID := ""
			if item.CaseID != nil {
				caseID = *item.CaseID
			}
			ops.Report(operator.KindDeliveryFailed, caseID, "mailqueue", err.Error(),
				map[string]string{"recipient": item.Recipient, "attempts": strconv.Itoa(item.Attempts)})
		}))
}
