// Package main is the entry point for the daily wager bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"daily-wager-bot/internal/bot"
	"daily-wager-bot/internal/chain"
	"daily-wager-bot/internal/config"
	"daily-wager-bot/internal/engine"
	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/flow"
	"daily-wager-bot/internal/handler"
	"daily-wager-bot/internal/metric"
	"daily-wager-bot/internal/model"
	"daily-wager-bot/internal/observability"
	"daily-wager-bot/internal/pkg/db"
	"daily-wager-bot/internal/pkg/queue"
	"daily-wager-bot/internal/pkg/schedule"
	"daily-wager-bot/internal/repository"
	"daily-wager-bot/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	observability.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("driver", cfg.Database.Driver).Msg("Configuration loaded successfully")

	// Cancelled on SIGINT/SIGTERM; the coordinator stops the workers
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Bot stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Bot stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Storage
	ledger, err := openLedger(ctx, &cfg.Database, reg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	// External sources
	metricSource := metric.NewClient(&cfg.Metric)
	settlement := chain.NewClient(&cfg.Etherscan)

	cutover, err := schedule.ParseCutover(cfg.Round.Cutover)
	if err != nil {
		return err
	}
	if err := initRound(ctx, ledger, metricSource, cutover, &cfg.Round); err != nil {
		return err
	}

	// Observability
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealth(metrics)

	// Transport
	telegram, err := bot.New(&cfg.Bot)
	if err != nil {
		return err
	}
	sender := observability.InstrumentTransport(telegram, metrics)
	alerter := observability.NewAlerter(sender, cfg.Admin.IDs)

	// Services and handlers
	accountService := service.NewAccountService(ledger, metricSource)
	adminService := service.NewAdminService(ledger, chain.ValidateWallet)
	commands := handler.New(accountService, adminService, sender, cfg.IsAdmin)
	machine := flow.New(flow.Config{
		Ledger:         ledger,
		Sender:         sender,
		ValidateWallet: chain.ValidateWallet,
		QRCodeURL:      flow.QRCodeURL(cfg.Round.QRURLTemplate),
	})

	// Engine
	timing := engine.Timing{
		StopLead:           cfg.Engine.StopLead,
		MinWait:            cfg.Engine.MinWait,
		MaxWait:            cfg.Engine.MaxWait,
		VerifyInterval:     cfg.Engine.VerifyInterval,
		MetricPollInterval: cfg.Engine.MetricPollInterval,
		DispatchPoll:       cfg.Engine.DispatchPoll,
		PollTimeout:        cfg.Bot.PollTimeout,
		IngestRetry:        cfg.Engine.IngestRetry,
		BroadcastRate:      cfg.Engine.BroadcastRate,
	}
	events := queue.New[event.Event]()
	ingest := engine.NewIngest(sender, events, metrics, timing)
	dispatcher := engine.NewDispatcher(engine.DispatcherDeps{
		Queue:    events,
		Ledger:   ledger,
		Account:  accountService,
		Commands: commands,
		Flow:     machine,
		Sender:   sender,
		Health:   health,
		Alerter:  alerter,
		Metrics:  metrics,
	}, timing)
	verifier := engine.NewVerifier(ledger, settlement, events, health, alerter, metrics)
	coordinator := engine.NewCoordinator(engine.CoordinatorDeps{
		Ledger:     ledger,
		Metric:     metricSource,
		Sender:     sender,
		Ingest:     ingest,
		Dispatcher: dispatcher,
		Verifier:   verifier,
		Cutover:    cutover,
		Health:     health,
		Alerter:    alerter,
		Metrics:    metrics,
	}, timing)

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := observability.Serve(ctx, cfg.Metrics.Addr, health.Handler(reg, ledger)); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().Int("admins", len(cfg.Admin.IDs)).Msg("Bot is starting...")
	return coordinator.Run(ctx)
}

// openLedger connects to the configured store and applies its schema.
// PostgreSQL pool statistics are registered with reg.
func openLedger(ctx context.Context, cfg *config.DatabaseConfig, reg prometheus.Registerer) (repository.Ledger, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return repository.NewSQLiteLedger(ctx, sqlDB)
	default:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := repository.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		reg.MustRegister(db.NewPoolCollector(pool))
		return repository.NewPostgresLedger(pool), nil
	}
}

// initRound stores the first round from configuration unless storage
// already holds one, in which case that round is resumed.
func initRound(ctx context.Context, ledger repository.Ledger, source engine.MetricSource, cutover *schedule.Cutover, cfg *config.RoundConfig) error {
	current, err := ledger.Round(ctx)
	if err == nil {
		log.Info().
			Str("round_id", current.ID.String()).
			Int64("control_value", current.ControlValue).
			Time("deadline", current.Deadline).
			Msg("Resuming persisted round")
		return nil
	}
	if !errors.Is(err, repository.ErrRoundNotFound) {
		return fmt.Errorf("failed to load round: %w", err)
	}

	fee, err := cfg.FeeDecimal()
	if err != nil {
		return err
	}
	amount, err := cfg.WagerAmountDecimal()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	round := &model.Round{
		ID:           uuid.New(),
		ControlValue: cfg.ControlValue,
		Deadline:     cutover.Next(now),
		Fee:          fee,
		WagerAmount:  amount,
		WalletA:      cfg.WalletA,
		WalletB:      cfg.WalletB,
		StartedAt:    now,
	}

	snap, err := source.Fetch(ctx)
	switch {
	case err == nil:
		round.MetricAsOf = snap.AsOf
		if round.ControlValue == 0 {
			round.ControlValue = snap.Value
		}
	case round.ControlValue == 0:
		return fmt.Errorf("failed to fetch initial control value: %w", err)
	default:
		// the coordinator takes the baseline from its first fetch
		log.Warn().Err(err).Msg("Failed to fetch metric baseline")
	}

	if !chain.ValidateWallet(round.WalletA) || !chain.ValidateWallet(round.WalletB) {
		log.Warn().Msg("Destination wallets are not configured, set them with /set_wallet")
	}

	if _, err := ledger.InitRound(ctx, round); err != nil {
		return fmt.Errorf("failed to initialize round: %w", err)
	}
	log.Info().
		Str("round_id", round.ID.String()).
		Int64("control_value", round.ControlValue).
		Time("deadline", round.Deadline).
		Msg("First round initialized")
	return nil
}
