package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-core/internal/alert"
	"exchange-core/internal/clock"
	"exchange-core/internal/config"
	"exchange-core/internal/connector"
	"exchange-core/internal/core"
	"exchange-core/internal/events"
	"exchange-core/internal/exchange"
	"exchange-core/internal/exchange/binance"
	"exchange-core/internal/exchange/paper"
	"exchange-core/internal/fees"
	"exchange-core/internal/instance"
	"exchange-core/internal/logging"
	"exchange-core/internal/safety"
)

const (
	shutdownCancelTimeout = 5 * time.Second
	shutdownTimeout       = 10 * time.Second
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "dotenv file with exchange credentials (default .env when present)")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("connectord_stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	lock, err := instance.Acquire(stateDir(cfg), instance.Options{
		Owner:      instance.Owner{InstanceID: cfg.InstanceID, Mode: string(cfg.Mode)},
		Takeover:   lockTakeover(cfg),
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("instance_lock_release_failed", zap.Error(relErr))
		}
	}()

	overrides := fees.NewOverrides()
	if cfg.Fees.OverridesPath != "" {
		if err := overrides.Load(cfg.Fees.OverridesPath); err != nil {
			return err
		}
	}

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("alert_manager_close_failed", zap.Error(err))
			}
		}()
	}

	adapter, err := buildAdapter(cfg, alerts, logger)
	if err != nil {
		return err
	}
	conn, err := connector.New(adapter, connector.Options{
		InstanceID:            cfg.InstanceID,
		PollInterval:          time.Duration(cfg.Connector.PollIntervalSec) * time.Second,
		StaleAfter:            time.Duration(cfg.Connector.StaleAfterSec) * time.Second,
		QueueSize:             cfg.Connector.QueueSize,
		MaxConcurrentRequests: cfg.Connector.MaxConcurrentRequests,
		RequestTimeout:        time.Duration(cfg.Connector.RequestTimeoutSec) * time.Second,
		FillEpsilon:           cfg.Connector.FillEpsilon.Decimal,
		Overrides:             overrides,
		Logger:                logger,
	})
	if err != nil {
		return err
	}
	conn.SubscribeAll(eventLog(logger))
	if alerts != nil {
		conn.Subscribe(events.KindOrderFailed, alert.OrderFailures(alerts))
	}

	clk, target, err := buildClock(cfg, logger)
	if err != nil {
		return err
	}
	if err := clk.AddIterator(conn); err != nil {
		return err
	}
	logger.Info("connectord_started",
		zap.String("mode", string(cfg.Mode)),
		zap.String("venue", adapter.Name()),
		zap.Strings("pairs", cfg.TradingPairs),
		zap.String("clock", string(clk.Mode())),
	)

	runErr := clk.RunUntil(ctx, target)
	shutdown(conn, clk, logger)
	return runErr
}

// shutdown cancels live orders and stops the clock's iterators. The
// connector keeps ticking while cancels are confirmed.
func shutdown(conn *connector.Connector, clk *clock.Clock, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	results := conn.CancelAll(ctx, shutdownCancelTimeout)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logger.Info("cancel_all_finished", zap.Int("orders", len(results)), zap.Int("not_cancelled", failed))
	if err := clk.Stop(ctx); err != nil {
		logger.Warn("clock_stop_failed", zap.Error(err))
	}
}

func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.InstanceID)
}

func lockTakeover(cfg config.Config) bool {
	if cfg.State.LockTakeover == nil {
		return true
	}
	return *cfg.State.LockTakeover
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		BaseURL:  tg.APIBaseURL,
		Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
	})
	venue := "paper"
	if cfg.Mode != config.ModePaper {
		venue = "binance"
	}
	return alert.NewManagerWithOptions(cfg.InstanceID, venue, notifier, alert.ManagerOptions{
		QueueSize:          cfg.Alerts.QueueSize,
		DropReportInterval: time.Duration(cfg.Alerts.DropReportSec) * time.Second,
		Logger:             logger,
	})
}

func buildAdapter(cfg config.Config, alerts *alert.Manager, logger *zap.Logger) (exchange.Adapter, error) {
	if cfg.Mode == config.ModePaper {
		return buildPaper(cfg, logger)
	}
	var alerter alert.Alerter
	if alerts != nil {
		alerter = alerts
	}
	cb := cfg.CircuitBreaker
	breaker := safety.NewBreaker("user_stream", safety.Options{
		Enabled:     cb.Enabled,
		MaxFailures: cb.MaxReconnectFailures,
		Cooldown:    time.Duration(cb.ReconnectCooldownSec) * time.Second,
		ProbePasses: cb.ReconnectProbePasses,
		Alerter:     alerter,
		Logger:      logger,
	})
	client := binance.NewClientWithOptions(binance.Options{
		APIKey:                 cfg.Exchange.APIKey,
		APISecret:              cfg.Exchange.APISecret,
		RestBaseURL:            cfg.Exchange.RestBaseURL,
		WSBaseURL:              cfg.Exchange.WSBaseURL,
		Pairs:                  cfg.TradingPairs,
		RecvWindowMs:           cfg.Exchange.RecvWindowMs,
		HTTPTimeoutSec:         cfg.Exchange.HTTPTimeoutSec,
		UserStreamKeepaliveSec: cfg.Exchange.UserStreamKeepaliveSec,
		ReconnectMaxBackoffSec: cfg.Exchange.ReconnectMaxBackoffSec,
		MakerFee:               cfg.Exchange.MakerFee.Decimal,
		TakerFee:               cfg.Exchange.TakerFee.Decimal,
		Breaker:                breaker,
		Logger:                 logger,
	})
	client.SetAlerter(alerter)
	return client, nil
}

func buildPaper(cfg config.Config, logger *zap.Logger) (*paper.Exchange, error) {
	rules := make(map[string]core.TradingRule, len(cfg.Paper.Rules))
	for pair, r := range cfg.Paper.Rules {
		rules[pair] = core.TradingRule{
			Pair:               pair,
			MinPriceIncrement:  r.MinPriceIncrement.Decimal,
			MinAmountIncrement: r.MinAmountIncrement.Decimal,
			MinOrderSize:       r.MinOrderSize.Decimal,
			MinNotional:        r.MinNotional.Decimal,
		}
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Paper.Balances))
	for asset, amount := range cfg.Paper.Balances {
		balances[asset] = amount.Decimal
	}
	books := make(map[string]paper.Book, len(cfg.Paper.Books))
	for pair, b := range cfg.Paper.Books {
		books[pair] = paper.Book{Bid: b.Bid.Decimal, Ask: b.Ask.Decimal}
	}
	return paper.New(paper.Config{
		Rules:    rules,
		Balances: balances,
		Books:    books,
		MakerFee: cfg.Paper.MakerFee.Decimal,
		TakerFee: cfg.Paper.TakerFee.Decimal,
		Logger:   logger.Named("paper"),
	})
}

// buildClock returns the clock and the tick to run until. A realtime clock
// without run_sec runs until the process is signalled.
func buildClock(cfg config.Config, logger *zap.Logger) (*clock.Clock, time.Time, error) {
	opts := clock.Options{
		TickSize:        time.Duration(cfg.Clock.TickSec) * time.Second,
		IteratorTimeout: time.Duration(cfg.Clock.IteratorTimeoutMs) * time.Millisecond,
		Logger:          logger,
	}
	mode := clock.Realtime
	if cfg.Clock.Mode == config.ClockBacktest {
		start, err := cfg.Clock.Start()
		if err != nil {
			return nil, time.Time{}, err
		}
		mode = clock.Backtest
		opts.Start = start
	}
	clk, err := clock.New(mode, opts)
	if err != nil {
		return nil, time.Time{}, err
	}
	run := time.Duration(cfg.Clock.RunSec) * time.Second
	if run <= 0 {
		run = 100 * 365 * 24 * time.Hour
	}
	return clk, clk.Now().Add(run), nil
}

func eventLog(logger *zap.Logger) events.Listener {
	return events.ListenerFunc(func(ev events.Event) {
		fields := []zap.Field{
			zap.String("kind", string(ev.Kind())),
			zap.String("client_order_id", ev.OrderID()),
			zap.Time("at", ev.At()),
		}
		switch e := ev.(type) {
		case events.OrderFilled:
			fields = append(fields, zap.String("amount", e.Amount.String()), zap.String("price", e.Price.String()))
		case events.OrderFailed:
			fields = append(fields, zap.String("reason", e.Reason))
		}
		logger.Info("order_event", fields...)
	})
}
