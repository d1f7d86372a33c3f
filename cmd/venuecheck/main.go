package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange-core/internal/clock"
	"exchange-core/internal/config"
	"exchange-core/internal/connector"
	"exchange-core/internal/core"
	"exchange-core/internal/events"
	"exchange-core/internal/exchange/binance"
	"exchange-core/internal/logging"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Pair       string        `json:"pair"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	preflight bool
	lifecycle bool
	cancelAll bool
}

func main() {
	var (
		configPath   string
		envPath      string
		timeoutSec   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "dotenv file with exchange credentials")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "all", "checks to run: all | comma list (preflight,lifecycle,cancel_all)")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeTestnet && cfg.Mode != config.ModeLive {
		fatal("venuecheck requires mode=testnet or mode=live")
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := binance.NewClient(cfg.Exchange, cfg.TradingPairs, logger)
	if err != nil {
		fatal(err.Error())
	}
	conn, err := connector.New(client, connector.Options{
		InstanceID:     cfg.InstanceID + "check",
		PollInterval:   time.Duration(cfg.Connector.PollIntervalSec) * time.Second,
		StaleAfter:     time.Duration(cfg.Connector.StaleAfterSec) * time.Second,
		RequestTimeout: time.Duration(cfg.Connector.RequestTimeoutSec) * time.Second,
		FillEpsilon:    cfg.Connector.FillEpsilon.Decimal,
		Logger:         logger,
	})
	if err != nil {
		fatal(err.Error())
	}
	recorder := events.NewLogger()
	conn.SubscribeAll(recorder)

	clk, err := clock.New(clock.Realtime, clock.Options{Logger: logger})
	if err != nil {
		fatal(err.Error())
	}
	if err := clk.AddIterator(conn); err != nil {
		fatal(err.Error())
	}
	runCtx, stopClock := context.WithCancel(ctx)
	clockDone := make(chan error, 1)
	go func() { clockDone <- clk.RunUntil(runCtx, clk.Now().Add(24*time.Hour)) }()

	pair := cfg.TradingPairs[0]
	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode, Pair: pair}
	runCheck := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		res := checkResult{
			Name:       name,
			Status:     statusPass,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			res.Status = statusFail
			res.Error = err.Error()
		}
		r.Checks = append(r.Checks, res)
		fmt.Printf("%-12s %s %s %s\n", res.Status, name, res.Detail, res.Error)
	}

	if checks.preflight {
		runCheck("preflight", func() (string, error) {
			if err := waitUntil(ctx, conn.Ready); err != nil {
				return "", fmt.Errorf("connector not ready: %w", err)
			}
			bid, err := conn.Price(ctx, pair, false)
			if err != nil {
				return "", err
			}
			base, quote := core.SplitPair(pair)
			return fmt.Sprintf("bid=%s %s=%s %s=%s", bid, base, conn.Balance(base), quote, conn.Balance(quote)), nil
		})
	}
	if checks.lifecycle {
		runCheck("lifecycle", func() (string, error) {
			return runLifecycleCheck(ctx, conn, recorder, pair)
		})
	}
	if checks.cancelAll {
		runCheck("cancel_all", func() (string, error) {
			return runCancelAllCheck(ctx, conn, pair)
		})
	}

	stopClock()
	<-clockDone
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := clk.Stop(stopCtx); err != nil {
		logger.Warn("clock_stop_failed", zap.Error(err))
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fmt.Fprintf(os.Stderr, "write report failed: %v\n", err)
		}
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

// runLifecycleCheck rests a small buy well below the bid, then cancels it.
func runLifecycleCheck(ctx context.Context, conn *connector.Connector, recorder *events.Logger, pair string) (string, error) {
	if err := waitUntil(ctx, conn.Ready); err != nil {
		return "", err
	}
	id, err := placeRestingBuy(ctx, conn, pair)
	if err != nil {
		return "", err
	}
	created := func() bool { return hasEvent(recorder, events.KindBuyOrderCreated, id) }
	if err := waitUntil(ctx, created); err != nil {
		return "", fmt.Errorf("order %s not created: %w", id, err)
	}
	if err := conn.Cancel(pair, id); err != nil {
		return "", err
	}
	cancelled := func() bool { return hasEvent(recorder, events.KindOrderCancelled, id) }
	if err := waitUntil(ctx, cancelled); err != nil {
		return "", fmt.Errorf("order %s not cancelled: %w", id, err)
	}
	return "client_order_id=" + id, nil
}

func runCancelAllCheck(ctx context.Context, conn *connector.Connector, pair string) (string, error) {
	if err := waitUntil(ctx, conn.Ready); err != nil {
		return "", err
	}
	for i := 0; i < 2; i++ {
		if _, err := placeRestingBuy(ctx, conn, pair); err != nil {
			return "", err
		}
	}
	results := conn.CancelAll(ctx, 10*time.Second)
	var failed []string
	for _, res := range results {
		if !res.Success {
			failed = append(failed, res.ClientOrderID)
		}
	}
	if len(failed) > 0 {
		return "", fmt.Errorf("not cancelled: %s", strings.Join(failed, ","))
	}
	return fmt.Sprintf("cancelled=%d", len(results)), nil
}

func placeRestingBuy(ctx context.Context, conn *connector.Connector, pair string) (string, error) {
	rule, ok := conn.TradingRule(pair)
	if !ok {
		return "", fmt.Errorf("no trading rule for %s", pair)
	}
	bid, err := conn.Price(ctx, pair, false)
	if err != nil {
		return "", err
	}
	price, err := conn.QuantizePrice(pair, bid.Mul(decimal.RequireFromString("0.8")))
	if err != nil {
		return "", err
	}
	return conn.Buy(pair, minimalAmount(rule, price), core.LimitMaker, price)
}

// minimalAmount is the smallest step-aligned amount meeting the order size
// and notional minimums at price.
func minimalAmount(rule core.TradingRule, price decimal.Decimal) decimal.Decimal {
	amount := rule.MinOrderSize
	if rule.MinNotional.IsPositive() && price.IsPositive() {
		// 10% headroom so quantizing the price does not undershoot.
		byNotional := rule.MinNotional.Mul(decimal.RequireFromString("1.1")).Div(price)
		if byNotional.GreaterThan(amount) {
			amount = byNotional
		}
	}
	return roundUp(amount, rule.MinAmountIncrement)
}

func roundUp(value, step decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() || !step.IsPositive() {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

func hasEvent(recorder *events.Logger, kind events.Kind, id string) bool {
	for _, ev := range recorder.OfKind(kind) {
		if ev.OrderID() == id {
			return true
		}
	}
	return false
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return selectedChecks{preflight: true, lifecycle: true, cancelAll: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "preflight":
			out.preflight = true
		case "lifecycle", "order_lifecycle":
			out.lifecycle = true
		case "cancel_all", "cancelall":
			out.cancelAll = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.preflight && !out.lifecycle && !out.cancelAll {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func printSummary(r report) {
	pass, fail := 0, 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary mode=%s pair=%s pass=%d fail=%d duration=%s\n",
		r.Mode,
		r.Pair,
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
