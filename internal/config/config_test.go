package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const paperConfig = `
trading_pairs: [dash-btc]

paper:
  balances:
    btc: "1"
    DASH: "10"
  rules:
    DASH-BTC:
      min_price_increment: "0.000001"
      min_amount_increment: "0.001"
      min_order_size: "0.001"
      min_notional: "0.0001"
  books:
    dash-btc:
      bid: "0.0104"
      ask: "0.0105"
  maker_fee: "0.0015"
  taker_fee: "0.0025"
`

func TestLoadPaperDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, paperConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModePaper {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModePaper)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
	if len(cfg.TradingPairs) != 1 || cfg.TradingPairs[0] != "DASH-BTC" {
		t.Fatalf("trading_pairs = %v, want [DASH-BTC]", cfg.TradingPairs)
	}
	if cfg.Clock.Mode != ClockRealtime || cfg.Clock.TickSec != 1 {
		t.Fatalf("clock = %+v, want realtime with 1s tick", cfg.Clock)
	}
	if cfg.Connector.PollIntervalSec != 10 || cfg.Connector.StaleAfterSec != 30 {
		t.Fatalf("connector intervals = %d/%d, want 10/30", cfg.Connector.PollIntervalSec, cfg.Connector.StaleAfterSec)
	}
	if cfg.Connector.QueueSize != 1024 || cfg.Connector.MaxConcurrentRequests != 8 {
		t.Fatalf("connector limits = %d/%d, want 1024/8", cfg.Connector.QueueSize, cfg.Connector.MaxConcurrentRequests)
	}
	if !cfg.Connector.FillEpsilon.Equal(decimal.New(1, -8)) {
		t.Fatalf("connector.fill_epsilon = %s, want 1e-8", cfg.Connector.FillEpsilon.String())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Fatalf("log = %+v, want info/console", cfg.Log)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover should default to true")
	}
	if cfg.State.LockStaleSec != 600 {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
	if _, ok := cfg.Paper.Balances["BTC"]; !ok {
		t.Fatalf("paper balances should be keyed by upper-case asset, got %v", cfg.Paper.Balances)
	}
	if _, ok := cfg.Paper.Books["DASH-BTC"]; !ok {
		t.Fatalf("paper books should be keyed by normalized pair, got %v", cfg.Paper.Books)
	}
	if !cfg.Paper.TakerFee.Equal(decimal.RequireFromString("0.0025")) {
		t.Fatalf("paper.taker_fee = %s, want 0.0025", cfg.Paper.TakerFee.String())
	}
	if cfg.Exchange.RestBaseURL != "" {
		t.Fatalf("paper mode should not default rest_base_url, got %q", cfg.Exchange.RestBaseURL)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+`
connector:
  poll_interval: 5
`)
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	if !strings.Contains(err.Error(), "field poll_interval not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+"\n---\nmode: live\n")
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("expected single document error, got %v", err)
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	cfgPath := writeTempConfig(t, "mode: backtest\n"+paperConfig)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "mode must be paper, testnet, or live") {
		t.Fatalf("expected mode error, got %v", err)
	}
}

func TestLoadRejectsMalformedPair(t *testing.T) {
	cfgPath := writeTempConfig(t, `
trading_pairs: [DASHBTC]
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "BASE-QUOTE") {
		t.Fatalf("expected pair format error, got %v", err)
	}
}

func TestLoadPaperRequiresRulesAndBooks(t *testing.T) {
	cfgPath := writeTempConfig(t, `
trading_pairs: [DASH-BTC, ETH-BTC]
paper:
  rules:
    DASH-BTC: {}
  books:
    DASH-BTC: {bid: "1", ask: "2"}
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "paper.rules.ETH-BTC is required") {
		t.Fatalf("expected missing rules error, got %v", err)
	}
}

func TestLoadPaperRejectsCrossedBook(t *testing.T) {
	cfgPath := writeTempConfig(t, `
trading_pairs: [DASH-BTC]
paper:
  rules:
    DASH-BTC: {}
  books:
    DASH-BTC: {bid: "2", ask: "1"}
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "bid must be below ask") {
		t.Fatalf("expected crossed book error, got %v", err)
	}
}

func TestLoadBacktestClock(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+`
clock:
  mode: BACKTEST
  tick_sec: 5
  backtest_start: "2024-01-02T03:04:05Z"
  run_sec: 600
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Clock.Mode != ClockBacktest {
		t.Fatalf("clock.mode = %q, want backtest", cfg.Clock.Mode)
	}
	start, err := cfg.Clock.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !start.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("backtest start = %s", start)
	}
}

func TestLoadBacktestClockRequiresStartAndDuration(t *testing.T) {
	cases := map[string]string{
		"clock.backtest_start is required":     "clock:\n  mode: backtest\n  run_sec: 10\n",
		"clock.run_sec is required":            "clock:\n  mode: backtest\n  backtest_start: \"2024-01-02T03:04:05Z\"\n",
		"clock.backtest_start must be RFC3339": "clock:\n  mode: backtest\n  backtest_start: yesterday\n  run_sec: 10\n",
	}
	for want, extra := range cases {
		_, err := Load(writeTempConfig(t, paperConfig+extra))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q, got %v", want, err)
		}
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cfgPath := writeTempConfig(t, `
mode: live
trading_pairs: [BTC-USDT]
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "api_key/api_secret are required") {
		t.Fatalf("expected credentials error, got %v", err)
	}
}

func TestLoadCredentialsFromEnvironment(t *testing.T) {
	t.Setenv(EnvAPIKey, " env-key ")
	t.Setenv(EnvAPISecret, "env-secret")
	cfgPath := writeTempConfig(t, `
mode: testnet
trading_pairs: [BTC-USDT]
exchange:
  api_key: file-key
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("credentials = %q/%q, want env values", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
	if cfg.Exchange.RestBaseURL != "https://testnet.binance.vision" {
		t.Fatalf("rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if !strings.HasPrefix(cfg.Exchange.WSBaseURL, "wss://ws-api.testnet.binance.vision") {
		t.Fatalf("ws_base_url = %q", cfg.Exchange.WSBaseURL)
	}
	if !cfg.Exchange.TakerFee.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("exchange.taker_fee = %s, want 0.001", cfg.Exchange.TakerFee.String())
	}
}

func TestLoadDotEnvFillsMissingVariables(t *testing.T) {
	t.Setenv(EnvAPIKey, "already-set")
	t.Setenv(EnvAPISecret, "")
	os.Unsetenv(EnvAPISecret)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(EnvAPIKey+"=from-file\n"+EnvAPISecret+"=secret-from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv(EnvAPIKey); got != "already-set" {
		t.Fatalf("%s = %q, existing value must win", EnvAPIKey, got)
	}
	if got := os.Getenv(EnvAPISecret); got != "secret-from-file" {
		t.Fatalf("%s = %q, want secret-from-file", EnvAPISecret, got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}

func TestLoadRejectsInvalidExchangeWSBaseURLScheme(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cfgPath := writeTempConfig(t, `
mode: live
trading_pairs: [BTC-USDT]
exchange:
  api_key: k
  api_secret: s
  ws_base_url: https://ws-api.binance.com/ws-api/v3
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "exchange ws_base_url scheme must be ws or wss") {
		t.Fatalf("expected ws scheme error, got %v", err)
	}
}

func TestLoadRejectsConnectorRanges(t *testing.T) {
	cases := map[string]string{
		"connector.poll_interval_sec":       "connector:\n  poll_interval_sec: -1\n",
		"connector.max_concurrent_requests": "connector:\n  max_concurrent_requests: 1000\n",
		"connector.fill_epsilon":            "connector:\n  fill_epsilon: \"-0.1\"\n",
	}
	for want, extra := range cases {
		_, err := Load(writeTempConfig(t, paperConfig+extra))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q error, got %v", want, err)
		}
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+`
alerts:
  telegram:
    enabled: false
    api_base_url: ftp://example.com
`)
	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadTelegramEnabledRequiresChat(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+`
alerts:
  telegram:
    enabled: true
    bot_token: abc
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "alerts.telegram.chat_id is required") {
		t.Fatalf("expected chat_id error, got %v", err)
	}
}

func TestLoadStateLockTakeoverCanDisableExplicitly(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+`
state:
  lock_takeover: false
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.LockTakeover == nil || *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover should stay false when set explicitly")
	}
}

func TestDecimalRejectsNonScalar(t *testing.T) {
	cfgPath := writeTempConfig(t, paperConfig+`
connector:
  fill_epsilon: [1]
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "decimal must be a scalar") {
		t.Fatalf("expected scalar error, got %v", err)
	}
}

func TestDecimalAcceptsPercent(t *testing.T) {
	doc := strings.Replace(paperConfig, `maker_fee: "0.0015"`, `maker_fee: "0.15%"`, 1)
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !cfg.Paper.MakerFee.Equal(decimal.RequireFromString("0.0015")) {
		t.Fatalf("maker_fee = %s, want 0.0015", cfg.Paper.MakerFee)
	}

	bad := strings.Replace(paperConfig, `maker_fee: "0.0015"`, `maker_fee: "abc%"`, 1)
	if _, err := Parse([]byte(bad)); err == nil || !strings.Contains(err.Error(), "invalid decimal") {
		t.Fatalf("Parse(bad percent) error = %v, want invalid decimal", err)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
