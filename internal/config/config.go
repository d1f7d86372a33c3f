package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type ClockMode string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	ClockRealtime ClockMode = "realtime"
	ClockBacktest ClockMode = "backtest"
)

const (
	EnvAPIKey    = "EXCHANGE_API_KEY"
	EnvAPISecret = "EXCHANGE_API_SECRET"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	InstanceID     string               `yaml:"instance_id"`
	TradingPairs   []string             `yaml:"trading_pairs"`
	Clock          ClockConfig          `yaml:"clock"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Paper          PaperConfig          `yaml:"paper"`
	Connector      ConnectorConfig      `yaml:"connector"`
	Fees           FeesConfig           `yaml:"fees"`
	Log            LogConfig            `yaml:"log"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Alerts         AlertsConfig         `yaml:"alerts"`
}

type ClockConfig struct {
	Mode              ClockMode `yaml:"mode"`
	TickSec           int64     `yaml:"tick_sec"`
	IteratorTimeoutMs int64     `yaml:"iterator_timeout_ms"`
	BacktestStart     string    `yaml:"backtest_start"`
	RunSec            int64     `yaml:"run_sec"`
}

// Start parses backtest_start as RFC3339.
func (c ClockConfig) Start() (time.Time, error) {
	if c.BacktestStart == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, c.BacktestStart)
}

type ExchangeConfig struct {
	APIKey                 string  `yaml:"api_key"`
	APISecret              string  `yaml:"api_secret"`
	RestBaseURL            string  `yaml:"rest_base_url"`
	WSBaseURL              string  `yaml:"ws_base_url"`
	RecvWindowMs           int64   `yaml:"recv_window_ms"`
	HTTPTimeoutSec         int64   `yaml:"http_timeout_sec"`
	UserStreamKeepaliveSec int64   `yaml:"user_stream_keepalive_sec"`
	ReconnectMaxBackoffSec int64   `yaml:"reconnect_max_backoff_sec"`
	MakerFee               Decimal `yaml:"maker_fee"`
	TakerFee               Decimal `yaml:"taker_fee"`
}

type PaperConfig struct {
	Balances map[string]Decimal   `yaml:"balances"`
	Rules    map[string]PaperRule `yaml:"rules"`
	Books    map[string]PaperBook `yaml:"books"`
	MakerFee Decimal              `yaml:"maker_fee"`
	TakerFee Decimal              `yaml:"taker_fee"`
}

type PaperRule struct {
	MinPriceIncrement  Decimal `yaml:"min_price_increment"`
	MinAmountIncrement Decimal `yaml:"min_amount_increment"`
	MinOrderSize       Decimal `yaml:"min_order_size"`
	MinNotional        Decimal `yaml:"min_notional"`
}

type PaperBook struct {
	Bid Decimal `yaml:"bid"`
	Ask Decimal `yaml:"ask"`
}

type ConnectorConfig struct {
	PollIntervalSec       int64   `yaml:"poll_interval_sec"`
	StaleAfterSec         int64   `yaml:"stale_after_sec"`
	QueueSize             int     `yaml:"queue_size"`
	MaxConcurrentRequests int64   `yaml:"max_concurrent_requests"`
	RequestTimeoutSec     int64   `yaml:"request_timeout_sec"`
	FillEpsilon           Decimal `yaml:"fill_epsilon"`
}

type FeesConfig struct {
	OverridesPath string `yaml:"overrides_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type AlertsConfig struct {
	Telegram      TelegramConfig `yaml:"telegram"`
	QueueSize     int            `yaml:"queue_size"`
	DropReportSec int64          `yaml:"drop_report_sec"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a single YAML document, overlays credentials from the
// environment and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	if err := dec.Decode(new(yaml.Node)); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Exchange.APISecret = v
	}
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	pairs := c.TradingPairs[:0]
	for _, p := range c.TradingPairs {
		p = normalizePair(p)
		if p != "" {
			pairs = append(pairs, p)
		}
	}
	c.TradingPairs = pairs
	c.Clock.Mode = ClockMode(strings.ToLower(strings.TrimSpace(string(c.Clock.Mode))))
	c.Clock.BacktestStart = strings.TrimSpace(c.Clock.BacktestStart)
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Paper.Rules = normalizePairKeys(c.Paper.Rules)
	c.Paper.Books = normalizePairKeys(c.Paper.Books)
	if len(c.Paper.Balances) > 0 {
		balances := make(map[string]Decimal, len(c.Paper.Balances))
		for asset, v := range c.Paper.Balances {
			balances[strings.ToUpper(strings.TrimSpace(asset))] = v
		}
		c.Paper.Balances = balances
	}
	c.Fees.OverridesPath = strings.TrimSpace(c.Fees.OverridesPath)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Alerts.Telegram.BotToken = strings.TrimSpace(c.Alerts.Telegram.BotToken)
	c.Alerts.Telegram.ChatID = strings.TrimSpace(c.Alerts.Telegram.ChatID)
	c.Alerts.Telegram.APIBaseURL = strings.TrimSpace(c.Alerts.Telegram.APIBaseURL)
}

func normalizePair(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

func normalizePairKeys[V any](in map[string]V) map[string]V {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[normalizePair(k)] = v
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Clock.Mode == "" {
		c.Clock.Mode = ClockRealtime
	}
	if c.Clock.TickSec == 0 {
		c.Clock.TickSec = 1
	}
	if c.Clock.IteratorTimeoutMs == 0 {
		c.Clock.IteratorTimeoutMs = 500
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.UserStreamKeepaliveSec == 0 {
		c.Exchange.UserStreamKeepaliveSec = 30
	}
	if c.Exchange.ReconnectMaxBackoffSec == 0 {
		c.Exchange.ReconnectMaxBackoffSec = 30
	}
	if c.Exchange.MakerFee.IsZero() {
		c.Exchange.MakerFee = Decimal{decimal.RequireFromString("0.001")}
	}
	if c.Exchange.TakerFee.IsZero() {
		c.Exchange.TakerFee = Decimal{decimal.RequireFromString("0.001")}
	}
	if c.Connector.PollIntervalSec == 0 {
		c.Connector.PollIntervalSec = 10
	}
	if c.Connector.StaleAfterSec == 0 {
		c.Connector.StaleAfterSec = 30
	}
	if c.Connector.QueueSize == 0 {
		c.Connector.QueueSize = 1024
	}
	if c.Connector.MaxConcurrentRequests == 0 {
		c.Connector.MaxConcurrentRequests = 8
	}
	if c.Connector.RequestTimeoutSec == 0 {
		c.Connector.RequestTimeoutSec = 10
	}
	if c.Connector.FillEpsilon.IsZero() {
		c.Connector.FillEpsilon = Decimal{decimal.New(1, -8)}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.Alerts.QueueSize == 0 {
		c.Alerts.QueueSize = 128
	}
	if c.Alerts.DropReportSec == 0 {
		c.Alerts.DropReportSec = 60
	}
	if c.Alerts.Telegram.APIBaseURL == "" {
		c.Alerts.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Alerts.Telegram.TimeoutSec == 0 {
		c.Alerts.Telegram.TimeoutSec = 10
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://ws-api.testnet.binance.vision/ws-api/v3"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://ws-api.binance.com/ws-api/v3"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, testnet, or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs is required")
	}
	seen := make(map[string]bool, len(c.TradingPairs))
	for _, p := range c.TradingPairs {
		if !isValidPair(p) {
			return fmt.Errorf("trading pair %q must look like BASE-QUOTE with [A-Z0-9] assets", p)
		}
		if seen[p] {
			return fmt.Errorf("trading pair %q listed twice", p)
		}
		seen[p] = true
	}
	if err := c.validateClock(); err != nil {
		return err
	}
	if err := c.validateConnector(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.reconnect_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.reconnect_probe_passes must be between 1 and 20")
		}
	}
	if err := c.validateAlerts(); err != nil {
		return err
	}
	if c.Mode == ModePaper {
		return c.validatePaper()
	}
	return c.validateExchange()
}

func (c Config) validateClock() error {
	switch c.Clock.Mode {
	case ClockRealtime, ClockBacktest:
	default:
		return fmt.Errorf("clock.mode must be realtime or backtest")
	}
	if c.Clock.TickSec < 1 || c.Clock.TickSec > 3600 {
		return fmt.Errorf("clock.tick_sec must be between 1 and 3600")
	}
	if c.Clock.IteratorTimeoutMs < 0 || c.Clock.IteratorTimeoutMs > 60000 {
		return fmt.Errorf("clock.iterator_timeout_ms must be between 0 and 60000")
	}
	if c.Clock.RunSec < 0 {
		return fmt.Errorf("clock.run_sec must be >= 0")
	}
	if _, err := c.Clock.Start(); err != nil {
		return fmt.Errorf("clock.backtest_start must be RFC3339: %w", err)
	}
	if c.Clock.Mode == ClockBacktest {
		if c.Mode != ModePaper {
			return fmt.Errorf("clock.mode=backtest requires mode=paper")
		}
		if c.Clock.BacktestStart == "" {
			return fmt.Errorf("clock.backtest_start is required for backtest clock")
		}
		if c.Clock.RunSec == 0 {
			return fmt.Errorf("clock.run_sec is required for backtest clock")
		}
	}
	return nil
}

func (c Config) validateConnector() error {
	if c.Connector.PollIntervalSec < 1 || c.Connector.PollIntervalSec > 3600 {
		return fmt.Errorf("connector.poll_interval_sec must be between 1 and 3600")
	}
	if c.Connector.StaleAfterSec < 1 || c.Connector.StaleAfterSec > 3600 {
		return fmt.Errorf("connector.stale_after_sec must be between 1 and 3600")
	}
	if c.Connector.QueueSize < 1 || c.Connector.QueueSize > 1<<20 {
		return fmt.Errorf("connector.queue_size must be between 1 and 1048576")
	}
	if c.Connector.MaxConcurrentRequests < 1 || c.Connector.MaxConcurrentRequests > 256 {
		return fmt.Errorf("connector.max_concurrent_requests must be between 1 and 256")
	}
	if c.Connector.RequestTimeoutSec < 1 || c.Connector.RequestTimeoutSec > 120 {
		return fmt.Errorf("connector.request_timeout_sec must be between 1 and 120")
	}
	if !c.Connector.FillEpsilon.IsPositive() {
		return fmt.Errorf("connector.fill_epsilon must be > 0")
	}
	return nil
}

func (c Config) validateAlerts() error {
	if c.Alerts.QueueSize < 1 || c.Alerts.QueueSize > 10000 {
		return fmt.Errorf("alerts.queue_size must be between 1 and 10000")
	}
	if c.Alerts.DropReportSec < 0 || c.Alerts.DropReportSec > 3600 {
		return fmt.Errorf("alerts.drop_report_sec must be between 0 and 3600")
	}
	tg := c.Alerts.Telegram
	if !tg.Enabled {
		return nil
	}
	if tg.BotToken == "" {
		return fmt.Errorf("alerts.telegram.bot_token is required when telegram enabled")
	}
	if tg.ChatID == "" {
		return fmt.Errorf("alerts.telegram.chat_id is required when telegram enabled")
	}
	if tg.TimeoutSec < 1 || tg.TimeoutSec > 120 {
		return fmt.Errorf("alerts.telegram.timeout_sec must be between 1 and 120")
	}
	if err := validateURL(tg.APIBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("alerts.telegram.api_base_url %v", err)
	}
	return nil
}

func (c Config) validatePaper() error {
	if c.Paper.MakerFee.IsNegative() || c.Paper.TakerFee.IsNegative() {
		return fmt.Errorf("paper maker_fee/taker_fee must be >= 0")
	}
	for asset, v := range c.Paper.Balances {
		if v.IsNegative() {
			return fmt.Errorf("paper balance %s must be >= 0", asset)
		}
	}
	for _, p := range c.TradingPairs {
		rule, ok := c.Paper.Rules[p]
		if !ok {
			return fmt.Errorf("paper.rules.%s is required", p)
		}
		if rule.MinPriceIncrement.IsNegative() || rule.MinAmountIncrement.IsNegative() ||
			rule.MinOrderSize.IsNegative() || rule.MinNotional.IsNegative() {
			return fmt.Errorf("paper.rules.%s values must be >= 0", p)
		}
		book, ok := c.Paper.Books[p]
		if !ok {
			return fmt.Errorf("paper.books.%s is required", p)
		}
		if !book.Bid.IsPositive() || !book.Ask.IsPositive() {
			return fmt.Errorf("paper.books.%s bid/ask must be > 0", p)
		}
		if book.Bid.GreaterThanOrEqual(book.Ask.Decimal) {
			return fmt.Errorf("paper.books.%s bid must be below ask", p)
		}
	}
	return nil
}

func (c Config) validateExchange() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required for %s mode (or set %s/%s)", c.Mode, EnvAPIKey, EnvAPISecret)
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.UserStreamKeepaliveSec < 1 || c.Exchange.UserStreamKeepaliveSec > 3600 {
		return fmt.Errorf("exchange user_stream_keepalive_sec must be between 1 and 3600")
	}
	if c.Exchange.ReconnectMaxBackoffSec < 1 || c.Exchange.ReconnectMaxBackoffSec > 600 {
		return fmt.Errorf("exchange reconnect_max_backoff_sec must be between 1 and 600")
	}
	if c.Exchange.MakerFee.IsNegative() || c.Exchange.TakerFee.IsNegative() {
		return fmt.Errorf("exchange maker_fee/taker_fee must be >= 0")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidPair(v string) bool {
	base, quote, ok := strings.Cut(v, "-")
	return ok && isValidAsset(base) && isValidAsset(quote)
}

func isValidAsset(v string) bool {
	if len(v) < 2 || len(v) > 10 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
