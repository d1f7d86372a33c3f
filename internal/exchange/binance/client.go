package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exchange-core/internal/alert"
	"exchange-core/internal/config"
	"exchange-core/internal/core"
	"exchange-core/internal/exchange"
	"exchange-core/internal/fees"
	"exchange-core/internal/safety"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const (
	defaultMakerFee = "0.001"
	defaultTakerFee = "0.001"
	maxErrorBody    = 1 << 12
)

// Client is the Binance spot adapter: REST for rules, balances, orders and
// reconciliation, and the websocket API user-data stream for pushed facts.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsBaseURL string
	pairs     []string

	recvWindow   time.Duration
	keepalive    time.Duration
	maxBackoff   time.Duration
	makerFee     decimal.Decimal
	takerFee     decimal.Decimal
	httpClient   *http.Client
	streamBuffer int

	logger  *zap.Logger
	now     func() time.Time
	breaker *safety.Breaker

	mu          sync.Mutex
	symbolCache map[string]symbolInfo
	pairsBySym  map[string]string
	alerter     alert.Alerter
}

var _ exchange.Adapter = (*Client)(nil)

type Options struct {
	APIKey                 string
	APISecret              string
	RestBaseURL            string
	WSBaseURL              string
	Pairs                  []string
	RecvWindowMs           int64
	HTTPTimeoutSec         int64
	UserStreamKeepaliveSec int64
	ReconnectMaxBackoffSec int64
	MakerFee               decimal.Decimal
	TakerFee               decimal.Decimal
	StreamBuffer           int
	Breaker                *safety.Breaker
	Logger                 *zap.Logger
	Now                    func() time.Time
}

func NewClient(cfg config.ExchangeConfig, pairs []string, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	if len(pairs) == 0 {
		return nil, errors.New("at least one trading pair required")
	}
	return NewClientWithOptions(Options{
		APIKey:                 cfg.APIKey,
		APISecret:              cfg.APISecret,
		RestBaseURL:            cfg.RestBaseURL,
		WSBaseURL:              cfg.WSBaseURL,
		Pairs:                  pairs,
		RecvWindowMs:           cfg.RecvWindowMs,
		HTTPTimeoutSec:         cfg.HTTPTimeoutSec,
		UserStreamKeepaliveSec: cfg.UserStreamKeepaliveSec,
		ReconnectMaxBackoffSec: cfg.ReconnectMaxBackoffSec,
		MakerFee:               cfg.MakerFee.Decimal,
		TakerFee:               cfg.TakerFee.Decimal,
		Logger:                 logger,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	maxBackoff := 30 * time.Second
	if opts.ReconnectMaxBackoffSec > 0 {
		maxBackoff = time.Duration(opts.ReconnectMaxBackoffSec) * time.Second
	}
	makerFee := opts.MakerFee
	if makerFee.IsZero() {
		makerFee = decimal.RequireFromString(defaultMakerFee)
	}
	takerFee := opts.TakerFee
	if takerFee.IsZero() {
		takerFee = decimal.RequireFromString(defaultTakerFee)
	}
	streamBuffer := opts.StreamBuffer
	if streamBuffer <= 0 {
		streamBuffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Client{
		apiKey:       opts.APIKey,
		apiSecret:    opts.APISecret,
		baseURL:      strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:    strings.TrimRight(opts.WSBaseURL, "/"),
		recvWindow:   time.Duration(opts.RecvWindowMs) * time.Millisecond,
		keepalive:    time.Duration(opts.UserStreamKeepaliveSec) * time.Second,
		maxBackoff:   maxBackoff,
		makerFee:     makerFee,
		takerFee:     takerFee,
		httpClient:   &http.Client{Timeout: timeout},
		streamBuffer: streamBuffer,
		logger:       logger.Named("binance"),
		now:          now,
		breaker:      opts.Breaker,
		symbolCache:  make(map[string]symbolInfo),
		pairsBySym:   make(map[string]string),
	}
	for _, p := range opts.Pairs {
		pair := core.NormalizePair(p)
		c.pairs = append(c.pairs, pair)
		c.pairsBySym[symbolOf(pair)] = pair
	}
	return c
}

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

func (c *Client) Name() string { return "binance" }

// symbolOf maps "BASE-QUOTE" to the venue symbol "BASEQUOTE".
func symbolOf(pair string) string {
	return strings.ReplaceAll(core.NormalizePair(pair), "-", "")
}

// pairOf maps a venue symbol back to a configured pair; unknown symbols
// return "".
func (c *Client) pairOf(symbol string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairsBySym[symbol]
}

func (c *Client) TradingRules(ctx context.Context) (map[string]core.TradingRule, error) {
	infos := make([]symbolInfo, len(c.pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range c.pairs {
		g.Go(func() error {
			info, err := c.getSymbolInfo(gctx, symbolOf(pair))
			if err != nil {
				return fmt.Errorf("trading rules for %s: %w", pair, err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rules := make(map[string]core.TradingRule, len(infos))
	for i, info := range infos {
		rule := info.rule
		rule.Pair = c.pairs[i]
		rules[rule.Pair] = rule
	}
	return rules, nil
}

func (c *Client) Balances(ctx context.Context) (map[string]core.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, core.Transport(err)
	}
	out := make(map[string]core.Balance, len(resp.Balances))
	for _, b := range resp.Balances {
		bal := core.Balance{
			Asset:  b.Asset,
			Free:   decimalOrZero(b.Free),
			Locked: decimalOrZero(b.Locked),
		}
		if bal.Total().IsZero() {
			continue
		}
		out[b.Asset] = bal
	}
	return out, nil
}

// Price returns the best ask for buys and the best bid for sells.
func (c *Client) Price(ctx context.Context, pair string, isBuy bool) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbolOf(pair))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", params, AuthNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp bookTickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, core.Transport(err)
	}
	raw := resp.BidPrice
	if isBuy {
		raw = resp.AskPrice
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, core.Transport(fmt.Errorf("parse book ticker price %q: %w", raw, err))
	}
	return price, nil
}

func (c *Client) DefaultFee(_ string, kind fees.Kind) decimal.Decimal {
	if kind == fees.Maker {
		return c.makerFee
	}
	return c.takerFee
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		signature := sign(c.apiSecret, params.Encode())
		params.Set("signature", signature)
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Transport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.Transport(err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return classifyAPIError(APIError{Code: apiErr.Code, Msg: apiErr.Msg, HTTPStatus: status})
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return core.Transport(fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body))))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string) (symbolInfo, error) {
	if symbol == "" {
		return symbolInfo{}, errors.New("symbol is required")
	}
	c.mu.Lock()
	if info, ok := c.symbolCache[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return symbolInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return symbolInfo{}, core.Transport(err)
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, core.RejectedByVenue("symbol " + symbol + " not found")
	}
	info := parseSymbolInfo(resp.Symbols[0])
	c.mu.Lock()
	c.symbolCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}
