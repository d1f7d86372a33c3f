package binance

import (
	"strconv"

	"github.com/shopspring/decimal"

	"exchange-core/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
	// HTTPStatus is zero for errors delivered over the websocket API.
	HTTPStatus int
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

// orderResponse is the FULL response of POST /api/v3/order.
type orderResponse struct {
	Symbol             string      `json:"symbol"`
	OrderID            int64       `json:"orderId"`
	ClientOrderID      string      `json:"clientOrderId"`
	TransactTime       int64       `json:"transactTime"`
	Price              string      `json:"price"`
	OrigQty            string      `json:"origQty"`
	ExecutedQty        string      `json:"executedQty"`
	CumulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Status             string      `json:"status"`
	Type               string      `json:"type"`
	Side               string      `json:"side"`
	Fills              []orderFill `json:"fills"`
}

type orderQueryResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}

type tradeResponse struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsMaker         bool   `json:"isMaker"`
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice"`
	MinQty      string `json:"minQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
	TickSize    string `json:"tickSize"`
}

type symbolInfoResponse struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

type symbolInfo struct {
	symbol string
	rule   core.TradingRule
}

func parseSymbolInfo(src symbolInfoResponse) symbolInfo {
	info := symbolInfo{
		symbol: src.Symbol,
		rule: core.TradingRule{
			Pair:       src.BaseAsset + "-" + src.QuoteAsset,
			BaseAsset:  src.BaseAsset,
			QuoteAsset: src.QuoteAsset,
		},
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if v, ok := parseDecimal(f.MinQty); ok {
				info.rule.MinOrderSize = v
			}
			if v, ok := parseDecimal(f.StepSize); ok {
				info.rule.MinAmountIncrement = v
			}
		case "PRICE_FILTER":
			if v, ok := parseDecimal(f.TickSize); ok {
				info.rule.MinPriceIncrement = v
			}
			if v, ok := parseDecimal(f.MinPrice); ok {
				info.rule.MinPrice = v
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			// Keep the stricter minimum when both filters are present.
			if v, ok := parseDecimal(f.MinNotional); ok && v.GreaterThan(info.rule.MinNotional) {
				info.rule.MinNotional = v
			}
		}
	}
	return info
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func decimalOrZero(s string) decimal.Decimal {
	v, _ := parseDecimal(s)
	return v
}
