// Package binance implements the exchange adapter contract for Binance
// spot and USDT-margined futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"xor-core/pkg/exchanges/common"
)

const (
	spotLiveURL    = "https://api.binance.com"
	spotTestURL    = "https://testnet.binance.vision"
	futuresLiveURL = "https://fapi.binance.com"
	futuresTestURL = "https://testnet.binancefuture.com"

	defaultRecvWindow = 5000
	clockSkewCode     = -1021
)

// Config holds Binance credentials and tuning.
type Config struct {
	APIKey      string
	APISecret   string
	Testnet     bool
	Market      common.MarketType
	RecvWindow  int64 // ms
	HTTPTimeout time.Duration
	MaxRetries  int
}

// Client is a Binance adapter; one instance per (credential, market type).
type Client struct {
	cfg       Config
	baseURL   string
	streamURL string
	http      *http.Client
	timeSync  *common.TimeSync
	budget    *common.Budget
	log       zerolog.Logger
	connected atomic.Bool

	onGap func(stream string)

	mu        sync.Mutex
	tickSizes map[string]float64
	listenKey string
	cancelBG  context.CancelFunc
}

// New builds a Binance adapter.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Market == "" {
		cfg.Market = common.MarketSpot
	}

	base, stream := spotLiveURL, spotStreamLive
	weight := 1200
	if cfg.Market == common.MarketFutures {
		base, stream = futuresLiveURL, futuresStreamLive
		weight = 2400
		if cfg.Testnet {
			base, stream = futuresTestURL, futuresStreamTest
		}
	} else if cfg.Testnet {
		base, stream = spotTestURL, spotStreamTest
	}

	log = log.With().Str("exchange", "binance").Str("market", string(cfg.Market)).Logger()

	c := &Client{
		cfg:       cfg,
		baseURL:   base,
		streamURL: stream,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		budget:    common.NewBudget(weight, time.Minute, log),
		log:       log,
		tickSizes: make(map[string]float64),
	}
	c.timeSync = common.NewTimeSync(c.serverTime, log)
	return c
}

func (c *Client) Name() string              { return "binance" }
func (c *Client) Market() common.MarketType { return c.cfg.Market }

// SetGapHandler registers the callback invoked when a stream reconnects
// after losing data; consumers use it to reset derived state.
func (c *Client) SetGapHandler(fn func(stream string)) { c.onGap = fn }

// Connect primes the HTTP client and clock sync. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	bg, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelBG = cancel
	c.mu.Unlock()

	c.timeSync.Start(bg)
	if _, err := c.serverTime(ctx); err != nil {
		cancel()
		return common.ConnectionErr(err)
	}
	c.connected.Store(true)
	c.log.Info().Bool("testnet", c.cfg.Testnet).Msg("connected")
	return nil
}

// Disconnect stops background work. Idempotent.
func (c *Client) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	c.mu.Lock()
	if c.cancelBG != nil {
		c.cancelBG()
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) path(suffix string) string {
	if c.cfg.Market == common.MarketFutures {
		return "/fapi/v1" + suffix
	}
	return "/api/v3" + suffix
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, c.path("/time"), nil, false, 1)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// GetTicker returns the 24h ticker combined with current best bid/ask.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.do(ctx, http.MethodGet, c.path("/ticker/24hr"), params, false, 2)
	if err != nil {
		return common.Ticker{}, err
	}
	var raw struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		BidPrice    string `json:"bidPrice"`
		AskPrice    string `json:"askPrice"`
		Volume      string `json:"volume"`
		PriceChgPct string `json:"priceChangePercent"`
		CloseTime   int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	return common.Ticker{
		Symbol:    raw.Symbol,
		Price:     toFloat(raw.LastPrice),
		Bid:       toFloat(raw.BidPrice),
		Ask:       toFloat(raw.AskPrice),
		Volume24h: toFloat(raw.Volume),
		Change24h: toFloat(raw.PriceChgPct),
		Time:      time.UnixMilli(raw.CloseTime),
	}, nil
}

// GetOrderbook returns depth levels sorted away from mid.
func (c *Client) GetOrderbook(ctx context.Context, symbol string, depth int) (common.Orderbook, error) {
	if depth <= 0 {
		depth = 20
	}
	params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(depth)}}
	body, err := c.do(ctx, http.MethodGet, c.path("/depth"), params, false, depthWeight(depth))
	if err != nil {
		return common.Orderbook{}, err
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.Orderbook{}, fmt.Errorf("decode depth: %w", err)
	}
	return common.Orderbook{
		Symbol: symbol,
		Bids:   toLevels(raw.Bids),
		Asks:   toLevels(raw.Asks),
		Time:   time.Now(),
	}, nil
}

// GetBalances returns non-zero account balances.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	if c.cfg.Market == common.MarketFutures {
		body, err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true, 5)
		if err != nil {
			return nil, err
		}
		var raw []struct {
			Asset            string `json:"asset"`
			Balance          string `json:"balance"`
			AvailableBalance string `json:"availableBalance"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("decode balances: %w", err)
		}
		out := make([]common.Balance, 0, len(raw))
		for _, b := range raw {
			total := toFloat(b.Balance)
			free := toFloat(b.AvailableBalance)
			if total == 0 {
				continue
			}
			out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: total - free, Total: total})
		}
		return out, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, 20)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	out := make([]common.Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		free, locked := toFloat(b.Free), toFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked, Total: free + locked})
	}
	return out, nil
}

// GetPositions returns open futures positions; empty for spot.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	if c.cfg.Market != common.MarketFutures {
		return nil, nil
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true, 5)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []common.Position
	for _, p := range raw {
		amt := toFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		out = append(out, common.Position{
			Symbol:           p.Symbol,
			Side:             side,
			Qty:              amt,
			EntryPrice:       toFloat(p.EntryPrice),
			MarkPrice:        toFloat(p.MarkPrice),
			LiquidationPrice: toFloat(p.LiquidationPrice),
			UnrealizedPnL:    toFloat(p.UnrealizedProfit),
			Leverage:         int(toFloat(p.Leverage)),
			MarginType:       p.MarginType,
		})
	}
	return out, nil
}

// GetKlines fetches up to limit historical candles, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := c.do(ctx, http.MethodGet, c.path("/klines"), params, false, 2)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]common.Kline, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		out = append(out, common.Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(anyInt64(k[0])),
			Open:      anyFloat(k[1]),
			High:      anyFloat(k[2]),
			Low:       anyFloat(k[3]),
			Close:     anyFloat(k[4]),
			Volume:    anyFloat(k[5]),
			CloseTime: time.UnixMilli(anyInt64(k[6])),
		})
	}
	return out, nil
}

// PlaceOrder submits an order and returns the normalized ack.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, common.NewError(common.ErrAuth, "API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", toBinanceType(req.Type, c.cfg.Market))
	params.Set("quantity", formatFloat(req.Qty))

	switch req.Type {
	case common.OrderTypeLimit, common.OrderTypeStopLimit:
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeStopLimit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ReduceOnly && c.cfg.Market == common.MarketFutures {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.do(ctx, http.MethodPost, c.path("/order"), params, true, 1)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		CumQuote      string `json:"cummulativeQuoteQty"`
		TransactTime  int64  `json:"transactTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          mapStatus(resp.Status),
		Price:           toFloat(resp.Price),
		Quantity:        toFloat(resp.OrigQty),
		FilledQuantity:  toFloat(resp.ExecutedQty),
		Time:            time.UnixMilli(resp.TransactTime),
	}
	if res.FilledQuantity > 0 {
		if quote := toFloat(resp.CumQuote); quote > 0 {
			res.AveragePrice = quote / res.FilledQuantity
		}
	}
	return res, nil
}

// CancelOrder cancels by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	_, err := c.do(ctx, http.MethodDelete, c.path("/order"), params, true, 1)
	return err
}

// GetOrder fetches a single order's current state.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderResult, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	body, err := c.do(ctx, http.MethodGet, c.path("/order"), params, true, 2)
	if err != nil {
		return common.OrderResult{}, err
	}
	var raw restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return raw.normalize(), nil
}

// GetOpenOrders lists open orders; empty symbol means all symbols.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	params := url.Values{}
	weight := 40 // all-symbols query is expensive
	if symbol != "" {
		params.Set("symbol", symbol)
		weight = 3
	}
	body, err := c.do(ctx, http.MethodGet, c.path("/openOrders"), params, true, weight)
	if err != nil {
		return nil, err
	}
	var raw []restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OrderResult, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.normalize())
	}
	return out, nil
}

// SetLeverage applies futures leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.cfg.Market != common.MarketFutures {
		return common.NewError(common.ErrInvalidParameter, "leverage is futures-only")
	}
	params := url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, 1)
	return err
}

// TickSize returns the symbol's minimum price increment, cached after the
// first exchangeInfo lookup.
func (c *Client) TickSize(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	if ts, ok := c.tickSizes[symbol]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	params := url.Values{"symbol": {symbol}}
	body, err := c.do(ctx, http.MethodGet, c.path("/exchangeInfo"), params, false, 20)
	if err != nil {
		return 0, err
	}
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	for _, s := range raw.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "PRICE_FILTER" {
				ts := toFloat(f.TickSize)
				c.mu.Lock()
				c.tickSizes[symbol] = ts
				c.mu.Unlock()
				return ts, nil
			}
		}
	}
	return 0, common.NewError(common.ErrInvalidParameter, "symbol not found: "+symbol)
}

// do performs one REST call with budget accounting, signing, error mapping,
// and a single resync-and-retry on clock-skew rejection. Connection errors
// are retried with jittered backoff up to MaxRetries.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, weight int) ([]byte, error) {
	return common.RetryCall(ctx, c.cfg.MaxRetries, func() ([]byte, error) {
		body, err := c.doOnce(ctx, method, path, params, signed, weight)
		if e, ok := asExchangeErr(err); ok && e.Code == clockSkewCode {
			// one retry after resyncing the clock
			if syncErr := c.timeSync.Sync(ctx); syncErr == nil {
				body, err = c.doOnce(ctx, method, path, params, signed, weight)
			}
		}
		return body, err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool, weight int) ([]byte, error) {
	if err := c.budget.Acquire(ctx, weight); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", Sign(params.Encode(), c.cfg.APISecret))
	}

	endpoint := c.baseURL + path
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		u := endpoint
		if encoded != "" {
			u += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, common.ConnectionErr(err)
	}
	if signed || c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, common.ConnectionErr(err)
	}
	defer res.Body.Close()

	c.budget.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.ConnectionErr(err)
	}
	if res.StatusCode >= 300 {
		mapped := mapHTTPError(res, body)
		if e, ok := asExchangeErr(mapped); ok && e.Kind == common.ErrRateLimited && e.RetryAfter > 0 {
			c.budget.Pause(e.RetryAfter)
		}
		return nil, mapped
	}
	return body, nil
}

// restOrder is the order shape shared by the query endpoints.
type restOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r restOrder) normalize() common.OrderResult {
	res := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(strings.ToLower(r.Side)),
		Type:            fromBinanceType(r.Type),
		Status:          mapStatus(r.Status),
		Price:           toFloat(r.Price),
		Quantity:        toFloat(r.OrigQty),
		FilledQuantity:  toFloat(r.ExecutedQty),
		Time:            time.UnixMilli(r.UpdateTime),
	}
	if res.FilledQuantity > 0 {
		if quote := toFloat(r.CumQuote); quote > 0 {
			res.AveragePrice = quote / res.FilledQuantity
		}
	}
	return res
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func toBinanceType(t common.OrderType, market common.MarketType) string {
	switch t {
	case common.OrderTypeMarket:
		return "MARKET"
	case common.OrderTypeLimit:
		return "LIMIT"
	case common.OrderTypeStopMarket:
		if market == common.MarketFutures {
			return "STOP_MARKET"
		}
		return "STOP_LOSS"
	case common.OrderTypeStopLimit:
		if market == common.MarketFutures {
			return "STOP"
		}
		return "STOP_LOSS_LIMIT"
	case common.OrderTypeTrailing:
		return "TRAILING_STOP_MARKET"
	}
	return "LIMIT"
}

func fromBinanceType(s string) common.OrderType {
	switch strings.ToUpper(s) {
	case "MARKET":
		return common.OrderTypeMarket
	case "LIMIT":
		return common.OrderTypeLimit
	case "STOP_LOSS", "STOP_MARKET":
		return common.OrderTypeStopMarket
	case "STOP_LOSS_LIMIT", "STOP":
		return common.OrderTypeStopLimit
	case "TRAILING_STOP_MARKET":
		return common.OrderTypeTrailing
	}
	return common.OrderTypeLimit
}

func depthWeight(depth int) int {
	switch {
	case depth <= 100:
		return 5
	case depth <= 500:
		return 25
	default:
		return 50
	}
}

// Sign computes the HMAC-SHA256 hex signature of the encoded query string.
func Sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// toFloat parses an exchange string-decimal exactly before converting.
func toFloat(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

func toLevels(raw [][]string) []common.PriceLevel {
	out := make([]common.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, common.PriceLevel{Price: toFloat(l[0]), Qty: toFloat(l[1])})
	}
	return out
}

func anyFloat(v any) float64 {
	switch x := v.(type) {
	case string:
		return toFloat(x)
	case float64:
		return x
	}
	return 0
}

func anyInt64(v any) int64 {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}
