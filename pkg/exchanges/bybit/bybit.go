// Package bybit implements the exchange adapter contract for Bybit's
// V5 unified API, covering spot and USDT-perpetual (linear) markets.
package bybit

import (
	"bytes"
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
	liveURL = "https://api.bybit.com"
	testURL = "https://api-testnet.bybit.com"

	defaultRecvWindow = 5000
	clockSkewCode     = 10002
)

// Config holds Bybit credentials and tuning.
type Config struct {
	APIKey      string
	APISecret   string
	Testnet     bool
	Market      common.MarketType
	RecvWindow  int64 // ms
	HTTPTimeout time.Duration
	MaxRetries  int
}

// Client is a Bybit V5 adapter; one instance per (credential, market type).
type Client struct {
	cfg       Config
	baseURL   string
	category  string // spot or linear
	http      *http.Client
	timeSync  *common.TimeSync
	budget    *common.Budget
	log       zerolog.Logger
	connected atomic.Bool

	onGap func(stream string)

	mu        sync.Mutex
	tickSizes map[string]float64
	cancelBG  context.CancelFunc
}

// New builds a Bybit adapter.
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

	base := liveURL
	if cfg.Testnet {
		base = testURL
	}
	category := "spot"
	if cfg.Market == common.MarketFutures {
		category = "linear"
	}

	log = log.With().Str("exchange", "bybit").Str("market", string(cfg.Market)).Logger()

	c := &Client{
		cfg:       cfg,
		baseURL:   base,
		category:  category,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		budget:    common.NewBudget(600, 5*time.Second, log),
		log:       log,
		tickSizes: make(map[string]float64),
	}
	c.timeSync = common.NewTimeSync(c.serverTime, log)
	return c
}

func (c *Client) Name() string              { return "bybit" }
func (c *Client) Market() common.MarketType { return c.cfg.Market }

// SetGapHandler registers the callback invoked when a stream reconnects
// after losing data.
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

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	res, err := c.get(ctx, "/v5/market/time", nil, false)
	if err != nil {
		return 0, err
	}
	var body struct {
		TimeNano string `json:"timeNano"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return 0, err
	}
	nano, err := strconv.ParseInt(body.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time: %w", err)
	}
	return nano / int64(time.Millisecond), nil
}

// GetTicker returns the latest 24h ticker for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{"category": {c.category}, "symbol": {symbol}}
	res, err := c.get(ctx, "/v5/market/tickers", params, false)
	if err != nil {
		return common.Ticker{}, err
	}
	var body struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
			Price24h  string `json:"price24hPcnt"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return common.Ticker{}, fmt.Errorf("decode tickers: %w", err)
	}
	if len(body.List) == 0 {
		return common.Ticker{}, common.NewError(common.ErrInvalidParameter, "symbol not found: "+symbol)
	}
	t := body.List[0]
	return common.Ticker{
		Symbol:    t.Symbol,
		Price:     toFloat(t.LastPrice),
		Bid:       toFloat(t.Bid1Price),
		Ask:       toFloat(t.Ask1Price),
		Volume24h: toFloat(t.Volume24h),
		Change24h: toFloat(t.Price24h) * 100, // fraction to percent
		Time:      time.Now(),
	}, nil
}

// GetOrderbook returns depth levels sorted away from mid.
func (c *Client) GetOrderbook(ctx context.Context, symbol string, depth int) (common.Orderbook, error) {
	if depth <= 0 {
		depth = 20
	}
	params := url.Values{
		"category": {c.category},
		"symbol":   {symbol},
		"limit":    {strconv.Itoa(depth)},
	}
	res, err := c.get(ctx, "/v5/market/orderbook", params, false)
	if err != nil {
		return common.Orderbook{}, err
	}
	var body struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Time   int64      `json:"ts"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return common.Orderbook{}, fmt.Errorf("decode orderbook: %w", err)
	}
	return common.Orderbook{
		Symbol: body.Symbol,
		Bids:   toLevels(body.Bids),
		Asks:   toLevels(body.Asks),
		Time:   time.UnixMilli(body.Time),
	}, nil
}

// GetBalances returns the unified-account wallet balances.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	params := url.Values{"accountType": {"UNIFIED"}}
	res, err := c.get(ctx, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return nil, err
	}
	var body struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return nil, fmt.Errorf("decode wallet balance: %w", err)
	}
	var out []common.Balance
	for _, acct := range body.List {
		for _, coin := range acct.Coin {
			total := toFloat(coin.WalletBalance)
			if total == 0 {
				continue
			}
			locked := toFloat(coin.Locked)
			out = append(out, common.Balance{
				Asset:  coin.Coin,
				Free:   total - locked,
				Locked: locked,
				Total:  total,
			})
		}
	}
	return out, nil
}

// GetPositions returns open linear positions; empty for spot.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	if c.cfg.Market != common.MarketFutures {
		return nil, nil
	}
	params := url.Values{"category": {c.category}, "settleCoin": {"USDT"}}
	res, err := c.get(ctx, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}
	var body struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy/Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			LiqPrice      string `json:"liqPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
			TradeMode     int    `json:"tradeMode"` // 0 cross, 1 isolated
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []common.Position
	for _, p := range body.List {
		size := toFloat(p.Size)
		if size == 0 {
			continue
		}
		side := "long"
		if p.Side == "Sell" {
			side = "short"
		}
		margin := "cross"
		if p.TradeMode == 1 {
			margin = "isolated"
		}
		out = append(out, common.Position{
			Symbol:           p.Symbol,
			Side:             side,
			Qty:              size,
			EntryPrice:       toFloat(p.AvgPrice),
			MarkPrice:        toFloat(p.MarkPrice),
			LiquidationPrice: toFloat(p.LiqPrice),
			UnrealizedPnL:    toFloat(p.UnrealisedPnl),
			Leverage:         int(toFloat(p.Leverage)),
			MarginType:       margin,
		})
	}
	return out, nil
}

// GetKlines fetches up to limit candles, returned oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{
		"category": {c.category},
		"symbol":   {symbol},
		"interval": {toBybitInterval(interval)},
		"limit":    {strconv.Itoa(limit)},
	}
	res, err := c.get(ctx, "/v5/market/kline", params, false)
	if err != nil {
		return nil, err
	}
	var body struct {
		List [][]string `json:"list"` // newest first
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]common.Kline, 0, len(body.List))
	for i := len(body.List) - 1; i >= 0; i-- {
		k := body.List[i]
		if len(k) < 6 {
			continue
		}
		start, _ := strconv.ParseInt(k[0], 10, 64)
		out = append(out, common.Kline{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(start),
			Open:     toFloat(k[1]),
			High:     toFloat(k[2]),
			Low:      toFloat(k[3]),
			Close:    toFloat(k[4]),
			Volume:   toFloat(k[5]),
		})
	}
	return out, nil
}

// PlaceOrder submits an order and returns the exchange ack. Bybit's create
// response only carries the ids, so the result echoes the request fields.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, common.NewError(common.ErrAuth, "API key/secret required")
	}

	payload := map[string]any{
		"category":  c.category,
		"symbol":    req.Symbol,
		"side":      toBybitSide(req.Side),
		"orderType": toBybitType(req.Type),
		"qty":       formatFloat(req.Qty),
	}
	switch req.Type {
	case common.OrderTypeLimit, common.OrderTypeStopLimit:
		payload["price"] = formatFloat(req.Price)
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		payload["timeInForce"] = string(tif)
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeStopLimit {
		payload["triggerPrice"] = formatFloat(req.StopPrice)
	}
	if req.ReduceOnly && c.cfg.Market == common.MarketFutures {
		payload["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}

	res, err := c.post(ctx, "/v5/order/create", payload)
	if err != nil {
		return common.OrderResult{}, err
	}
	var body struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order create: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: body.OrderID,
		ClientOrderID:   body.OrderLinkID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          common.StatusNew,
		Price:           req.Price,
		Quantity:        req.Qty,
		Time:            time.Now(),
	}, nil
}

// CancelOrder cancels by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]any{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.post(ctx, "/v5/order/cancel", payload)
	return err
}

// GetOrder fetches one order, falling back to history once it leaves the
// realtime book.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (common.OrderResult, error) {
	params := url.Values{
		"category": {c.category},
		"symbol":   {symbol},
		"orderId":  {orderID},
	}
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		res, err := c.get(ctx, path, params, true)
		if err != nil {
			return common.OrderResult{}, err
		}
		orders, err := decodeOrderList(res)
		if err != nil {
			return common.OrderResult{}, err
		}
		if len(orders) > 0 {
			return orders[0], nil
		}
	}
	return common.OrderResult{}, common.NewError(common.ErrInvalidParameter, "order not found: "+orderID)
}

// GetOpenOrders lists open orders; empty symbol means all symbols in the
// category.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	params := url.Values{"category": {c.category}}
	if symbol != "" {
		params.Set("symbol", symbol)
	} else if c.category == "linear" {
		params.Set("settleCoin", "USDT")
	}
	res, err := c.get(ctx, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}
	return decodeOrderList(res)
}

// SetLeverage applies futures leverage for a symbol. Bybit rejects setting
// the leverage it already has; that case is treated as success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.cfg.Market != common.MarketFutures {
		return common.NewError(common.ErrInvalidParameter, "leverage is futures-only")
	}
	lv := strconv.Itoa(leverage)
	payload := map[string]any{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	}
	_, err := c.post(ctx, "/v5/position/set-leverage", payload)
	if e, ok := asExchangeErr(err); ok && e.Code == 110043 {
		return nil // leverage not modified
	}
	return err
}

// TickSize returns the symbol's minimum price increment, cached after the
// first instruments-info lookup.
func (c *Client) TickSize(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	if ts, ok := c.tickSizes[symbol]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	params := url.Values{"category": {c.category}, "symbol": {symbol}}
	res, err := c.get(ctx, "/v5/market/instruments-info", params, false)
	if err != nil {
		return 0, err
	}
	var body struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return 0, fmt.Errorf("decode instruments info: %w", err)
	}
	for _, s := range body.List {
		if s.Symbol == symbol {
			ts := toFloat(s.PriceFilter.TickSize)
			c.mu.Lock()
			c.tickSizes[symbol] = ts
			c.mu.Unlock()
			return ts, nil
		}
	}
	return 0, common.NewError(common.ErrInvalidParameter, "symbol not found: "+symbol)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	return c.call(ctx, http.MethodGet, path, params.Encode(), signed)
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return c.call(ctx, http.MethodPost, path, string(body), true)
}

// call performs one REST call with budget accounting, signing, result
// envelope unwrapping, and a single resync-and-retry on clock skew.
// Connection and rate-limit errors are retried with backoff.
func (c *Client) call(ctx context.Context, method, path, payload string, sign bool) ([]byte, error) {
	return common.RetryCall(ctx, c.cfg.MaxRetries, func() ([]byte, error) {
		body, err := c.callOnce(ctx, method, path, payload, sign)
		if e, ok := asExchangeErr(err); ok && e.Code == clockSkewCode {
			if syncErr := c.timeSync.Sync(ctx); syncErr == nil {
				body, err = c.callOnce(ctx, method, path, payload, sign)
			}
		}
		return body, err
	})
}

func (c *Client) callOnce(ctx context.Context, method, path, payload string, sign bool) ([]byte, error) {
	if err := c.budget.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader([]byte(payload)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		u := endpoint
		if payload != "" {
			u += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, common.ConnectionErr(err)
	}

	if sign {
		ts := strconv.FormatInt(c.timeSync.Now(), 10)
		recv := strconv.FormatInt(c.cfg.RecvWindow, 10)
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
		req.Header.Set("X-BAPI-SIGN", Sign(ts, c.cfg.APIKey, recv, payload, c.cfg.APISecret))
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, common.ConnectionErr(err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.ConnectionErr(err)
	}
	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusTooManyRequests {
		retryAfter := 10 * time.Second
		c.budget.Pause(retryAfter)
		return nil, common.RateLimitedErr(retryAfter)
	}
	if res.StatusCode >= 500 {
		return nil, common.NewError(common.ErrConnection, http.StatusText(res.StatusCode))
	}

	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, mapRetCode(env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func decodeOrderList(res []byte) ([]common.OrderResult, error) {
	var body struct {
		List []restOrder `json:"list"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return nil, fmt.Errorf("decode order list: %w", err)
	}
	out := make([]common.OrderResult, 0, len(body.List))
	for _, o := range body.List {
		out = append(out, o.normalize())
	}
	return out, nil
}

type restOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
	UpdatedTime string `json:"updatedTime"`
}

func (r restOrder) normalize() common.OrderResult {
	updated, _ := strconv.ParseInt(r.UpdatedTime, 10, 64)
	return common.OrderResult{
		ExchangeOrderID: r.OrderID,
		ClientOrderID:   r.OrderLinkID,
		Symbol:          r.Symbol,
		Side:            common.Side(strings.ToLower(r.Side)),
		Type:            fromBybitType(r.OrderType),
		Status:          mapStatus(r.OrderStatus),
		Price:           toFloat(r.Price),
		Quantity:        toFloat(r.Qty),
		FilledQuantity:  toFloat(r.CumExecQty),
		AveragePrice:    toFloat(r.AvgPrice),
		Fee:             toFloat(r.CumExecFee),
		Time:            time.UnixMilli(updated),
	}
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered", "Created":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	case "Deactivated", "Expired":
		return common.StatusExpired
	}
	return common.StatusUnknown
}

func toBybitSide(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func toBybitType(t common.OrderType) string {
	switch t {
	case common.OrderTypeMarket, common.OrderTypeStopMarket:
		return "Market"
	}
	return "Limit"
}

func fromBybitType(s string) common.OrderType {
	if s == "Market" {
		return common.OrderTypeMarket
	}
	return common.OrderTypeLimit
}

// toBybitInterval maps common interval notation (1m, 1h, 1d) to Bybit's
// bare-minute codes.
func toBybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	}
	return interval
}

// Sign computes the V5 HMAC-SHA256 signature over
// timestamp + apiKey + recvWindow + payload.
func Sign(timestamp, apiKey, recvWindow, payload, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

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
