package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"xor-core/pkg/exchanges/common"
)

const (
	spotStreamLive    = "wss://stream.binance.com:9443/ws"
	spotStreamTest    = "wss://testnet.binance.vision/ws"
	futuresStreamLive = "wss://fstream.binance.com/ws"
	futuresStreamTest = "wss://stream.binancefuture.com/ws"

	pingInterval      = 3 * time.Minute
	readDeadline      = 10 * time.Minute
	listenKeyLifetime = 30 * time.Minute
)

// SubscribeTicker streams book-ticker updates for one symbol.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string, cb func(common.Ticker)) (common.Unsubscribe, error) {
	stream := strings.ToLower(symbol) + "@bookTicker"
	return c.runMarketStream(ctx, stream, func(msg []byte) {
		var raw struct {
			Symbol   string `json:"s"`
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
		}
		if err := json.Unmarshal(msg, &raw); err != nil || raw.Symbol == "" {
			return
		}
		bid, ask := toFloat(raw.BidPrice), toFloat(raw.AskPrice)
		cb(common.Ticker{
			Symbol: raw.Symbol,
			Price:  (bid + ask) / 2,
			Bid:    bid,
			Ask:    ask,
			Time:   time.Now(),
		})
	})
}

// SubscribeOrderbook streams partial depth snapshots (top 20, 100ms).
func (c *Client) SubscribeOrderbook(ctx context.Context, symbol string, cb func(common.Orderbook)) (common.Unsubscribe, error) {
	stream := strings.ToLower(symbol) + "@depth20@100ms"
	sym := strings.ToUpper(symbol)
	return c.runMarketStream(ctx, stream, func(msg []byte) {
		var raw struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			// futures partial depth uses b/a inside a wrapper
			B [][]string `json:"b"`
			A [][]string `json:"a"`
		}
		if err := json.Unmarshal(msg, &raw); err != nil {
			return
		}
		bids, asks := raw.Bids, raw.Asks
		if len(bids) == 0 && len(raw.B) > 0 {
			bids, asks = raw.B, raw.A
		}
		if len(bids) == 0 && len(asks) == 0 {
			return
		}
		cb(common.Orderbook{
			Symbol: sym,
			Bids:   toLevels(bids),
			Asks:   toLevels(asks),
			Time:   time.Now(),
		})
	})
}

// SubscribeTrades streams public trade prints.
func (c *Client) SubscribeTrades(ctx context.Context, symbol string, cb func(common.PublicTrade)) (common.Unsubscribe, error) {
	stream := strings.ToLower(symbol) + "@trade"
	return c.runMarketStream(ctx, stream, func(msg []byte) {
		var raw struct {
			Symbol       string `json:"s"`
			Price        string `json:"p"`
			Qty          string `json:"q"`
			IsBuyerMaker bool   `json:"m"`
			TradeTime    int64  `json:"T"`
		}
		if err := json.Unmarshal(msg, &raw); err != nil || raw.Symbol == "" {
			return
		}
		cb(common.PublicTrade{
			Symbol:       raw.Symbol,
			Price:        toFloat(raw.Price),
			Qty:          toFloat(raw.Qty),
			IsBuyerMaker: raw.IsBuyerMaker,
			Time:         time.UnixMilli(raw.TradeTime),
		})
	})
}

// runMarketStream opens one raw-stream socket and pumps messages to handle,
// reconnecting with backoff until the subscription is cancelled.
func (c *Client) runMarketStream(ctx context.Context, stream string, handle func([]byte)) (common.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	connect := func(ctx context.Context) error {
		return c.pumpSocket(ctx, c.streamURL+"/"+stream, handle)
	}
	gap := func() {
		if c.onGap != nil {
			c.onGap(stream)
		}
	}

	go common.RunStream(subCtx, c.log, stream, connect, gap)
	return common.Unsubscribe(cancel), nil
}

// pumpSocket dials a websocket and reads until it fails or ctx is done.
func (c *Client) pumpSocket(ctx context.Context, wsURL string, handle func([]byte)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(msg)
	}
}

// SubscribeUserData streams the authenticated user-data channel. A listen key
// is created on each (re)connect and kept alive every 30 minutes.
func (c *Client) SubscribeUserData(ctx context.Context, cb func(common.UserDataEvent)) (common.Unsubscribe, error) {
	if c.cfg.APIKey == "" {
		return nil, common.NewError(common.ErrAuth, "API key required for user data stream")
	}
	subCtx, cancel := context.WithCancel(ctx)

	connect := func(ctx context.Context) error {
		key, err := c.createListenKey(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.listenKey = key
		c.mu.Unlock()

		kaCtx, kaCancel := context.WithCancel(ctx)
		defer kaCancel()
		go c.keepAliveListenKey(kaCtx, key)

		return c.pumpSocket(ctx, c.streamURL+"/"+key, func(msg []byte) {
			if ev, ok := c.parseUserEvent(msg); ok {
				cb(ev)
			}
		})
	}
	gap := func() {
		if c.onGap != nil {
			c.onGap("userData")
		}
	}

	go common.RunStream(subCtx, c.log, "userData", connect, gap)
	return common.Unsubscribe(cancel), nil
}

func (c *Client) listenKeyPath() string {
	if c.cfg.Market == common.MarketFutures {
		return "/fapi/v1/listenKey"
	}
	return "/api/v3/userDataStream"
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, c.listenKeyPath(), url.Values{}, false, 1)
	if err != nil {
		return "", err
	}
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode listenKey: %w", err)
	}
	if res.ListenKey == "" {
		return "", common.NewError(common.ErrConnection, "empty listen key")
	}
	return res.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, key string) {
	ticker := time.NewTicker(listenKeyLifetime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params := url.Values{}
			if c.cfg.Market == common.MarketSpot {
				params.Set("listenKey", key)
			}
			if _, err := c.do(ctx, http.MethodPut, c.listenKeyPath(), params, false, 1); err != nil {
				c.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

// parseUserEvent converts an executionReport (spot) or ORDER_TRADE_UPDATE
// (futures) payload into a normalized user-data event.
func (c *Client) parseUserEvent(msg []byte) (common.UserDataEvent, bool) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return common.UserDataEvent{}, false
	}

	switch probe.EventType {
	case "executionReport":
		var r struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			Side          string `json:"S"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			Price         string `json:"p"`
			Qty           string `json:"q"`
			CumQty        string `json:"z"`
			LastQty       string `json:"l"`
			LastPrice     string `json:"L"`
			Fee           string `json:"n"`
			FeeAsset      string `json:"N"`
			TradeID       int64  `json:"t"`
			IsMaker       bool   `json:"m"`
			EventTime     int64  `json:"E"`
			OrigClientID  string `json:"C"` // set on cancels
		}
		if err := json.Unmarshal(msg, &r); err != nil {
			return common.UserDataEvent{}, false
		}
		clientID := r.ClientOrderID
		if r.OrigClientID != "" {
			clientID = r.OrigClientID
		}
		return common.UserDataEvent{
			ExchangeOrderID: fmt.Sprintf("%d", r.OrderID),
			ClientOrderID:   clientID,
			Symbol:          r.Symbol,
			Side:            common.Side(strings.ToLower(r.Side)),
			Status:          mapStatus(r.Status),
			Price:           toFloat(r.Price),
			Quantity:        toFloat(r.Qty),
			FilledQuantity:  toFloat(r.CumQty),
			LastFillQty:     toFloat(r.LastQty),
			LastFillPrice:   toFloat(r.LastPrice),
			Fee:             toFloat(r.Fee),
			FeeAsset:        r.FeeAsset,
			TradeID:         fmt.Sprintf("%d", r.TradeID),
			IsMaker:         r.IsMaker,
			Time:            time.UnixMilli(r.EventTime),
		}, true

	case "ORDER_TRADE_UPDATE":
		var w struct {
			EventTime int64 `json:"E"`
			Order     struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				Price         string `json:"p"`
				Qty           string `json:"q"`
				CumQty        string `json:"z"`
				LastQty       string `json:"l"`
				LastPrice     string `json:"L"`
				Fee           string `json:"n"`
				FeeAsset      string `json:"N"`
				TradeID       int64  `json:"t"`
				IsMaker       bool   `json:"m"`
			} `json:"o"`
		}
		if err := json.Unmarshal(msg, &w); err != nil {
			return common.UserDataEvent{}, false
		}
		o := w.Order
		return common.UserDataEvent{
			ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
			ClientOrderID:   o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            common.Side(strings.ToLower(o.Side)),
			Status:          mapStatus(o.Status),
			Price:           toFloat(o.Price),
			Quantity:        toFloat(o.Qty),
			FilledQuantity:  toFloat(o.CumQty),
			LastFillQty:     toFloat(o.LastQty),
			LastFillPrice:   toFloat(o.LastPrice),
			Fee:             toFloat(o.Fee),
			FeeAsset:        o.FeeAsset,
			TradeID:         fmt.Sprintf("%d", o.TradeID),
			IsMaker:         o.IsMaker,
			Time:            time.UnixMilli(w.EventTime),
		}, true
	}

	return common.UserDataEvent{}, false
}
