package bybit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"xor-core/pkg/exchanges/common"
)

const (
	publicStreamLive = "wss://stream.bybit.com/v5/public/"
	publicStreamTest = "wss://stream-testnet.bybit.com/v5/public/"
	privateLive      = "wss://stream.bybit.com/v5/private"
	privateTest      = "wss://stream-testnet.bybit.com/v5/private"

	wsPingInterval = 20 * time.Second
	wsReadDeadline = time.Minute
)

func (c *Client) publicStreamURL() string {
	base := publicStreamLive
	if c.cfg.Testnet {
		base = publicStreamTest
	}
	return base + c.category
}

func (c *Client) privateStreamURL() string {
	if c.cfg.Testnet {
		return privateTest
	}
	return privateLive
}

// wsEnvelope is the shape every V5 stream message shares.
type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"` // snapshot or delta
	Data  json.RawMessage `json:"data"`
	TS    int64           `json:"ts"`
	Op    string          `json:"op"`
	Succ  bool            `json:"success"`
}

// SubscribeTicker streams ticker updates for one symbol. Ticker frames are
// deltas over the last snapshot, so unchanged fields are carried forward.
func (c *Client) SubscribeTicker(ctx context.Context, symbol string, cb func(common.Ticker)) (common.Unsubscribe, error) {
	topic := "tickers." + symbol
	var last common.Ticker
	return c.runPublicStream(ctx, topic, func(env wsEnvelope) {
		var d struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
			Price24h  string `json:"price24hPcnt"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		last.Symbol = symbol
		last.Time = time.UnixMilli(env.TS)
		if d.LastPrice != "" {
			last.Price = toFloat(d.LastPrice)
		}
		if d.Bid1Price != "" {
			last.Bid = toFloat(d.Bid1Price)
		}
		if d.Ask1Price != "" {
			last.Ask = toFloat(d.Ask1Price)
		}
		if d.Volume24h != "" {
			last.Volume24h = toFloat(d.Volume24h)
		}
		if d.Price24h != "" {
			last.Change24h = toFloat(d.Price24h) * 100
		}
		cb(last)
	})
}

// SubscribeOrderbook streams a locally maintained 50-level book. The venue
// sends one snapshot then deltas; a zero quantity removes the level.
func (c *Client) SubscribeOrderbook(ctx context.Context, symbol string, cb func(common.Orderbook)) (common.Unsubscribe, error) {
	topic := "orderbook.50." + symbol
	book := newLocalBook(symbol)
	return c.runPublicStream(ctx, topic, func(env wsEnvelope) {
		var d struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		if env.Type == "snapshot" {
			book.reset()
		}
		book.apply(d.Bids, d.Asks)
		cb(book.snapshot(time.UnixMilli(env.TS)))
	})
}

// SubscribeTrades streams public trade prints.
func (c *Client) SubscribeTrades(ctx context.Context, symbol string, cb func(common.PublicTrade)) (common.Unsubscribe, error) {
	topic := "publicTrade." + symbol
	return c.runPublicStream(ctx, topic, func(env wsEnvelope) {
		var trades []struct {
			Symbol string `json:"s"`
			Price  string `json:"p"`
			Qty    string `json:"v"`
			Side   string `json:"S"` // taker side
			Time   int64  `json:"T"`
		}
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return
		}
		for _, tr := range trades {
			cb(common.PublicTrade{
				Symbol:       tr.Symbol,
				Price:        toFloat(tr.Price),
				Qty:          toFloat(tr.Qty),
				IsBuyerMaker: tr.Side == "Sell", // taker sold into the bid
				Time:         time.UnixMilli(tr.Time),
			})
		}
	})
}

// SubscribeUserData streams authenticated order and execution updates.
func (c *Client) SubscribeUserData(ctx context.Context, cb func(common.UserDataEvent)) (common.Unsubscribe, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, common.NewError(common.ErrAuth, "API key/secret required for user data stream")
	}
	subCtx, cancel := context.WithCancel(ctx)

	connect := func(ctx context.Context) error {
		return c.pumpSocket(ctx, c.privateStreamURL(), true, []string{"order"}, func(env wsEnvelope) {
			if env.Topic != "order" {
				return
			}
			var orders []struct {
				OrderID     string `json:"orderId"`
				OrderLinkID string `json:"orderLinkId"`
				Symbol      string `json:"symbol"`
				Side        string `json:"side"`
				OrderStatus string `json:"orderStatus"`
				Price       string `json:"price"`
				Qty         string `json:"qty"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				CumExecFee  string `json:"cumExecFee"`
				FeeCurrency string `json:"feeCurrency"`
				UpdatedTime string `json:"updatedTime"`
			}
			if err := json.Unmarshal(env.Data, &orders); err != nil {
				return
			}
			for _, o := range orders {
				updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
				side := common.SideBuy
				if o.Side == "Sell" {
					side = common.SideSell
				}
				cb(common.UserDataEvent{
					ExchangeOrderID: o.OrderID,
					ClientOrderID:   o.OrderLinkID,
					Symbol:          o.Symbol,
					Side:            side,
					Status:          mapStatus(o.OrderStatus),
					Price:           toFloat(o.Price),
					Quantity:        toFloat(o.Qty),
					FilledQuantity:  toFloat(o.CumExecQty),
					LastFillPrice:   toFloat(o.AvgPrice),
					Fee:             toFloat(o.CumExecFee),
					FeeAsset:        o.FeeCurrency,
					Time:            time.UnixMilli(updated),
				})
			}
		})
	}
	gap := func() {
		if c.onGap != nil {
			c.onGap("order")
		}
	}

	go common.RunStream(subCtx, c.log, "bybit-private", connect, gap)
	return common.Unsubscribe(cancel), nil
}

func (c *Client) runPublicStream(ctx context.Context, topic string, handle func(wsEnvelope)) (common.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	connect := func(ctx context.Context) error {
		return c.pumpSocket(ctx, c.publicStreamURL(), false, []string{topic}, handle)
	}
	gap := func() {
		if c.onGap != nil {
			c.onGap(topic)
		}
	}

	go common.RunStream(subCtx, c.log, topic, connect, gap)
	return common.Unsubscribe(cancel), nil
}

// pumpSocket dials a stream socket, authenticates if needed, subscribes the
// topics, and reads until the connection fails or ctx is done.
func (c *Client) pumpSocket(ctx context.Context, wsURL string, private bool, topics []string, handle func(wsEnvelope)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	if private {
		expires := time.Now().Add(5*time.Second).UnixMilli()
		sig := Sign("", "", "", fmt.Sprintf("GET/realtime%d", expires), c.cfg.APISecret)
		auth := map[string]any{"op": "auth", "args": []any{c.cfg.APIKey, expires, sig}}
		if err := conn.WriteJSON(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	sub := map[string]any{"op": "subscribe", "args": topics}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteJSON(map[string]string{"op": "ping"})
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var env wsEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch env.Op {
		case "pong", "ping", "subscribe":
			continue
		case "auth":
			if !env.Succ {
				return common.NewError(common.ErrAuth, "stream auth rejected")
			}
			continue
		}
		if env.Topic != "" {
			handle(env)
		}
	}
}

// localBook maintains the depth state the delta stream describes.
type localBook struct {
	symbol string
	bids   map[float64]float64
	asks   map[float64]float64
}

func newLocalBook(symbol string) *localBook {
	return &localBook{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

func (b *localBook) reset() {
	b.bids = make(map[float64]float64)
	b.asks = make(map[float64]float64)
}

func (b *localBook) apply(bids, asks [][]string) {
	applySide(b.bids, bids)
	applySide(b.asks, asks)
}

func applySide(side map[float64]float64, levels [][]string) {
	for _, l := range levels {
		if len(l) < 2 {
			continue
		}
		price, qty := toFloat(l[0]), toFloat(l[1])
		if qty == 0 {
			delete(side, price)
		} else {
			side[price] = qty
		}
	}
}

func (b *localBook) snapshot(ts time.Time) common.Orderbook {
	bids := sortedLevels(b.bids, true)
	asks := sortedLevels(b.asks, false)
	return common.Orderbook{Symbol: b.symbol, Bids: bids, Asks: asks, Time: ts}
}

func sortedLevels(side map[float64]float64, desc bool) []common.PriceLevel {
	out := make([]common.PriceLevel, 0, len(side))
	for p, q := range side {
		out = append(out, common.PriceLevel{Price: p, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
