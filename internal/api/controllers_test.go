package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/engine"
	"xor-core/internal/gateway"
	"xor-core/internal/monitor"
	"xor-core/pkg/config"
	"xor-core/pkg/exchanges/common"
)

type apiStubAdapter struct{}

func (apiStubAdapter) Name() string                  { return "stub" }
func (apiStubAdapter) Market() common.MarketType     { return common.MarketSpot }
func (apiStubAdapter) Connect(context.Context) error { return nil }
func (apiStubAdapter) Disconnect() error             { return nil }
func (apiStubAdapter) GetTicker(context.Context, string) (common.Ticker, error) {
	return common.Ticker{}, nil
}
func (apiStubAdapter) GetOrderbook(context.Context, string, int) (common.Orderbook, error) {
	return common.Orderbook{}, nil
}
func (apiStubAdapter) GetBalances(context.Context) ([]common.Balance, error) {
	return []common.Balance{{Asset: "USDT", Total: 10000, Free: 10000}}, nil
}
func (apiStubAdapter) GetPositions(context.Context) ([]common.Position, error) { return nil, nil }
func (apiStubAdapter) GetKlines(context.Context, string, string, int) ([]common.Kline, error) {
	return nil, nil
}
func (apiStubAdapter) PlaceOrder(context.Context, common.OrderRequest) (common.OrderResult, error) {
	return common.OrderResult{Status: common.StatusNew}, nil
}
func (apiStubAdapter) CancelOrder(context.Context, string, string) error { return nil }
func (apiStubAdapter) GetOrder(context.Context, string, string) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (apiStubAdapter) GetOpenOrders(context.Context, string) ([]common.OrderResult, error) {
	return nil, nil
}
func (apiStubAdapter) SetLeverage(context.Context, string, int) error { return nil }
func (apiStubAdapter) TickSize(context.Context, string) (float64, error) {
	return 0.01, nil
}
func (apiStubAdapter) SubscribeTicker(context.Context, string, func(common.Ticker)) (common.Unsubscribe, error) {
	return func() {}, nil
}
func (apiStubAdapter) SubscribeOrderbook(context.Context, string, func(common.Orderbook)) (common.Unsubscribe, error) {
	return func() {}, nil
}
func (apiStubAdapter) SubscribeTrades(context.Context, string, func(common.PublicTrade)) (common.Unsubscribe, error) {
	return func() {}, nil
}
func (apiStubAdapter) SubscribeUserData(context.Context, func(common.UserDataEvent)) (common.Unsubscribe, error) {
	return func() {}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Profile:           config.ProfileDevelopment,
		DBPath:            ":memory:",
		Symbols:           []string{"BTCUSDT"},
		WorkerCount:       2,
		ReconcileInterval: time.Hour,
		DrainGrace:        time.Millisecond,
		Binance:           config.ExchangeKeys{APIKey: "k", APISecret: "s"},
		Risk: config.RiskDefaults{
			MaxDrawdownPercent: 10, MaxPositionSizePercent: 5,
			DailyLossLimitPercent: 3, MaxLeverage: 10, MaxOpenPositions: 10,
		},
	}
	factory := func(gateway.AdapterSpec, zerolog.Logger) (common.Adapter, error) {
		return apiStubAdapter{}, nil
	}
	eng, err := engine.New(cfg, zerolog.Nop(), engine.WithGatewayFactory(factory))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return NewServer(eng, monitor.NewSystemMetrics(), zerolog.Nop())
}

func doRequest(t *testing.T, s *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

const gridBotBody = `{
	"exchange": "binance",
	"symbol": "BTCUSDT",
	"strategy": "grid",
	"position_size": 100,
	"params": {"upper_price": 110, "lower_price": 90, "grid_count": 4, "order_size": 0.1}
}`

func createBotID(t *testing.T, s *Server, userID string) string {
	t.Helper()
	w := doRequest(t, s, http.MethodPost, "/api/bots", userID, gridBotBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create bot: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return created.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
}

func TestUserHeaderRequired(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/bots", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: %d", w.Code)
	}
}

func TestCreateAndListBots(t *testing.T) {
	s := newTestServer(t)
	id := createBotID(t, s, "user-a")

	w := doRequest(t, s, http.MethodGet, "/api/bots", "user-a", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), id) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}

	// Another user sees nothing.
	w = doRequest(t, s, http.MethodGet, "/api/bots", "user-b", "")
	if strings.Contains(w.Body.String(), id) {
		t.Fatalf("bot leaked across users: %s", w.Body.String())
	}
	w = doRequest(t, s, http.MethodGet, "/api/bots/"+id, "user-b", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign bot fetch: %d", w.Code)
	}
}

func TestBotLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := createBotID(t, s, "user-a")

	steps := []struct {
		path   string
		status string
	}{
		{"/start", "running"},
		{"/pause", "paused"},
		{"/resume", "running"},
		{"/stop", "stopped"},
	}
	for _, step := range steps {
		w := doRequest(t, s, http.MethodPost, "/api/bots/"+id+step.path, "user-a", "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), step.status) {
			t.Fatalf("%s status: %s", step.path, w.Body.String())
		}
	}

	// Stopped bots can be reconfigured.
	w := doRequest(t, s, http.MethodPut, "/api/bots/"+id, "user-a", `{"position_size": 250}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "250") {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodDelete, "/api/bots/"+id, "user-a", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
}

func TestUpdateRejectedWhileRunning(t *testing.T) {
	s := newTestServer(t)
	id := createBotID(t, s, "user-a")

	if w := doRequest(t, s, http.MethodPost, "/api/bots/"+id+"/start", "user-a", ""); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	w := doRequest(t, s, http.MethodPut, "/api/bots/"+id, "user-a", `{"position_size": 250}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("update while running: %d", w.Code)
	}
}

func TestKillSwitchEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := createBotID(t, s, "user-a")
	if w := doRequest(t, s, http.MethodPost, "/api/bots/"+id+"/start", "user-a", ""); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}

	w := doRequest(t, s, http.MethodPost, "/api/risk/kill", "user-a", `{"reason": "manual stop"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("kill: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/api/risk", "user-a", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"active":true`) {
		t.Fatalf("risk state: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/api/bots/"+id, "user-a", "")
	if !strings.Contains(w.Body.String(), "killed") {
		t.Fatalf("bot not killed: %s", w.Body.String())
	}

	w = doRequest(t, s, http.MethodPost, "/api/risk/release", "user-a", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("release without code: %d", w.Code)
	}
	w = doRequest(t, s, http.MethodPost, "/api/risk/release", "user-a", `{"confirmation_code": "CONFIRM"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("release: %d %s", w.Code, w.Body.String())
	}
}

func TestOrdersAndPositionsEmpty(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/orders", "user-a", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"orders":[]`) {
		t.Fatalf("orders: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(t, s, http.MethodGet, "/api/positions", "user-a", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"positions":[]`) {
		t.Fatalf("positions: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(t, s, http.MethodDelete, "/api/orders/ghost:1", "user-a", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	var snap monitor.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.GoroutineCount == 0 {
		t.Fatal("snapshot not populated")
	}
}
