package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/exchange"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
	"PerpSettle/internal/testutil"
	"PerpSettle/internal/types"
)

type emptyStore struct{}

func (emptyStore) Markets(context.Context) ([]query.MarketResponse, error) { return nil, nil }

func (emptyStore) Positions(context.Context, string, string) ([]query.PositionResponse, error) {
	return nil, nil
}

func (emptyStore) Position(context.Context, string) (*query.PositionResponse, error) {
	return nil, query.ErrNotFound
}

func (emptyStore) Requests(context.Context, query.RequestFilter) ([]query.RequestResponse, error) {
	return nil, nil
}

func (emptyStore) Liquidations(context.Context, string, int) ([]query.LiquidationResponse, error) {
	return nil, nil
}

func (emptyStore) ProjectedSequence(context.Context) (int64, error) { return 0, nil }

type env struct {
	settlement *testutil.Settlement
	router     http.Handler
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	hub        *EventHub
	stream     chan core.Output
}

func newEnv(t *testing.T) *env {
	t.Helper()
	stream := make(chan core.Output, 64)
	s := testutil.NewSettlement(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	submit := make(chan core.Submission)
	go s.Processor.Run(ctx, submit)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub := NewEventHub(metrics, testutil.Logger())
	go hub.Run(ctx, stream)

	health := observability.NewHealthChecker()
	router := NewRouter(Deps{
		Query:   query.NewQueryService(emptyStore{}, nil, s.Processor),
		Decoder: ingestion.NewDecoder(testutil.Salt),
		Submit:  submit,
		Hub:     hub,
		Health:  health,
		Metrics: metrics,
		Logger:  testutil.Logger(),
	})
	return &env{settlement: s, router: router, health: health, metrics: metrics, hub: hub, stream: stream}
}

func (e *env) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestSubmitCommand_CreateDepositIsIdempotent(t *testing.T) {
	e := newEnv(t)
	body := testutil.WireCommand(t, "dep-1", core.CmdCreateDeposit, testutil.AliceKey, exchange.DepositParams{
		Market:          e.settlement.Market,
		LongToken:       testutil.WETH,
		ShortToken:      testutil.USDC,
		LongTokenAmount: testutil.Ether(1),
	})

	w := e.do(t, http.MethodPost, "/v1/commands/CreateDeposit", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[core.Result](t, w)
	assert.Equal(t, "dep-1", res.CommandID)
	assert.False(t, res.Duplicate)
	assert.NotEqual(t, common.Hash{}, res.Key)
	_, ok := e.settlement.Exchange.Deposit(res.Key)
	assert.True(t, ok)

	w = e.do(t, http.MethodPost, "/v1/commands/CreateDeposit", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[core.Result](t, w).Duplicate)
	assert.Equal(t, 1, e.settlement.Exchange.DepositCount())
}

func TestSubmitCommand_IdempotencyKeyHeader(t *testing.T) {
	e := newEnv(t)
	body := testutil.WireCommand(t, "signer-1", core.CmdAddOracleSigner, testutil.AliceKey, core.SignerPayload{Signer: testutil.Bob})
	delete(body, "id")

	w := e.do(t, http.MethodPost, "/v1/commands/AddOracleSigner", body, "Idempotency-Key", "signer-1")
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	resp := decodeBody[errorResponse](t, w)
	assert.Equal(t, types.KindAuthorization.String(), resp.Kind)
	assert.Contains(t, resp.Error, "lacks")
}

func TestSubmitCommand_CallerMustSign(t *testing.T) {
	e := newEnv(t)
	grant := core.RolePayload{Account: testutil.Bob, Role: types.RoleAdmin}

	forged := testutil.WireCommand(t, "grant-1", core.CmdGrantRole, testutil.BobKey, grant)
	forged["caller"] = testutil.Admin.Hex()

	unsigned := testutil.WireCommand(t, "grant-2", core.CmdGrantRole, testutil.AdminKey, grant)
	delete(unsigned, "signature")

	reused := testutil.WireCommand(t, "grant-3", core.CmdGrantRole, testutil.AdminKey, grant)
	reused["id"] = "grant-4"

	for name, body := range map[string]map[string]any{"forged caller": forged, "unsigned": unsigned, "id swapped": reused} {
		w := e.do(t, http.MethodPost, "/v1/commands/GrantRole", body)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s: %s", name, w.Body.String())
	}
	assert.False(t, e.settlement.Exchange.HasRole(testutil.Bob, types.RoleAdmin))

	signed := testutil.WireCommand(t, "grant-5", core.CmdGrantRole, testutil.AdminKey, grant)
	w := e.do(t, http.MethodPost, "/v1/commands/GrantRole", signed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, e.settlement.Exchange.HasRole(testutil.Bob, types.RoleAdmin))
}

func TestSubmitCommand_ErrorStatuses(t *testing.T) {
	e := newEnv(t)
	caller := testutil.Bob.Hex()

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{
			name: "unknown command",
			path: "/v1/commands/Teleport",
			body: map[string]any{"caller": caller},
			want: http.StatusNotFound,
		},
		{
			name: "genesis is not submittable",
			path: "/v1/commands/ApplyGenesis",
			body: map[string]any{"caller": caller},
			want: http.StatusNotFound,
		},
		{
			name: "bad caller",
			path: "/v1/commands/CancelOrder",
			body: map[string]any{"caller": "bob"},
			want: http.StatusBadRequest,
		},
		{
			name: "missing order",
			path: "/v1/commands/CancelOrder",
			body: testutil.WireCommand(t, "cancel-1", core.CmdCancelOrder, testutil.BobKey, core.KeyPayload{Key: common.HexToHash("0xdead")}),
			want: http.StatusNotFound,
		},
		{
			name: "not an admin",
			path: "/v1/commands/CreateMarket",
			body: testutil.WireCommand(t, "market-1", core.CmdCreateMarket, testutil.BobKey, core.CreateMarketPayload{
				IndexToken: testutil.USDC, LongToken: testutil.USDC, ShortToken: testutil.WETH,
			}),
			want: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestQueryEndpoints(t *testing.T) {
	e := newEnv(t)
	market := e.settlement.Market.Hex()

	w := e.do(t, http.MethodGet, "/v1/markets/"+market, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	m := decodeBody[query.MarketResponse](t, w)
	assert.Equal(t, testutil.WETH.Hex(), m.LongToken)
	require.NotNil(t, m.Pool)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/markets/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/markets/"+testutil.Bob.Hex(), nil).Code)

	w = e.do(t, http.MethodGet, "/v1/balances/"+testutil.WETH.Hex()+"/"+testutil.Alice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testutil.Ether(1_000).Dec(), decodeBody[query.BalanceResponse](t, w).Amount)

	w = e.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[query.StatusResponse](t, w)
	assert.Equal(t, int64(1), st.CommandSeq)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/positions/"+common.HexToHash("0x1").Hex(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/positions/0x1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/requests?limit=-1", nil).Code)

	w = e.do(t, http.MethodGet, "/v1/integrity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeBody[query.IntegrityReport](t, w).IsHealthy)

	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("GET /v1/status", "200")))
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodGet, "/readyz", nil).Code)

	e.health.SetReady(true)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestStream_FiltersByMarket(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?market=" + e.settlement.Market.Hex() + "&types=DepositCreated"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	other := testutil.Bob
	mine := e.settlement.Market
	e.stream <- core.Output{Envelopes: []event.EventEnvelope{
		{Sequence: 10, EventType: event.EventTypeDepositCreated, Market: &other},
		{Sequence: 11, EventType: event.EventTypeDepositExecuted, Market: &mine},
		{Sequence: 12, EventType: event.EventTypeDepositCreated, Market: &mine},
	}}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got event.EventEnvelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(12), got.Sequence)
	assert.Equal(t, 1.0, promtest.ToFloat64(e.metrics.StreamClients))
}

func TestStream_RejectsBadFilter(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/v1/stream?types=Nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
