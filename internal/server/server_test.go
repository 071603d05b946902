package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/query"
	"LendLedger/internal/server"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueries struct {
	lastLimit  int
	lastBefore *int64
}

func (f *fakeQueries) GetMarket(_ context.Context, id string) (*query.MarketResponse, error) {
	if id != "dUSDC" {
		return nil, fmt.Errorf("market %s: %w", id, query.ErrNotFound)
	}
	return &query.MarketResponse{MarketID: id, Kind: "debt", AsOfSequence: 7}, nil
}

func (f *fakeQueries) ListMarkets(context.Context) (*query.MarketsResponse, error) {
	return &query.MarketsResponse{Markets: []query.MarketResponse{{MarketID: "dUSDC"}}, AsOfSequence: 7}, nil
}

func (f *fakeQueries) GetAccountPosition(_ context.Context, account uuid.UUID, id string) (*query.PositionResponse, error) {
	return &query.PositionResponse{Account: account, MarketID: id, Shares: "10"}, nil
}

func (f *fakeQueries) ListLiquidations(_ context.Context, _ uuid.UUID, limit int, before *int64) (*query.LiquidationsResponse, error) {
	f.lastLimit, f.lastBefore = limit, before
	return &query.LiquidationsResponse{Liquidations: []query.LiquidationRecord{}}, nil
}

func (f *fakeQueries) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, LatestSequence: 7}, nil
}

type harness struct {
	handler  http.Handler
	queries  *fakeQueries
	commands chan event.Event
	metrics  *observability.Metrics
	srv      *server.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queries:  &fakeQueries{},
		commands: make(chan event.Event, 1),
		metrics:  observability.NewMetricsWith(prometheus.NewRegistry()),
	}
	h.srv = server.NewServer("127.0.0.1:0", "127.0.0.1:0", &server.ServerDeps{
		Queries:       h.queries,
		Commands:      ingestion.NewIngestService(h.commands),
		Snapshot:      func(context.Context) (int64, error) { return 42, nil },
		HealthChecker: observability.NewHealthChecker(),
		Metrics:       h.metrics,
		Logger:        zerolog.Nop(),
		StartTime:     time.Now(),
	})
	handler, err := h.srv.Handler()
	require.NoError(t, err)
	h.handler = handler
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestMarketRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do("GET", "/v1/markets/dUSDC", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m query.MarketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "dUSDC", m.MarketID)
	assert.Equal(t, int64(7), m.AsOfSequence)

	rec = h.do("GET", "/v1/markets/dDAI", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e server.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "NotFound", e.Code)

	rec = h.do("GET", "/v1/markets", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.QueryErrors.WithLabelValues("get_market", "NotFound")))
}

func TestAccountRoutes(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	rec := h.do("GET", "/v1/accounts/"+account.String()+"/positions/cWETH", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p query.PositionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, account, p.Account)

	rec = h.do("GET", "/v1/accounts/nope/positions/cWETH", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("GET", "/v1/accounts/"+account.String()+"/liquidations?limit=5&before=99", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.queries.lastLimit)
	require.NotNil(t, h.queries.lastBefore)
	assert.Equal(t, int64(99), *h.queries.lastBefore)

	rec = h.do("GET", "/v1/accounts/"+account.String()+"/liquidations?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitCommand(t *testing.T) {
	h := newHarness(t)

	body := `{"command_id":"550e8400-e29b-41d4-a716-446655440000","timestamp":1700000000,"market":"dUSDC"}`
	rec := h.do("POST", "/v1/commands/accrue_interest", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var ack server.CommandAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", ack.IdempotencyKey)
	assert.Equal(t, event.EventTypeAccrueInterest, (<-h.commands).EventType())

	rec = h.do("POST", "/v1/commands/accrue_interest", `{"timestamp":1700000000,"market":"dUSDC"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("POST", "/v1/commands/accrue_interest", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do("POST", "/v1/commands/trade_fill", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAndHealthRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do("POST", "/v1/admin/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sequence":42}`, rec.Body.String())

	rec = h.do("POST", "/v1/admin/rebuild-liquidations", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = h.do("GET", "/v1/admin/integrity", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do("GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.srv.SetServing(true)
	rec = h.do("GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do("GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
