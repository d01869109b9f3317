package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-trade/arbiter/pkg/detector"
	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/executor"
	"github.com/arbiter-trade/arbiter/pkg/guard"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

type serverFixture struct {
	server *Server
	table  *detector.Table
	coord  *executor.Coordinator
	guard  *guard.Guard
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	exchanges := []models.Exchange{
		{Code: "alpha", TakerFee: decimal.RequireFromString("0.0025")},
		{Code: "beta", TakerFee: decimal.RequireFromString("0.002")},
	}
	g := guard.New()
	g.Register("alpha", 6000, guard.Config{}, logger)
	g.Register("beta", 6000, guard.Config{}, logger)

	table := detector.NewTable()
	coord := executor.New(executor.Config{
		ExecutionTimeout: time.Second,
		FillWait:         50 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	}, table, map[string]exchange.Client{}, g, exchanges, nil, nil, logger)

	return &serverFixture{
		server: NewServer(table, coord, g, logger, "0"),
		table:  table,
		coord:  coord,
		guard:  g,
	}
}

func (f *serverFixture) openOpportunity() models.ArbitrageOpportunity {
	now := time.Now()
	opp, _ := f.table.Upsert(models.ArbitrageOpportunity{
		Base:         "BTC",
		Quote:        "USDT",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     decimal.RequireFromString("100"),
		SellPrice:    decimal.RequireFromString("103"),
		Amount:       decimal.NewFromInt(1),
		NetProfit:    decimal.RequireFromString("2.544"),
		NetProfitPct: decimal.RequireFromString("2.5377"),
		DetectedAt:   now,
		ExpiresAt:    now.Add(time.Minute),
	})
	return *opp
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	rec := httptest.NewRecorder()
	f.server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStats(t *testing.T) {
	f := newServerFixture(t)
	f.openOpportunity()

	rec := httptest.NewRecorder()
	f.server.handleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.ActiveOpportunities)
	assert.Equal(t, "0", body.WeeklyProfit)
	assert.Equal(t, 0, body.ActiveOrders)
}

func TestOpportunitiesListed(t *testing.T) {
	f := newServerFixture(t)
	opp := f.openOpportunity()

	rec := httptest.NewRecorder()
	f.server.handleOpportunities(rec, httptest.NewRequest(http.MethodGet, "/api/opportunities", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var rows []opportunityRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, opp.ID.String(), rows[0].ID)
	assert.Equal(t, "BTC/USDT", rows[0].Pair)
	assert.Equal(t, "alpha", rows[0].BuyExchange)
	assert.Equal(t, "2.5377", rows[0].NetProfitPct)
	assert.Greater(t, rows[0].ExpiresInSec, int64(0))
}

func triggerBody(t *testing.T, id string) io.Reader {
	t.Helper()
	body, err := json.Marshal(triggerRequest{OpportunityID: id})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestTriggerExecutionAccepted(t *testing.T) {
	f := newServerFixture(t)
	opp := f.openOpportunity()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/executions", triggerBody(t, opp.ID.String()))
	f.server.handleTriggerExecution(rec, req)
	f.coord.Wait()

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.NotEmpty(t, resp.ExecutionID)
}

func TestTriggerExecutionRejectedTwice(t *testing.T) {
	f := newServerFixture(t)
	opp := f.openOpportunity()
	require.NoError(t, f.table.Claim(opp.ID, time.Now()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/executions", triggerBody(t, opp.ID.String()))
	f.server.handleTriggerExecution(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "already-triggered", resp.Reason)
}

func TestTriggerExecutionExpired(t *testing.T) {
	f := newServerFixture(t)
	now := time.Now()
	opp, _ := f.table.Upsert(models.ArbitrageOpportunity{
		Base: "ETH", Quote: "USDT", BuyExchange: "alpha", SellExchange: "beta",
		DetectedAt: now.Add(-2 * time.Minute),
		ExpiresAt:  now.Add(-time.Minute),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/executions", triggerBody(t, opp.ID.String()))
	f.server.handleTriggerExecution(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "expired", resp.Reason)
}

func TestTriggerExecutionBadRequest(t *testing.T) {
	f := newServerFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/executions", triggerBody(t, "not-a-uuid"))
	f.server.handleTriggerExecution(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.server.handleTriggerExecution(rec, httptest.NewRequest(http.MethodGet, "/api/executions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExchangeStatus(t *testing.T) {
	f := newServerFixture(t)

	rec := httptest.NewRecorder()
	f.server.handleExchangeProbe(rec, httptest.NewRequest(http.MethodGet, "/api/exchanges/alpha", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp exchangeStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alpha", resp.Exchange)
	assert.True(t, resp.Online)

	rec = httptest.NewRecorder()
	f.server.handleExchangeProbe(rec, httptest.NewRequest(http.MethodGet, "/api/exchanges/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExchangeProbe(t *testing.T) {
	f := newServerFixture(t)
	probed := false
	f.server.RegisterProbe("alpha", func(ctx context.Context) error {
		probed = true
		return nil
	})

	rec := httptest.NewRecorder()
	f.server.handleExchangeProbe(rec, httptest.NewRequest(http.MethodPost, "/api/exchanges/alpha/probe", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, probed)
	var resp exchangeStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Online)

	rec = httptest.NewRecorder()
	f.server.handleExchangeProbe(rec, httptest.NewRequest(http.MethodPost, "/api/exchanges/beta/probe", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no probe registered for beta")
}
