package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-trade/arbiter/pkg/detector"
	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/guard"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

// fakeClient fills, rejects or stalls orders according to its knobs.
type fakeClient struct {
	name       string
	placeErr   error
	fillStatus models.OrderStatus
	fillAmount decimal.Decimal

	mu        sync.Mutex
	placed    []models.OrderRequest
	cancelled []string
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Connect(context.Context) error { return nil }

func (f *fakeClient) Subscribe(models.Pair) {}

func (f *fakeClient) Events() <-chan exchange.Event { return nil }

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) CancelAllOrders(context.Context) error { return nil }

func (f *fakeClient) Resync(context.Context, models.Pair) error { return nil }

func (f *fakeClient) GetOrderBook(context.Context, models.Pair) (*models.OrderBookSnapshot, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) GetCurrencies(context.Context) ([]models.Currency, error) { return nil, nil }
func (f *fakeClient) GetPairs(context.Context) ([]models.Pair, error)          { return nil, nil }

func (f *fakeClient) PlaceOrder(_ context.Context, req *models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, *req)
	now := time.Now()
	return &models.Order{
		ID:              uuid.New(),
		ExchangeOrderID: "1",
		Exchange:        f.name,
		Pair:            req.Pair,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Amount:          req.Amount,
		Status:          models.OrderStatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (f *fakeClient) GetOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := *order
	updated.Status = f.fillStatus
	updated.FilledAmount = f.fillAmount
	if order.Price.Valid {
		updated.AveragePrice = order.Price
	}
	return &updated, nil
}

func (f *fakeClient) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

type coordFixture struct {
	table *detector.Table
	coord *Coordinator
	buy   *fakeClient
	sell  *fakeClient
	guard *guard.Guard
}

func newCoordFixture(t *testing.T, buy, sell *fakeClient) *coordFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	exchanges := []models.Exchange{
		{Code: "alpha", TakerFee: decimal.RequireFromString("0.0025")},
		{Code: "beta", TakerFee: decimal.RequireFromString("0.002")},
	}
	currencies := []models.Currency{
		{Symbol: "btc", Name: "Bitcoin", IsCrypto: true, DecimalPlaces: 8},
		{Symbol: "usdt", Name: "Tether", IsCrypto: true, DecimalPlaces: 2},
	}
	pairs := []models.Pair{
		{Base: "BTC", Quote: "USDT", Exchange: "alpha", PairID: 11, Symbol: "btcusdt"},
		{Base: "BTC", Quote: "USDT", Exchange: "beta", PairID: 7, Symbol: "BTC-USDT"},
	}

	g := guard.New()
	g.Register("alpha", 6000, guard.Config{}, logger)
	g.Register("beta", 6000, guard.Config{}, logger)

	table := detector.NewTable()
	coord := New(Config{
		ExecutionTimeout: 2 * time.Second,
		FillWait:         time.Second,
		PollInterval:     5 * time.Millisecond,
	}, table, map[string]exchange.Client{"alpha": buy, "beta": sell}, g, exchanges, currencies, pairs, logger)
	coord.Start(context.Background())

	return &coordFixture{table: table, coord: coord, buy: buy, sell: sell, guard: g}
}

func openOpportunity(table *detector.Table) models.ArbitrageOpportunity {
	now := time.Now()
	opp, _ := table.Upsert(models.ArbitrageOpportunity{
		Base:         "BTC",
		Quote:        "USDT",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     decimal.RequireFromString("100"),
		SellPrice:    decimal.RequireFromString("103"),
		Amount:       decimal.NewFromInt(1),
		DetectedAt:   now,
		ExpiresAt:    now.Add(time.Minute),
	})
	return *opp
}

func filledClient(name string) *fakeClient {
	return &fakeClient{name: name, fillStatus: models.OrderStatusFilled, fillAmount: decimal.NewFromInt(1)}
}

func TestExecutionCompletes(t *testing.T) {
	f := newCoordFixture(t, filledClient("alpha"), filledClient("beta"))
	opp := openOpportunity(f.table)

	exec, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()

	final, ok := f.coord.Execution(exec.ID)
	require.True(t, ok)
	assert.Equal(t, models.ExecutionCompleted, final.State)
	require.True(t, final.FinalProfit.Valid)
	// 1 @ 103 minus 0.2% fee, less 1 @ 100 plus 0.25% fee.
	assert.True(t, final.FinalProfit.Decimal.Equal(decimal.RequireFromString("2.544")),
		"got %s", final.FinalProfit.Decimal)

	got, _ := f.table.Get(opp.ID)
	assert.Equal(t, models.OpportunityCompleted, got.Status)

	assert.True(t, f.coord.WeeklyProfit(time.Now()).Equal(decimal.RequireFromString("2.544")))
}

func TestTriggerIsExclusive(t *testing.T) {
	f := newCoordFixture(t, filledClient("alpha"), filledClient("beta"))
	opp := openOpportunity(f.table)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Trigger(opp.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	f.coord.Wait()

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, detector.ErrAlreadyTriggered)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one trigger wins the claim")
}

func TestTriggerUnknownOpportunity(t *testing.T) {
	f := newCoordFixture(t, filledClient("alpha"), filledClient("beta"))
	_, err := f.coord.Trigger(uuid.New())
	assert.ErrorIs(t, err, detector.ErrNotOpen)
}

func TestTriggerOfflineExchange(t *testing.T) {
	f := newCoordFixture(t, filledClient("alpha"), filledClient("beta"))
	opp := openOpportunity(f.table)

	f.guard.Exchange("beta").ReportFailure(&exchange.AuthenticationError{Exchange: "beta", Err: errors.New("bad key")})
	_, err := f.coord.Trigger(opp.ID)
	assert.ErrorIs(t, err, detector.ErrExchangeOffline)

	// The opportunity was not consumed by the rejected trigger.
	got, _ := f.table.Get(opp.ID)
	assert.Equal(t, models.OpportunityOpen, got.Status)
}

func TestLegFailureRecordsFilledLeg(t *testing.T) {
	sell := &fakeClient{name: "beta", placeErr: &exchange.ValidationError{Exchange: "beta", Message: "amount below minimum"}}
	f := newCoordFixture(t, filledClient("alpha"), sell)
	opp := openOpportunity(f.table)

	exec, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()

	final, _ := f.coord.Execution(exec.ID)
	assert.Equal(t, models.ExecutionFailed, final.State)
	assert.Equal(t, models.FailureLegFailure, final.FailureReason)
	require.NotNil(t, final.BuyOrder, "the filled leg stays on the record for remediation")
	assert.Nil(t, final.SellOrder)
	assert.False(t, final.FinalProfit.Valid)

	got, _ := f.table.Get(opp.ID)
	assert.Equal(t, models.OpportunityFailed, got.Status)
}

func TestPartialFillIsSurfacedNotRetried(t *testing.T) {
	sell := &fakeClient{name: "beta", fillStatus: models.OrderStatusCancelled, fillAmount: decimal.RequireFromString("0.5")}
	f := newCoordFixture(t, filledClient("alpha"), sell)
	opp := openOpportunity(f.table)

	exec, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()

	final, _ := f.coord.Execution(exec.ID)
	assert.Equal(t, models.ExecutionPartiallyFilled, final.State)
	assert.Equal(t, models.FailurePartialFill, final.FailureReason)

	sell.mu.Lock()
	placed := len(sell.placed)
	sell.mu.Unlock()
	assert.Equal(t, 1, placed, "the shortfall is never topped up with another order")

	got, _ := f.table.Get(opp.ID)
	assert.Equal(t, models.OpportunityFailed, got.Status)
}

func TestFillWaitCancelsRemainder(t *testing.T) {
	// Orders that never leave the open state get their remainder cancelled
	// once the bounded wait ends.
	stalled := &fakeClient{name: "beta", fillStatus: models.OrderStatusNew, fillAmount: decimal.Zero}
	f := newCoordFixture(t, filledClient("alpha"), stalled)
	f.coord.cfg.FillWait = 30 * time.Millisecond
	opp := openOpportunity(f.table)

	exec, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()

	final, _ := f.coord.Execution(exec.ID)
	assert.Equal(t, models.ExecutionFailed, final.State)

	stalled.mu.Lock()
	cancelled := len(stalled.cancelled)
	stalled.mu.Unlock()
	assert.Equal(t, 1, cancelled)
}

func TestSequentialSellsOnlyWhatWasBought(t *testing.T) {
	buy := &fakeClient{name: "alpha", fillStatus: models.OrderStatusFilled, fillAmount: decimal.RequireFromString("0.7")}
	sell := filledClient("beta")
	f := newCoordFixture(t, buy, sell)
	f.coord.cfg.Sequential = true
	opp := openOpportunity(f.table)

	_, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()

	sell.mu.Lock()
	defer sell.mu.Unlock()
	require.Len(t, sell.placed, 1)
	assert.True(t, sell.placed[0].Amount.Equal(decimal.RequireFromString("0.7")))
}

func TestOrderAmountTruncatedToCurrencyPrecision(t *testing.T) {
	buy := filledClient("alpha")
	sell := filledClient("beta")
	f := newCoordFixture(t, buy, sell)
	f.coord.precisions["BTC"] = 4

	now := time.Now()
	opp, _ := f.table.Upsert(models.ArbitrageOpportunity{
		Base:         "BTC",
		Quote:        "USDT",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		BuyPrice:     decimal.RequireFromString("100"),
		SellPrice:    decimal.RequireFromString("103"),
		Amount:       decimal.RequireFromString("0.123456789"),
		DetectedAt:   now,
		ExpiresAt:    now.Add(time.Minute),
	})

	_, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()

	for _, client := range []*fakeClient{buy, sell} {
		client.mu.Lock()
		require.Len(t, client.placed, 1)
		assert.True(t, client.placed[0].Amount.Equal(decimal.RequireFromString("0.1234")),
			"%s leg truncated to the base currency's precision", client.name)
		client.mu.Unlock()
	}
}

func TestActiveOrdersCountsNonTerminal(t *testing.T) {
	f := newCoordFixture(t, filledClient("alpha"), filledClient("beta"))
	opp := openOpportunity(f.table)

	_, err := f.coord.Trigger(opp.ID)
	require.NoError(t, err)
	f.coord.Wait()
	assert.Equal(t, 0, f.coord.ActiveOrders(), "filled orders are terminal")
}
