// Package executor turns a claimed opportunity into a pair of orders, tracks
// fills and resolves each execution to a terminal state. Half-filled
// arbitrage is never retried or unwound automatically: it is recorded and
// flagged for external remediation.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/arbiter-trade/arbiter/pkg/detector"
	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/guard"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

type Config struct {
	ExecutionTimeout time.Duration // bounds the whole workflow
	FillWait         time.Duration // bounded wait per leg before cancelling
	PollInterval     time.Duration
	Sequential       bool // place sell only after the buy leg resolves
	UseMarketOrders  bool
}

func (c Config) withDefaults() Config {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 90 * time.Second
	}
	if c.FillWait <= 0 {
		c.FillWait = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

type Coordinator struct {
	cfg        Config
	table      *detector.Table
	clients    map[string]exchange.Client
	guard      *guard.Guard
	exchanges  map[string]models.Exchange
	pairs      map[string]models.Pair
	precisions map[string]int32 // currency symbol -> decimal places
	logger     *logrus.Logger

	mu         sync.Mutex
	executions map[uuid.UUID]*models.Execution
	byOpp      map[uuid.UUID]uuid.UUID

	rootCtx context.Context
	wg      sync.WaitGroup
}

func New(cfg Config, table *detector.Table, clients map[string]exchange.Client,
	g *guard.Guard, exchanges []models.Exchange, currencies []models.Currency,
	pairs []models.Pair, logger *logrus.Logger) *Coordinator {

	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		table:      table,
		clients:    clients,
		guard:      g,
		exchanges:  make(map[string]models.Exchange, len(exchanges)),
		pairs:      make(map[string]models.Pair, len(pairs)),
		precisions: make(map[string]int32, len(currencies)),
		logger:     logger,
		executions: make(map[uuid.UUID]*models.Execution),
		byOpp:      make(map[uuid.UUID]uuid.UUID),
		rootCtx:    context.Background(),
	}
	for _, ex := range exchanges {
		c.exchanges[ex.Code] = ex
	}
	for _, cur := range currencies {
		c.precisions[strings.ToUpper(cur.Symbol)] = cur.DecimalPlaces
	}
	for _, p := range pairs {
		c.pairs[p.Exchange+":"+p.CurrencyPair()] = p
	}
	return c
}

// roundAmount truncates an order amount to the base currency's precision so
// the exchange never rejects it for excess decimal places. Unknown currencies
// pass through unchanged.
func (c *Coordinator) roundAmount(base string, amount decimal.Decimal) decimal.Decimal {
	places, ok := c.precisions[strings.ToUpper(base)]
	if !ok {
		return amount
	}
	return amount.Truncate(places)
}

// Start binds in-flight executions to ctx: cancelling it still attempts to
// cancel any already-placed orders before the workflow resolves.
func (c *Coordinator) Start(ctx context.Context) {
	c.rootCtx = ctx
}

// Wait blocks until every in-flight execution has resolved.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Trigger claims the opportunity and starts the execution workflow. The
// claim is exclusive: concurrent triggers for the same opportunity yield one
// accepted call, the rest get a specific rejection reason.
func (c *Coordinator) Trigger(oppID uuid.UUID) (*models.Execution, error) {
	opp, ok := c.table.Get(oppID)
	if !ok {
		return nil, detector.ErrNotOpen
	}

	// Fail fast instead of attempting orders on a tripped exchange.
	if !c.guard.Online(opp.BuyExchange) || !c.guard.Online(opp.SellExchange) {
		return nil, detector.ErrExchangeOffline
	}

	if err := c.table.Claim(oppID, time.Now()); err != nil {
		return nil, err
	}

	exec := &models.Execution{
		ID:            uuid.New(),
		OpportunityID: oppID,
		State:         models.ExecutionPending,
		StartedAt:     time.Now(),
	}
	c.mu.Lock()
	c.executions[exec.ID] = exec
	c.byOpp[oppID] = exec.ID
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(exec, opp)
	}()

	c.logger.WithFields(logrus.Fields{
		"execution":   exec.ID,
		"opportunity": oppID,
	}).Info("Execution triggered")
	return exec, nil
}

type legResult struct {
	side    models.OrderSide
	order   *models.Order
	filled  bool // fully filled within the bounded wait
	partial bool
	err     error
}

func (c *Coordinator) run(exec *models.Execution, opp models.ArbitrageOpportunity) {
	ctx, cancel := context.WithTimeout(c.rootCtx, c.cfg.ExecutionTimeout)
	defer cancel()

	var buy, sell legResult
	if c.cfg.Sequential {
		buy = c.runLeg(ctx, exec, opp, models.OrderSideBuy, opp.Amount)
		sellAmount := opp.Amount
		if buy.order != nil && buy.order.FilledAmount.IsPositive() {
			// sequential strategy sells only what the buy leg actually got
			sellAmount = buy.order.FilledAmount
		}
		if buy.err != nil || sellAmount.IsZero() {
			c.resolve(exec, opp, buy, legResult{side: models.OrderSideSell, err: errLegSkipped})
			return
		}
		sell = c.runLeg(ctx, exec, opp, models.OrderSideSell, sellAmount)
	} else {
		results := make(chan legResult, 2)
		go func() { results <- c.runLeg(ctx, exec, opp, models.OrderSideBuy, opp.Amount) }()
		go func() { results <- c.runLeg(ctx, exec, opp, models.OrderSideSell, opp.Amount) }()
		for i := 0; i < 2; i++ {
			r := <-results
			if r.side == models.OrderSideBuy {
				buy = r
			} else {
				sell = r
			}
		}
	}

	c.resolve(exec, opp, buy, sell)
}

// runLeg places one order and tracks its fill within the bounded wait. A
// partially filled leg has its remainder cancelled, never topped up.
func (c *Coordinator) runLeg(ctx context.Context, exec *models.Execution,
	opp models.ArbitrageOpportunity, side models.OrderSide, amount decimal.Decimal) legResult {

	res := legResult{side: side}

	exchangeCode := opp.BuyExchange
	price := opp.BuyPrice
	if side == models.OrderSideSell {
		exchangeCode = opp.SellExchange
		price = opp.SellPrice
	}
	client, ok := c.clients[exchangeCode]
	if !ok {
		res.err = errors.New("no client for exchange " + exchangeCode)
		return res
	}

	pair, ok := c.pairs[exchangeCode+":"+opp.Base+"/"+opp.Quote]
	if !ok {
		res.err = errors.New("pair not listed on " + exchangeCode)
		return res
	}
	amount = c.roundAmount(opp.Base, amount)
	if amount.IsZero() {
		res.err = errors.New("amount rounds to zero at " + opp.Base + " precision")
		return res
	}
	req := &models.OrderRequest{
		Pair:   pair,
		Side:   side,
		Type:   models.OrderTypeLimit,
		Price:  decimal.NewNullDecimal(price),
		Amount: amount,
	}
	if c.cfg.UseMarketOrders {
		req.Type = models.OrderTypeMarket
		req.Price = decimal.NullDecimal{}
	}

	order, err := client.PlaceOrder(ctx, req)
	if err != nil {
		res.err = err
		return res
	}
	res.order = order
	c.attachOrder(exec, side, order)

	order, res.err = c.trackFill(ctx, client, order)
	if order != nil {
		res.order = order
		c.attachOrder(exec, side, order)
		res.filled = order.Status == models.OrderStatusFilled
		res.partial = order.FilledAmount.IsPositive() && !res.filled
	}
	return res
}

// trackFill polls the order until it is terminal or the bounded wait ends,
// then cancels any unfilled remainder.
func (c *Coordinator) trackFill(ctx context.Context, client exchange.Client, order *models.Order) (*models.Order, error) {
	deadline := time.NewTimer(c.cfg.FillWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.cancelRemainder(client, order), ctx.Err()
		case <-deadline.C:
			return c.cancelRemainder(client, order), nil
		case <-ticker.C:
			updated, err := client.GetOrder(ctx, order)
			if err != nil {
				if exchange.IsRetryable(err) {
					continue
				}
				return order, err
			}
			order = updated
			if order.Status.Terminal() {
				return order, nil
			}
		}
	}
}

// cancelRemainder cancels the unfilled part of an order and refreshes the
// final fill state. Runs on a short fresh context so cleanup still happens
// when the execution context is already cancelled.
func (c *Coordinator) cancelRemainder(client exchange.Client, order *models.Order) *models.Order {
	if order == nil || order.Status.Terminal() {
		return order
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.CancelOrder(ctx, order.ExchangeOrderID); err != nil {
		c.logger.WithField("order", order.ExchangeOrderID).WithError(err).Error("Failed to cancel unfilled remainder")
	}
	if updated, err := client.GetOrder(ctx, order); err == nil {
		return updated
	}
	return order
}

var errLegSkipped = errors.New("leg not placed")

func (c *Coordinator) resolve(exec *models.Execution, opp models.ArbitrageOpportunity, buy, sell legResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	exec.CompletedAt = now

	switch {
	case errors.Is(buy.err, context.DeadlineExceeded) || errors.Is(sell.err, context.DeadlineExceeded):
		exec.State = models.ExecutionFailed
		exec.FailureReason = models.FailureTimeout
	case buy.err != nil || sell.err != nil:
		exec.State = models.ExecutionFailed
		exec.FailureReason = models.FailureLegFailure
	case buy.filled && sell.filled:
		exec.State = models.ExecutionCompleted
		exec.FinalProfit = decimal.NewNullDecimal(c.realizedProfit(opp, exec))
	case buy.partial || sell.partial:
		// amount mismatch between legs is surfaced, not corrected
		exec.State = models.ExecutionPartiallyFilled
		exec.FailureReason = models.FailurePartialFill
	default:
		exec.State = models.ExecutionFailed
		exec.FailureReason = models.FailureLegFailure
	}

	if exec.State == models.ExecutionCompleted {
		c.table.Resolve(opp.ID, models.OpportunityCompleted)
	} else {
		c.table.Resolve(opp.ID, models.OpportunityFailed)
	}

	entry := c.logger.WithFields(logrus.Fields{
		"execution":   exec.ID,
		"opportunity": opp.ID,
		"state":       exec.State,
	})
	if exec.FailureReason != "" {
		entry = entry.WithField("reason", exec.FailureReason)
		entry.Warn("Execution resolved")
		return
	}
	entry.Info("Execution resolved")
}

// realizedProfit is fill-weighted and fee-adjusted: proceeds of the sell leg
// minus cost of the buy leg.
func (c *Coordinator) realizedProfit(opp models.ArbitrageOpportunity, exec *models.Execution) decimal.Decimal {
	buyFee := c.exchanges[opp.BuyExchange].TakerFee
	sellFee := c.exchanges[opp.SellExchange].TakerFee

	cost := legValue(exec.BuyOrder).Mul(decimal.NewFromInt(1).Add(buyFee))
	proceeds := legValue(exec.SellOrder).Mul(decimal.NewFromInt(1).Sub(sellFee))
	return proceeds.Sub(cost)
}

func legValue(order *models.Order) decimal.Decimal {
	if order == nil {
		return decimal.Zero
	}
	price := order.Price.Decimal
	if order.AveragePrice.Valid {
		price = order.AveragePrice.Decimal
	}
	return order.FilledAmount.Mul(price)
}

func (c *Coordinator) attachOrder(exec *models.Execution, side models.OrderSide, order *models.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == models.OrderSideBuy {
		exec.BuyOrder = order
	} else {
		exec.SellOrder = order
	}
}

// Execution returns a copy of one execution record.
func (c *Coordinator) Execution(id uuid.UUID) (models.Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exec, ok := c.executions[id]
	if !ok {
		return models.Execution{}, false
	}
	return *exec, true
}

// ActiveOrders counts non-terminal orders across in-flight executions.
func (c *Coordinator) ActiveOrders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, exec := range c.executions {
		for _, order := range []*models.Order{exec.BuyOrder, exec.SellOrder} {
			if order != nil && !order.Status.Terminal() {
				n++
			}
		}
	}
	return n
}

// WeeklyProfit sums realized profit of executions completed in the last
// seven days.
func (c *Coordinator) WeeklyProfit(now time.Time) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.AddDate(0, 0, -7)
	total := decimal.Zero
	for _, exec := range c.executions {
		if exec.State == models.ExecutionCompleted && exec.FinalProfit.Valid && exec.CompletedAt.After(cutoff) {
			total = total.Add(exec.FinalProfit.Decimal)
		}
	}
	return total
}
