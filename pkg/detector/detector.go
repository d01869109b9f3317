// Package detector consumes book-update notifications, computes fee-adjusted
// cross-exchange spreads and maintains the opportunity table.
package detector

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/arbiter-trade/arbiter/pkg/book"
	"github.com/arbiter-trade/arbiter/pkg/guard"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

type Config struct {
	MinProfitPct  decimal.Decimal // threshold in percent, e.g. 0.5
	MaxOrderSize  decimal.Decimal // cap on the tradable amount, base currency
	TTL           time.Duration   // how long an opportunity outlives its evidence
	SweepInterval time.Duration
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.MinProfitPct.IsZero() {
		c.MinProfitPct = decimal.RequireFromString("0.5")
	}
	if c.MaxOrderSize.IsZero() {
		c.MaxOrderSize = decimal.NewFromInt(1)
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	return c
}

type Detector struct {
	cfg       Config
	store     *book.Store
	guard     *guard.Guard
	table     *Table
	exchanges map[string]models.Exchange
	markets   map[string][]models.Pair // currency pair -> listings per exchange
	queue     chan book.Update
	logger    *logrus.Logger
}

// New wires the detector into the store's notification stream. Detection is
// queued so book ingestion for one pair never blocks on detection latency.
func New(cfg Config, store *book.Store, g *guard.Guard, table *Table,
	exchanges []models.Exchange, pairs []models.Pair, logger *logrus.Logger) *Detector {

	cfg = cfg.withDefaults()
	d := &Detector{
		cfg:       cfg,
		store:     store,
		guard:     g,
		table:     table,
		exchanges: make(map[string]models.Exchange, len(exchanges)),
		markets:   make(map[string][]models.Pair),
		queue:     make(chan book.Update, cfg.QueueSize),
		logger:    logger,
	}
	for _, ex := range exchanges {
		d.exchanges[ex.Code] = ex
	}
	for _, p := range pairs {
		cp := p.CurrencyPair()
		d.markets[cp] = append(d.markets[cp], p)
	}

	store.Subscribe(func(u book.Update) {
		select {
		case d.queue <- u:
		default:
			// detection lag: dropping is safe, the next update re-evaluates
			logger.WithFields(logrus.Fields{
				"exchange": u.Exchange,
				"pair":     u.Pair.Symbol,
			}).Debug("Detection queue full, dropping update")
		}
	})
	return d
}

// Run drains the update queue and runs the expiry sweep until ctx ends.
// The sweep is the engine's only self-scheduled periodic operation.
func (d *Detector) Run(ctx context.Context) {
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-d.queue:
			d.evaluateUpdate(u)
		case <-sweep.C:
			if n := d.table.Sweep(time.Now()); n > 0 {
				d.logger.WithField("count", n).Info("Expired stale opportunities")
			}
		}
	}
}

// evaluateUpdate compares the updated market against every other exchange
// listing the same currency pair, in both buy/sell directions.
func (d *Detector) evaluateUpdate(u book.Update) {
	listings := d.markets[u.Pair.CurrencyPair()]
	for _, other := range listings {
		if other.Exchange == u.Pair.Exchange {
			continue
		}
		d.evaluateDirection(u.Pair, other)
		d.evaluateDirection(other, u.Pair)
	}
}

// evaluateDirection prices buying on buyPair's exchange and selling on
// sellPair's. Candidates above threshold are upserted; a below-threshold
// candidate closes any open opportunity for the same triple.
func (d *Detector) evaluateDirection(buyPair, sellPair models.Pair) {
	tripleKey := buyPair.Base + "/" + buyPair.Quote + ":" + buyPair.Exchange + ">" + sellPair.Exchange

	// Offline exchanges never get new or refreshed opportunities.
	if !d.guard.Online(buyPair.Exchange) || !d.guard.Online(sellPair.Exchange) {
		return
	}

	buyEx, ok := d.exchanges[buyPair.Exchange]
	if !ok {
		return
	}
	sellEx, ok := d.exchanges[sellPair.Exchange]
	if !ok {
		return
	}

	// Tradable amount is bounded by both sides' depth up to the configured cap.
	_, buyDepth, okBuy := d.store.Quote(buyPair, models.OrderSideBuy, d.cfg.MaxOrderSize)
	_, sellDepth, okSell := d.store.Quote(sellPair, models.OrderSideSell, d.cfg.MaxOrderSize)
	if !okBuy || !okSell {
		d.table.ExpireTriple(tripleKey)
		return
	}
	amount := decimal.Min(buyDepth, sellDepth)
	if amount.IsZero() {
		d.table.ExpireTriple(tripleKey)
		return
	}

	// Price both legs at the actual tradable amount, not top of book.
	buyPrice, _, okBuy := d.store.Quote(buyPair, models.OrderSideBuy, amount)
	sellPrice, _, okSell := d.store.Quote(sellPair, models.OrderSideSell, amount)
	if !okBuy || !okSell {
		d.table.ExpireTriple(tripleKey)
		return
	}

	netUnit, pct := NetProfit(buyPrice, sellPrice, buyEx.TakerFee, sellEx.TakerFee)
	if pct.LessThan(d.cfg.MinProfitPct) {
		if d.table.ExpireTriple(tripleKey) {
			d.logger.WithFields(logrus.Fields{
				"triple": tripleKey,
				"pct":    pct.StringFixed(4),
			}).Info("Opportunity dropped below threshold, closed out")
		}
		return
	}

	now := time.Now()
	opp, created := d.table.Upsert(models.ArbitrageOpportunity{
		Base:         buyPair.Base,
		Quote:        buyPair.Quote,
		BuyExchange:  buyPair.Exchange,
		SellExchange: sellPair.Exchange,
		BuyPrice:     buyPrice,
		SellPrice:    sellPrice,
		Amount:       amount,
		NetProfit:    netUnit.Mul(amount),
		NetProfitPct: pct,
		DetectedAt:   now,
		ExpiresAt:    now.Add(d.cfg.TTL),
	})
	if created {
		d.logger.WithFields(logrus.Fields{
			"opportunity": opp.ID,
			"triple":      tripleKey,
			"amount":      amount.String(),
			"profit_pct":  pct.StringFixed(4),
		}).Info("Opportunity detected")
	}
}

var one = decimal.NewFromInt(1)
var hundred = decimal.NewFromInt(100)

// NetProfit computes the fee-adjusted profit of buying one unit at buyPrice
// and selling it at sellPrice, with taker fees as fractions:
//
//	pct = (sell*(1-fs) - buy*(1+fb)) / (buy*(1+fb)) * 100
//
// The absolute value returned is per unit of base currency.
func NetProfit(buyPrice, sellPrice, buyFee, sellFee decimal.Decimal) (abs, pct decimal.Decimal) {
	cost := buyPrice.Mul(one.Add(buyFee))
	proceeds := sellPrice.Mul(one.Sub(sellFee))
	abs = proceeds.Sub(cost)
	if cost.IsZero() {
		return abs, decimal.Zero
	}
	return abs, abs.Div(cost).Mul(hundred)
}
