// Package book holds the authoritative current order book per
// (exchange, pair). Mutation is single-writer per key: snapshots and deltas
// for one pair are applied under that pair's lock, in offset order.
package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

// Update notifies subscribers that the book for a pair changed.
type Update struct {
	Exchange  string
	Pair      models.Pair
	Offset    int64
	UpdatedAt time.Time
}

type Store struct {
	mu     sync.RWMutex
	books  map[string]*orderBook
	subs   []func(Update)
	logger *logrus.Logger
}

type orderBook struct {
	mu        sync.Mutex
	pair      models.Pair
	bids      []models.PriceLevel // sorted by price descending
	asks      []models.PriceLevel // sorted by price ascending
	offset    int64
	updatedAt time.Time
	synced    bool
}

func NewStore(logger *logrus.Logger) *Store {
	return &Store{
		books:  make(map[string]*orderBook),
		logger: logger,
	}
}

// Subscribe registers a callback invoked synchronously on every accepted
// mutation. Callbacks must not block; the detector feeds its own queue.
func (s *Store) Subscribe(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) book(pair models.Pair) *orderBook {
	key := pair.Key()
	s.mu.RLock()
	b, ok := s.books[key]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.books[key]; ok {
		return b
	}
	b = &orderBook{pair: pair}
	s.books[key] = b
	return b
}

// ApplySnapshot replaces the book wholesale and resets the offset counter.
func (s *Store) ApplySnapshot(snap models.OrderBookSnapshot) {
	b := s.book(snap.Pair)
	b.mu.Lock()
	b.bids = sortLevels(snap.Bids, true)
	b.asks = sortLevels(snap.Asks, false)
	b.offset = snap.Offset
	b.updatedAt = snap.UpdatedAt
	b.synced = true
	update := Update{Exchange: snap.Exchange, Pair: snap.Pair, Offset: b.offset, UpdatedAt: b.updatedAt}
	b.mu.Unlock()

	s.notify(update)
}

// ApplyDelta mutates price levels when the delta carries the expected next
// offset. Any other offset is rejected with a SequenceGapError so the caller
// can force a snapshot refresh for that pair.
func (s *Store) ApplyDelta(delta models.BookDelta) error {
	b := s.book(delta.Pair)
	b.mu.Lock()
	if !b.synced || delta.Offset != b.offset+1 {
		expected := b.offset + 1
		b.synced = false
		b.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"exchange": delta.Exchange,
			"pair":     delta.Pair.Symbol,
			"expected": expected,
			"got":      delta.Offset,
		}).Debug("Rejecting out-of-sequence delta")
		return &exchange.SequenceGapError{
			Exchange: delta.Exchange,
			Pair:     delta.Pair.Symbol,
			Expected: expected,
			Got:      delta.Offset,
		}
	}
	b.bids = applyLevels(b.bids, delta.Bids, true)
	b.asks = applyLevels(b.asks, delta.Asks, false)
	b.offset = delta.Offset
	b.updatedAt = delta.Timestamp
	update := Update{Exchange: delta.Exchange, Pair: delta.Pair, Offset: b.offset, UpdatedAt: b.updatedAt}
	b.mu.Unlock()

	s.notify(update)
	return nil
}

func (s *Store) notify(u Update) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(u)
	}
}

// BestBid returns the highest resting bid, if any.
func (s *Store) BestBid(pair models.Pair) (models.PriceLevel, bool) {
	b := s.book(pair)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synced || len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest resting ask, if any.
func (s *Store) BestAsk(pair models.Pair) (models.PriceLevel, bool) {
	b := s.book(pair)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synced || len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Quote walks price levels on one side until maxAmount is satisfied and
// returns the depth-weighted average price together with the amount actually
// available. filled < maxAmount means the book is thinner than requested.
func (s *Store) Quote(pair models.Pair, side models.OrderSide, maxAmount decimal.Decimal) (avg, filled decimal.Decimal, ok bool) {
	b := s.book(pair)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synced {
		return decimal.Zero, decimal.Zero, false
	}

	levels := b.asks // buying consumes asks
	if side == models.OrderSideSell {
		levels = b.bids
	}
	if len(levels) == 0 {
		return decimal.Zero, decimal.Zero, false
	}

	remaining := maxAmount
	cost := decimal.Zero
	for _, lvl := range levels {
		if remaining.IsZero() {
			break
		}
		take := lvl.Amount
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return cost.Div(filled), filled, true
}

// Offset exposes the current sequence position for a pair.
func (s *Store) Offset(pair models.Pair) (int64, bool) {
	b := s.book(pair)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset, b.synced
}

func sortLevels(levels []models.PriceLevel, desc bool) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	copy(out, levels)
	// insertion sort keeps the common already-sorted snapshot cheap
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1], desc); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b models.PriceLevel, desc bool) bool {
	if desc {
		return a.Price.GreaterThan(b.Price)
	}
	return a.Price.LessThan(b.Price)
}

// applyLevels inserts, updates or removes levels while keeping sort order.
func applyLevels(levels []models.PriceLevel, changes []models.PriceLevel, desc bool) []models.PriceLevel {
	for _, ch := range changes {
		idx := -1
		insertAt := len(levels)
		for i, lvl := range levels {
			if lvl.Price.Equal(ch.Price) {
				idx = i
				break
			}
			if less(ch, lvl, desc) {
				insertAt = i
				break
			}
		}
		switch {
		case idx >= 0 && ch.Amount.IsZero():
			levels = append(levels[:idx], levels[idx+1:]...)
		case idx >= 0:
			levels[idx].Amount = ch.Amount
		case ch.Amount.IsZero():
			// removing a level we never had; ignore
		default:
			levels = append(levels, models.PriceLevel{})
			copy(levels[insertAt+1:], levels[insertAt:])
			levels[insertAt] = ch
		}
	}
	return levels
}
