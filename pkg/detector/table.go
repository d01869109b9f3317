package detector

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-trade/arbiter/pkg/models"
)

// Rejection reasons surfaced verbatim to facade callers.
var (
	ErrNotOpen          = errors.New("not-open")
	ErrAlreadyTriggered = errors.New("already-triggered")
	ErrExpired          = errors.New("expired")
	ErrExchangeOffline  = errors.New("exchange-offline")
)

// Table is the shared opportunity registry. Identity for refresh purposes is
// the (currency pair, buy exchange, sell exchange) triple; claims are atomic
// status swaps under the table lock so at most one execution ever starts per
// opportunity.
type Table struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*models.ArbitrageOpportunity
	byTriple map[string]*models.ArbitrageOpportunity
}

func NewTable() *Table {
	return &Table{
		byID:     make(map[uuid.UUID]*models.ArbitrageOpportunity),
		byTriple: make(map[string]*models.ArbitrageOpportunity),
	}
}

// Upsert refreshes an open opportunity in place or creates a new one. An
// opportunity owned by the execution coordinator is never touched.
// It returns the stored record and whether it was newly created.
func (t *Table) Upsert(candidate models.ArbitrageOpportunity) (*models.ArbitrageOpportunity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := candidate.TripleKey()
	existing, ok := t.byTriple[key]
	if ok {
		switch existing.Status {
		case models.OpportunityOpen:
			existing.BuyPrice = candidate.BuyPrice
			existing.SellPrice = candidate.SellPrice
			existing.Amount = candidate.Amount
			existing.NetProfit = candidate.NetProfit
			existing.NetProfitPct = candidate.NetProfitPct
			existing.ExpiresAt = candidate.ExpiresAt
			return existing, false
		case models.OpportunityExecutionTriggered:
			return existing, false
		}
		// terminal record: fall through and replace it
	}

	opp := candidate
	opp.ID = uuid.New()
	opp.Status = models.OpportunityOpen
	t.byID[opp.ID] = &opp
	t.byTriple[key] = &opp
	return &opp, true
}

// ExpireTriple closes out an open opportunity whose candidate dropped below
// the profit threshold, so stale rows never linger.
func (t *Table) ExpireTriple(tripleKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	opp, ok := t.byTriple[tripleKey]
	if !ok || opp.Status != models.OpportunityOpen {
		return false
	}
	opp.Status = models.OpportunityExpired
	return true
}

// Claim performs the compare-and-set from Open to ExecutionTriggered. Two
// concurrent claims resolve to exactly one success and one explicit error.
func (t *Table) Claim(id uuid.UUID, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	opp, ok := t.byID[id]
	if !ok {
		return ErrNotOpen
	}
	switch opp.Status {
	case models.OpportunityOpen:
		if now.After(opp.ExpiresAt) {
			opp.Status = models.OpportunityExpired
			return ErrExpired
		}
		opp.Status = models.OpportunityExecutionTriggered
		return nil
	case models.OpportunityExecutionTriggered:
		return ErrAlreadyTriggered
	case models.OpportunityExpired:
		return ErrExpired
	default:
		return ErrNotOpen
	}
}

// Resolve records the execution outcome. Only a claimed opportunity can move
// to a terminal state this way.
func (t *Table) Resolve(id uuid.UUID, status models.OpportunityStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	opp, ok := t.byID[id]
	if !ok || opp.Status != models.OpportunityExecutionTriggered {
		return
	}
	opp.Status = status
}

// Sweep expires every open opportunity past its deadline and returns how
// many were transitioned.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	expired := 0
	for _, opp := range t.byID {
		if opp.Status == models.OpportunityOpen && now.After(opp.ExpiresAt) {
			opp.Status = models.OpportunityExpired
			expired++
		}
	}
	return expired
}

func (t *Table) Get(id uuid.UUID) (models.ArbitrageOpportunity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	opp, ok := t.byID[id]
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}
	return *opp, true
}

// ListOpen returns copies of open opportunities sorted by profit, best first.
func (t *Table) ListOpen(now time.Time) []models.ArbitrageOpportunity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.ArbitrageOpportunity, 0, len(t.byID))
	for _, opp := range t.byID {
		if opp.Status == models.OpportunityOpen && now.Before(opp.ExpiresAt) {
			out = append(out, *opp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NetProfitPct.GreaterThan(out[j].NetProfitPct)
	})
	return out
}

func (t *Table) CountOpen(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, opp := range t.byID {
		if opp.Status == models.OpportunityOpen && now.Before(opp.ExpiresAt) {
			n++
		}
	}
	return n
}

// Reason maps a claim error to the wire-level rejection reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyTriggered):
		return "already-triggered"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrExchangeOffline):
		return "exchange-offline"
	default:
		return "not-open"
	}
}
