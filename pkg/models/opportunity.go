package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OpportunityStatus string

const (
	OpportunityOpen               OpportunityStatus = "open"
	OpportunityExecutionTriggered OpportunityStatus = "execution_triggered"
	OpportunityCompleted          OpportunityStatus = "completed"
	OpportunityFailed             OpportunityStatus = "failed"
	OpportunityExpired            OpportunityStatus = "expired"
)

// ArbitrageOpportunity is a detected, time-bounded price discrepancy between
// two exchanges for the same currency pair. Identity for refresh purposes is
// the (currency pair, buy exchange, sell exchange) triple, not the ID.
type ArbitrageOpportunity struct {
	ID           uuid.UUID
	Base         string
	Quote        string
	BuyExchange  string
	SellExchange string
	BuyPrice     decimal.Decimal // depth-weighted ask on the buy exchange
	SellPrice    decimal.Decimal // depth-weighted bid on the sell exchange
	Amount       decimal.Decimal
	NetProfit    decimal.Decimal // absolute, in quote currency, fees subtracted
	NetProfitPct decimal.Decimal
	DetectedAt   time.Time
	ExpiresAt    time.Time
	Status       OpportunityStatus
}

// TripleKey identifies the opportunity for refresh-in-place semantics.
func (o *ArbitrageOpportunity) TripleKey() string {
	return o.Base + "/" + o.Quote + ":" + o.BuyExchange + ">" + o.SellExchange
}

// RemainingTTL is how long the opportunity outlives its evidence, floored at
// zero once expired.
func (o *ArbitrageOpportunity) RemainingTTL(now time.Time) time.Duration {
	if ttl := o.ExpiresAt.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

type ExecutionState string

const (
	ExecutionPending         ExecutionState = "pending"
	ExecutionCompleted       ExecutionState = "completed"
	ExecutionPartiallyFilled ExecutionState = "partially_filled"
	ExecutionFailed          ExecutionState = "failed"
)

// Failure reasons recorded on a terminal execution. Never silently retried.
const (
	FailurePartialFill = "PartialFill"
	FailureLegFailure  = "LegFailure"
	FailureTimeout     = "Timeout"
)

// Execution resolves one claimed opportunity into at most two orders. At most
// one execution exists per opportunity; the claim is an atomic status swap on
// the opportunity record.
type Execution struct {
	ID            uuid.UUID
	OpportunityID uuid.UUID
	BuyOrder      *Order
	SellOrder     *Order
	State         ExecutionState
	FailureReason string
	FinalProfit   decimal.NullDecimal
	StartedAt     time.Time
	CompletedAt   time.Time
}
