package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is immutable reference data describing one tradable asset.
type Currency struct {
	Symbol        string
	Name          string
	IsCrypto      bool
	DecimalPlaces int32
}

// Exchange is the static description of one venue. Online/offline status is
// tracked by the guard package, not here.
type Exchange struct {
	Code      string
	Name      string
	APIURL    string
	WSURL     string
	RateLimit int // requests per minute
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
}

// Pair identifies one tradable market on one exchange. Pairs on different
// exchanges for the same base/quote are linked by CurrencyPair().
type Pair struct {
	Base     string
	Quote    string
	Exchange string
	PairID   int64 // exchange-native numeric id, used in URLs and channels
	Symbol   string
}

// CurrencyPair returns the exchange-independent identity of the market.
func (p Pair) CurrencyPair() string {
	return p.Base + "/" + p.Quote
}

// Key returns the (exchange, pair) identity used by the book store.
func (p Pair) Key() string {
	return p.Exchange + ":" + p.Symbol
}

type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBookSnapshot replaces a book wholesale. Bids are sorted descending,
// asks ascending. Offset is the stream position the snapshot was built at.
type OrderBookSnapshot struct {
	Exchange  string
	Pair      Pair
	Bids      []PriceLevel
	Asks      []PriceLevel
	Offset    int64
	UpdatedAt time.Time
}

// BookDelta mutates individual price levels. A level with a zero amount
// removes the price from the book. Offset must be exactly one past the
// book's current offset or the delta is rejected.
type BookDelta struct {
	Exchange  string
	Pair      Pair
	Bids      []PriceLevel
	Asks      []PriceLevel
	Offset    int64
	Timestamp time.Time
}

type Trade struct {
	Exchange  string
	Pair      Pair
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Side      string
	TradeID   string
	Timestamp time.Time
}
