package exchange

import "github.com/arbiter-trade/arbiter/pkg/models"

// Event is a normalized message emitted by an exchange client.
type Event interface {
	event()
}

type BookSnapshotEvent struct {
	Snapshot models.OrderBookSnapshot
}

type BookDeltaEvent struct {
	Delta models.BookDelta
}

type TradeEvent struct {
	Trade models.Trade
}

type OrderUpdateEvent struct {
	Order models.Order
}

type ConnectionStateEvent struct {
	Exchange  string
	Connected bool
	Fatal     bool // authentication failures are not retried blindly
	Err       error
}

func (BookSnapshotEvent) event()    {}
func (BookDeltaEvent) event()       {}
func (TradeEvent) event()           {}
func (OrderUpdateEvent) event()     {}
func (ConnectionStateEvent) event() {}
