package exchange

import (
	"context"

	"github.com/arbiter-trade/arbiter/pkg/models"
)

// Client is the single capability interface every venue implementation
// satisfies. The rest of the system depends only on this interface, never on
// a specific exchange's wire types.
type Client interface {
	// Name returns the exchange code this client speaks for.
	Name() string

	// Connect establishes the streaming connection and keeps it alive until
	// ctx is cancelled, reconnecting with backoff on transport failure.
	Connect(ctx context.Context) error

	// Subscribe registers a pair for book and trade streaming. On (re)connect
	// the client fetches a REST snapshot before applying streamed deltas.
	Subscribe(pair models.Pair)

	// Resync forces a fresh REST snapshot for the pair, used when the book
	// store detects an offset gap that the stream cannot close.
	Resync(ctx context.Context, pair models.Pair) error

	// Events is the normalized event stream: BookSnapshot, BookDelta, Trade,
	// OrderUpdate and ConnectionState events.
	Events() <-chan Event

	GetOrderBook(ctx context.Context, pair models.Pair) (*models.OrderBookSnapshot, error)
	GetCurrencies(ctx context.Context) ([]models.Currency, error)
	GetPairs(ctx context.Context) ([]models.Pair, error)

	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	CancelAllOrders(ctx context.Context) error

	Close() error
}
