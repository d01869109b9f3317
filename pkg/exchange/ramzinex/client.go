// Package ramzinex implements the exchange capability interface for venues
// speaking the Ramzinex wire protocol: a status-enveloped REST API plus a
// publish/subscribe streaming transport with empty-payload heartbeats.
package ramzinex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/guard"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

type Client struct {
	exch      models.Exchange
	apiKey    string
	apiSecret string

	httpClient *http.Client
	guard      *guard.ExchangeGuard
	logger     *logrus.Logger

	tokenMu sync.Mutex
	token   string

	events chan exchange.Event

	subMu      sync.Mutex
	subscribed []models.Pair

	ws *wsConn
}

func New(exch models.Exchange, apiKey, apiSecret string, eg *guard.ExchangeGuard, logger *logrus.Logger) *Client {
	c := &Client{
		exch:       exch,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		guard:      eg,
		logger:     logger,
		events:     make(chan exchange.Event, 1024),
	}
	c.ws = newWSConn(c)
	return c
}

func (c *Client) Name() string { return c.exch.Code }

func (c *Client) Events() <-chan exchange.Event { return c.events }

// Subscribe registers a pair before or after Connect; the streaming loop
// snapshots and subscribes every registered pair on each (re)connect.
func (c *Client) Subscribe(pair models.Pair) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribed = append(c.subscribed, pair)
}

func (c *Client) pairs() []models.Pair {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]models.Pair, len(c.subscribed))
	copy(out, c.subscribed)
	return out
}

// Connect drives the streaming connection until ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	return c.ws.run(ctx)
}

func (c *Client) Close() error {
	return c.ws.close()
}

// emit delivers an event to the consumer. Book events block: losing them
// would silently corrupt downstream books.
func (c *Client) emit(ev exchange.Event) {
	c.events <- ev
}

// emitDroppable is for events that only describe auxiliary state.
func (c *Client) emitDroppable(ev exchange.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.WithField("exchange", c.exch.Code).Debug("Event channel full, dropping event")
	}
}

func (c *Client) GetOrderBook(ctx context.Context, pair models.Pair) (*models.OrderBookSnapshot, error) {
	var payload bookPayload
	path := fmt.Sprintf("/orderbooks/%d/buys_sells", pair.PairID)
	if err := c.public(ctx, http.MethodGet, path, &payload); err != nil {
		return nil, err
	}
	bids, err := parseLevels(payload.Buys)
	if err != nil {
		return nil, &exchange.ValidationError{Exchange: c.exch.Code, Message: err.Error()}
	}
	asks, err := parseLevels(payload.Sells)
	if err != nil {
		return nil, &exchange.ValidationError{Exchange: c.exch.Code, Message: err.Error()}
	}
	return &models.OrderBookSnapshot{
		Exchange:  c.exch.Code,
		Pair:      pair,
		Bids:      bids,
		Asks:      asks,
		Offset:    payload.Offset,
		UpdatedAt: time.Now(),
	}, nil
}

// GetTrades fetches the recent trade history for a pair. Live trades arrive
// over the stream; this is the catch-up path.
func (c *Client) GetTrades(ctx context.Context, pair models.Pair) ([]models.Trade, error) {
	var raw []wireTrade
	path := fmt.Sprintf("/orderbooks/%d/trades", pair.PairID)
	if err := c.public(ctx, http.MethodGet, path, &raw); err != nil {
		return nil, err
	}
	return c.normalizeTrades(pair, raw), nil
}

func (c *Client) GetPairs(ctx context.Context) ([]models.Pair, error) {
	var data pairsData
	if err := c.public(ctx, http.MethodGet, "/pairs", &data); err != nil {
		return nil, err
	}
	pairs := make([]models.Pair, 0, len(data.Pairs))
	for _, p := range data.Pairs {
		if p.Active != 1 {
			continue
		}
		pairs = append(pairs, models.Pair{
			Base:     p.Base,
			Quote:    p.Quote,
			Exchange: c.exch.Code,
			PairID:   p.ID,
			Symbol:   p.Symbol,
		})
	}
	return pairs, nil
}

func (c *Client) GetCurrencies(ctx context.Context) ([]models.Currency, error) {
	var data currenciesData
	if err := c.public(ctx, http.MethodGet, "/currencies", &data); err != nil {
		return nil, err
	}
	currencies := make([]models.Currency, 0, len(data.Currencies))
	for _, cur := range data.Currencies {
		currencies = append(currencies, models.Currency{
			Symbol:        cur.Symbol,
			Name:          cur.Name,
			IsCrypto:      cur.IsFiat == 0,
			DecimalPlaces: cur.DecimalPlaces,
		})
	}
	return currencies, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	body := map[string]interface{}{
		"pair_id": req.Pair.PairID,
		"amount":  req.Amount.InexactFloat64(),
		"type":    string(req.Side),
	}
	path := "/users/me/orders/market"
	if req.Type == models.OrderTypeLimit {
		if !req.Price.Valid {
			return nil, &exchange.ValidationError{Exchange: c.exch.Code, Message: "price required for limit orders"}
		}
		body["price"] = req.Price.Decimal.InexactFloat64()
		path = "/users/me/orders/limit"
	}

	var data placeOrderData
	if err := c.private(ctx, http.MethodPost, path, body, &data); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &models.Order{
		ID:              uuid.New(),
		ExchangeOrderID: strconv.FormatInt(data.OrderID, 10),
		Exchange:        c.exch.Code,
		Pair:            req.Pair,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Amount:          req.Amount,
		Status:          models.OrderStatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return order, nil
}

// GetOrder refreshes fill state from the exchange and returns an updated
// copy. An OrderUpdate event is emitted as well so passive listeners see
// fills without polling themselves.
func (c *Client) GetOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	var data orderStatusData
	path := "/users/me/orders/" + order.ExchangeOrderID
	if err := c.private(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	updated := *order
	updated.Status = normalizeOrderStatus(data.Order.Status)
	if filled, err := decimal.NewFromString(data.Order.FilledAmount.String()); err == nil {
		updated.FilledAmount = filled
	}
	if avg, err := decimal.NewFromString(data.Order.AveragePrice.String()); err == nil && !avg.IsZero() {
		updated.AveragePrice = decimal.NewNullDecimal(avg)
	}
	updated.UpdatedAt = time.Now()

	c.emitDroppable(exchange.OrderUpdateEvent{Order: updated})
	return &updated, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	path := "/users/me/orders/" + exchangeOrderID + "/cancel"
	return c.private(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) CancelAllOrders(ctx context.Context) error {
	return c.private(ctx, http.MethodPost, "/users/me/cancelAllOpenOrders", nil, nil)
}

// Resync fetches a fresh REST snapshot and replays it onto the event stream,
// discarding any stale delta sequence.
func (c *Client) Resync(ctx context.Context, pair models.Pair) error {
	snap, err := c.GetOrderBook(ctx, pair)
	if err != nil {
		return err
	}
	c.ws.setOffset(pair.PairID, snap.Offset)
	c.emit(exchange.BookSnapshotEvent{Snapshot: *snap})
	return nil
}

// Ping is the circuit breaker's probe: one cheap public request.
func (c *Client) Ping(ctx context.Context) error {
	var data pairsData
	return c.request(ctx, http.MethodGet, c.exch.APIURL+"/pairs", nil, nil, &data)
}

func (c *Client) public(ctx context.Context, method, path string, out interface{}) error {
	if err := c.guard.Acquire(ctx); err != nil {
		return err
	}
	err := c.request(ctx, method, c.exch.APIURL+path, nil, nil, out)
	c.report(err)
	return err
}

func (c *Client) private(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.guard.Acquire(ctx); err != nil {
		return err
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
		c.report(err)
		return err
	}
	headers := map[string]string{
		"Authorization2": "Bearer " + token,
		"x-api-key":      c.apiKey,
	}
	err = c.request(ctx, method, c.exch.APIURL+path, headers, body, out)
	c.report(err)
	return err
}

func (c *Client) report(err error) {
	if err == nil {
		c.guard.ReportSuccess()
		return
	}
	if exchange.IsRetryable(err) || exchange.IsAuthentication(err) {
		c.guard.ReportFailure(err)
	}
}

// ensureToken exchanges the key/secret for a bearer token once and caches it.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	if c.apiKey == "" || c.apiSecret == "" {
		return "", &exchange.AuthenticationError{Exchange: c.exch.Code, Err: errMissingCredentials}
	}
	var data tokenData
	body := map[string]string{"api_key": c.apiKey, "secret": c.apiSecret}
	if err := c.request(ctx, http.MethodPost, c.exch.APIURL+"/auth/api_key/getToken", nil, body, &data); err != nil {
		return "", err
	}
	c.token = data.Token
	return c.token, nil
}

// invalidateToken drops the cached token after an auth failure so the next
// call re-authenticates; repeated failures trip the breaker instead.
func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

func (c *Client) request(ctx context.Context, method, url string, headers map[string]string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &exchange.ValidationError{Exchange: c.exch.Code, Message: err.Error()}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &exchange.ValidationError{Exchange: c.exch.Code, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &exchange.ConnectivityError{Exchange: c.exch.Code, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkHTTPStatus(resp.StatusCode); err != nil {
		return err
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &exchange.ConnectivityError{Exchange: c.exch.Code, Err: err}
	}
	if err := c.checkAPIStatus(env.Status, env.Error); err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &exchange.ValidationError{Exchange: c.exch.Code, Message: err.Error()}
		}
	}
	return nil
}

func (c *Client) checkHTTPStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized:
		c.invalidateToken()
		return &exchange.AuthenticationError{Exchange: c.exch.Code, Err: fmt.Errorf("http %d", code)}
	case code == http.StatusNotFound:
		return &exchange.ValidationError{Exchange: c.exch.Code, Message: "not found"}
	case code == http.StatusUnprocessableEntity:
		return &exchange.ValidationError{Exchange: c.exch.Code, Message: "invalid request body"}
	case code == http.StatusTooManyRequests:
		return &exchange.RateLimitError{Exchange: c.exch.Code}
	default:
		return &exchange.ConnectivityError{Exchange: c.exch.Code, Err: fmt.Errorf("http %d", code)}
	}
}

func (c *Client) checkAPIStatus(status int, message string) error {
	switch status {
	case apiStatusOK:
		return nil
	case apiStatusAuth:
		c.invalidateToken()
		return &exchange.AuthenticationError{Exchange: c.exch.Code, Err: fmt.Errorf("api status %d: %s", status, message)}
	case apiStatusValidation:
		return &exchange.ValidationError{Exchange: c.exch.Code, Message: message}
	case apiStatusRateLimit:
		return &exchange.RateLimitError{Exchange: c.exch.Code}
	default:
		return &exchange.ConnectivityError{Exchange: c.exch.Code, Err: fmt.Errorf("api status %d: %s", status, message)}
	}
}
