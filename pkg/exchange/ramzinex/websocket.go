package ramzinex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/arbiter-trade/arbiter/pkg/exchange"
	"github.com/arbiter-trade/arbiter/pkg/models"
)

var errMissingCredentials = errors.New("api key and secret not configured")

const (
	// The server disconnects when a heartbeat goes unanswered for ~25s.
	heartbeatInterval = 25 * time.Second
	// Ping ahead of the deadline, mirroring the server's cadence.
	pingInterval = heartbeatInterval - 5*time.Second

	readTimeout      = 2 * heartbeatInterval
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// heartbeat is the empty payload the server sends and expects back.
var heartbeat = []byte("{}")

type clientMessage struct {
	ID        int64         `json:"id,omitempty"`
	Connect   *connectReq   `json:"connect,omitempty"`
	Subscribe *subscribeReq `json:"subscribe,omitempty"`
}

type connectReq struct {
	Name string `json:"name"`
}

type subscribeReq struct {
	Channel string `json:"channel"`
	Recover bool   `json:"recover"`
	Delta   string `json:"delta"`
}

type serverMessage struct {
	ID      int64        `json:"id,omitempty"`
	Connect *connectAck  `json:"connect,omitempty"`
	Push    *pushMessage `json:"push,omitempty"`
	Error   *wsError     `json:"error,omitempty"`
}

type connectAck struct {
	Client string `json:"client"`
}

type pushMessage struct {
	Channel string `json:"channel"`
	Pub     struct {
		Data json.RawMessage `json:"data"`
	} `json:"pub"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireTrade struct {
	ID     int64       `json:"id"`
	Price  json.Number `json:"price"`
	Amount json.Number `json:"amount"`
	Side   string      `json:"type"`
	Time   int64       `json:"timestamp"`
}

// wsConn drives the persistent streaming connection for one client,
// reconnecting with exponential backoff and jitter.
type wsConn struct {
	c *Client

	msgID int64

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn
	stopped atomic.Bool

	offsetMu sync.Mutex
	offsets  map[int64]int64
}

func newWSConn(c *Client) *wsConn {
	return &wsConn{c: c, offsets: make(map[int64]int64)}
}

func (w *wsConn) run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.stopped.Load() {
			return nil
		}

		connected, err := w.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.stopped.Load() {
			return nil
		}

		w.c.emitDroppable(exchange.ConnectionStateEvent{
			Exchange: w.c.exch.Code,
			Fatal:    exchange.IsAuthentication(err),
			Err:      err,
		})
		if connected {
			backoff = initialBackoff
		}

		wait := jitter(backoff)
		w.c.logger.WithFields(map[string]interface{}{
			"exchange": w.c.exch.Code,
			"backoff":  wait.String(),
		}).WithError(err).Warn("Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectOnce dials, handshakes, snapshots and subscribes every registered
// pair, then reads until the connection drops. The bool reports whether the
// handshake completed, which resets the reconnect backoff.
func (w *wsConn) connectOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.c.exch.WSURL, nil)
	if err != nil {
		return false, &exchange.ConnectivityError{Exchange: w.c.exch.Code, Err: err}
	}
	w.setConn(conn)
	defer func() {
		w.setConn(nil)
		conn.Close()
	}()

	if err := w.handshake(conn); err != nil {
		return false, err
	}
	w.c.emitDroppable(exchange.ConnectionStateEvent{Exchange: w.c.exch.Code, Connected: true})

	// REST snapshot first, then the delta stream keyed by offset.
	for _, pair := range w.c.pairs() {
		if err := w.c.Resync(ctx, pair); err != nil {
			return true, err
		}
		if err := w.subscribe(pair); err != nil {
			return true, err
		}
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go w.pingLoop(ctx, pingDone)

	return true, w.readLoop(ctx, conn)
}

func (w *wsConn) handshake(conn *websocket.Conn) error {
	msg := clientMessage{ID: w.nextID(), Connect: &connectReq{Name: "arbiter"}}
	if err := w.writeJSON(msg); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return &exchange.ConnectivityError{Exchange: w.c.exch.Code, Err: err}
	}
	if ack.Connect == nil || ack.Connect.Client == "" {
		return &exchange.ConnectivityError{Exchange: w.c.exch.Code, Err: fmt.Errorf("connect rejected: %+v", ack.Error)}
	}
	return nil
}

func (w *wsConn) subscribe(pair models.Pair) error {
	for _, channel := range []string{
		fmt.Sprintf("orderbook:%d", pair.PairID),
		fmt.Sprintf("last-trades:%d", pair.PairID),
	} {
		msg := clientMessage{
			ID:        w.nextID(),
			Subscribe: &subscribeReq{Channel: channel, Recover: true, Delta: "fossil"},
		}
		if err := w.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *wsConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &exchange.ConnectivityError{Exchange: w.c.exch.Code, Err: err}
		}

		trimmed := strings.TrimSpace(string(raw))
		if trimmed == "{}" || trimmed == "" {
			// Heartbeat: answer with an equally empty payload before the
			// server's deadline or it drops the connection.
			if err := w.writeRaw(heartbeat); err != nil {
				return err
			}
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.c.logger.WithField("exchange", w.c.exch.Code).WithError(err).Warn("Dropping malformed stream message")
			continue
		}
		if msg.Push != nil {
			w.handlePush(ctx, msg.Push)
		}
	}
}

func (w *wsConn) handlePush(ctx context.Context, push *pushMessage) {
	channel, pairID, ok := splitChannel(push.Channel)
	if !ok {
		return
	}
	pair, ok := w.pairByID(pairID)
	if !ok {
		return
	}

	data := push.Pub.Data
	// Publications may arrive JSON-string-encoded.
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return
		}
		data = json.RawMessage(inner)
	}

	switch channel {
	case "orderbook":
		w.handleBookPush(ctx, pair, data)
	case "last-trades":
		w.handleTradePush(pair, data)
	}
}

func (w *wsConn) handleBookPush(ctx context.Context, pair models.Pair, data json.RawMessage) {
	var payload bookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		w.c.logger.WithField("exchange", w.c.exch.Code).WithError(err).Warn("Malformed book delta")
		return
	}

	last, known := w.lastOffset(pair.PairID)
	if !known || payload.Offset != last+1 {
		// Gap in the delta stream: never apply out-of-order data, resync
		// from a REST snapshot instead.
		w.c.logger.WithFields(map[string]interface{}{
			"exchange": w.c.exch.Code,
			"pair":     pair.Symbol,
			"expected": last + 1,
			"got":      payload.Offset,
		}).Warn("Offset gap on stream, resyncing")
		if err := w.c.Resync(ctx, pair); err != nil {
			w.c.logger.WithField("exchange", w.c.exch.Code).WithError(err).Error("Resync failed")
		}
		return
	}

	bids, err := parseLevels(payload.Buys)
	if err != nil {
		return
	}
	asks, err := parseLevels(payload.Sells)
	if err != nil {
		return
	}
	w.setOffset(pair.PairID, payload.Offset)
	w.c.emit(exchange.BookDeltaEvent{Delta: models.BookDelta{
		Exchange:  w.c.exch.Code,
		Pair:      pair,
		Bids:      bids,
		Asks:      asks,
		Offset:    payload.Offset,
		Timestamp: time.Now(),
	}})
}

func (w *wsConn) handleTradePush(pair models.Pair, data json.RawMessage) {
	var raw []wireTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for _, trade := range w.c.normalizeTrades(pair, raw) {
		w.c.emit(exchange.TradeEvent{Trade: trade})
	}
}

// normalizeTrades drops entries with unparseable numbers instead of failing
// the whole batch.
func (c *Client) normalizeTrades(pair models.Pair, raw []wireTrade) []models.Trade {
	trades := make([]models.Trade, 0, len(raw))
	for _, t := range raw {
		price, err := decimal.NewFromString(t.Price.String())
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(t.Amount.String())
		if err != nil {
			continue
		}
		trades = append(trades, models.Trade{
			Exchange:  c.exch.Code,
			Pair:      pair,
			Price:     price,
			Amount:    amount,
			Side:      t.Side,
			TradeID:   fmt.Sprintf("%d", t.ID),
			Timestamp: time.Unix(t.Time, 0),
		})
	}
	return trades
}

func (w *wsConn) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := w.writeRaw(heartbeat); err != nil {
				return
			}
		}
	}
}

func (w *wsConn) writeJSON(v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeRaw(encoded)
}

func (w *wsConn) writeRaw(payload []byte) error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return &exchange.ConnectivityError{Exchange: w.c.exch.Code, Err: errors.New("not connected")}
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &exchange.ConnectivityError{Exchange: w.c.exch.Code, Err: err}
	}
	return nil
}

func (w *wsConn) setConn(conn *websocket.Conn) {
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
}

func (w *wsConn) close() error {
	w.stopped.Store(true)
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (w *wsConn) nextID() int64 {
	return atomic.AddInt64(&w.msgID, 1)
}

func (w *wsConn) lastOffset(pairID int64) (int64, bool) {
	w.offsetMu.Lock()
	defer w.offsetMu.Unlock()
	off, ok := w.offsets[pairID]
	return off, ok
}

func (w *wsConn) setOffset(pairID, offset int64) {
	w.offsetMu.Lock()
	w.offsets[pairID] = offset
	w.offsetMu.Unlock()
}

func (w *wsConn) pairByID(pairID int64) (models.Pair, bool) {
	for _, p := range w.c.pairs() {
		if p.PairID == pairID {
			return p, true
		}
	}
	return models.Pair{}, false
}

// splitChannel parses "orderbook:11" style channel names.
func splitChannel(channel string) (kind string, pairID int64, ok bool) {
	idx := strings.LastIndex(channel, ":")
	if idx < 0 {
		return "", 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(channel[idx+1:], "%d", &id); err != nil {
		return "", 0, false
	}
	return channel[:idx], id, true
}

func jitter(d time.Duration) time.Duration {
	// +-20% so reconnecting clients don't stampede the server
	delta := time.Duration(rand.Int63n(int64(d) / 5 * 2))
	return d - d/5 + delta
}
