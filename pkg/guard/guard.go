// Package guard paces outbound requests per exchange and trips exchanges
// offline after repeated failures. It is the only mutator of exchange status.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arbiter-trade/arbiter/pkg/exchange"
)

type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	FailureWindow    time.Duration // failures outside the window don't count
	Cooldown         time.Duration // time offline before a probe is allowed
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Guard holds one ExchangeGuard per configured exchange.
type Guard struct {
	mu        sync.RWMutex
	exchanges map[string]*ExchangeGuard
}

func New() *Guard {
	return &Guard{exchanges: make(map[string]*ExchangeGuard)}
}

// Register creates the guard for an exchange with its per-minute budget.
func (g *Guard) Register(code string, ratePerMinute int, cfg Config, logger *logrus.Logger) *ExchangeGuard {
	cfg = cfg.withDefaults()
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	eg := &ExchangeGuard{
		code:    code,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute),
		online:  true,
		logger:  logger,
	}
	g.mu.Lock()
	g.exchanges[code] = eg
	g.mu.Unlock()
	return eg
}

func (g *Guard) Exchange(code string) *ExchangeGuard {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exchanges[code]
}

// Online reports the breaker state for an exchange. Unknown exchanges are
// treated as offline.
func (g *Guard) Online(code string) bool {
	eg := g.Exchange(code)
	return eg != nil && eg.Online()
}

// ExchangeGuard combines a token bucket with a consecutive-failure breaker.
type ExchangeGuard struct {
	code    string
	cfg     Config
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu           sync.Mutex
	online       bool
	failures     int
	firstFailure time.Time
	trippedAt    time.Time
	probing      bool
}

// Acquire blocks until a token is available. It fails fast with a
// ConnectivityError while the exchange is offline and with a RateLimitError
// when the budget cannot satisfy the request in time. A cancelled caller is
// not a rate-limit event and must not count against the breaker.
func (eg *ExchangeGuard) Acquire(ctx context.Context) error {
	if !eg.Online() {
		return &exchange.ConnectivityError{Exchange: eg.code, Err: ErrOffline}
	}
	if err := eg.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &exchange.RateLimitError{Exchange: eg.code}
	}
	return nil
}

// ReportSuccess resets the rolling failure count.
func (eg *ExchangeGuard) ReportSuccess() {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	eg.failures = 0
	if eg.probing {
		eg.probing = false
		eg.online = true
		eg.logger.WithField("exchange", eg.code).Info("Exchange restored to online")
	}
}

// ReportFailure counts one failure. Authentication errors trip the breaker
// immediately: retrying them blindly cannot succeed.
func (eg *ExchangeGuard) ReportFailure(err error) {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	now := time.Now()
	if eg.probing {
		eg.probing = false
		eg.trippedAt = now
		eg.logger.WithField("exchange", eg.code).WithError(err).Warn("Probe failed, exchange stays offline")
		return
	}

	if exchange.IsAuthentication(err) {
		eg.trip(now, err)
		return
	}

	if eg.failures == 0 || now.Sub(eg.firstFailure) > eg.cfg.FailureWindow {
		eg.failures = 0
		eg.firstFailure = now
	}
	eg.failures++
	if eg.online && eg.failures >= eg.cfg.FailureThreshold {
		eg.trip(now, err)
	}
}

func (eg *ExchangeGuard) trip(now time.Time, err error) {
	eg.online = false
	eg.failures = 0
	eg.trippedAt = now
	eg.logger.WithField("exchange", eg.code).WithError(err).Warn("Circuit breaker tripped, exchange offline")
}

func (eg *ExchangeGuard) Online() bool {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.online
}

// Probe runs a single health-check request once the cooldown has elapsed.
// Success restores the exchange to online; failure restarts the cooldown.
// Called by an external scheduler, never by the guard itself.
func (eg *ExchangeGuard) Probe(ctx context.Context, fn func(context.Context) error) error {
	eg.mu.Lock()
	if eg.online {
		eg.mu.Unlock()
		return nil
	}
	if time.Since(eg.trippedAt) < eg.cfg.Cooldown {
		eg.mu.Unlock()
		return ErrCoolingDown
	}
	if eg.probing {
		eg.mu.Unlock()
		return ErrProbeInFlight
	}
	eg.probing = true
	eg.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		eg.ReportFailure(err)
		return err
	}
	eg.ReportSuccess()
	return nil
}
