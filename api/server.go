// Package api is the boundary the dashboard and scheduler talk to. It reads
// aggregated state from the core and forwards the one external write entry
// point, TriggerExecution, to the coordinator.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbiter-trade/arbiter/pkg/detector"
	"github.com/arbiter-trade/arbiter/pkg/executor"
	"github.com/arbiter-trade/arbiter/pkg/guard"
)

type Server struct {
	table  *detector.Table
	coord  *executor.Coordinator
	guard  *guard.Guard
	probes map[string]func(ctx context.Context) error
	logger *logrus.Logger
	port   string
}

func NewServer(table *detector.Table, coord *executor.Coordinator, g *guard.Guard, logger *logrus.Logger, port string) *Server {
	return &Server{
		table:  table,
		coord:  coord,
		guard:  g,
		probes: make(map[string]func(ctx context.Context) error),
		logger: logger,
		port:   port,
	}
}

// RegisterProbe wires the circuit-breaker probe for one exchange; the
// periodic scheduler calls it over HTTP, the core never schedules itself.
func (s *Server) RegisterProbe(code string, fn func(ctx context.Context) error) {
	s.probes[code] = fn
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/opportunities", s.handleOpportunities)
	mux.HandleFunc("/api/executions", s.handleTriggerExecution)
	mux.HandleFunc("/api/exchanges/", s.handleExchangeProbe)

	handler := corsMiddleware(mux)

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

type statsResponse struct {
	ActiveOpportunities int    `json:"active_opportunities"`
	WeeklyProfit        string `json:"weekly_profit"`
	ActiveOrders        int    `json:"active_orders"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now()
	s.writeJSON(w, http.StatusOK, statsResponse{
		ActiveOpportunities: s.table.CountOpen(now),
		WeeklyProfit:        s.coord.WeeklyProfit(now).String(),
		ActiveOrders:        s.coord.ActiveOrders(),
	})
}

type opportunityRow struct {
	ID           string `json:"id"`
	Pair         string `json:"pair"`
	BuyExchange  string `json:"buy_exchange"`
	SellExchange string `json:"sell_exchange"`
	BuyPrice     string `json:"buy_price"`
	SellPrice    string `json:"sell_price"`
	Amount       string `json:"amount"`
	NetProfit    string `json:"net_profit"`
	NetProfitPct string `json:"net_profit_pct"`
	ExpiresInSec int64  `json:"expires_in_sec"`
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := time.Now()
	open := s.table.ListOpen(now)
	rows := make([]opportunityRow, 0, len(open))
	for _, opp := range open {
		rows = append(rows, opportunityRow{
			ID:           opp.ID.String(),
			Pair:         opp.Base + "/" + opp.Quote,
			BuyExchange:  opp.BuyExchange,
			SellExchange: opp.SellExchange,
			BuyPrice:     opp.BuyPrice.String(),
			SellPrice:    opp.SellPrice.String(),
			Amount:       opp.Amount.String(),
			NetProfit:    opp.NetProfit.String(),
			NetProfitPct: opp.NetProfitPct.StringFixed(4),
			ExpiresInSec: int64(opp.RemainingTTL(now) / time.Second),
		})
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type triggerRequest struct {
	OpportunityID string `json:"opportunity_id"`
}

type triggerResponse struct {
	Accepted    bool   `json:"accepted"`
	ExecutionID string `json:"execution_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// handleTriggerExecution claims the opportunity and starts an execution.
// Repeated calls after a successful claim come back rejected: already-triggered.
func (s *Server) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	oppID, err := uuid.Parse(req.OpportunityID)
	if err != nil {
		http.Error(w, "invalid opportunity_id", http.StatusBadRequest)
		return
	}

	exec, err := s.coord.Trigger(oppID)
	if err != nil {
		s.writeJSON(w, http.StatusConflict, triggerResponse{
			Accepted: false,
			Reason:   detector.Reason(err),
		})
		return
	}
	s.writeJSON(w, http.StatusAccepted, triggerResponse{
		Accepted:    true,
		ExecutionID: exec.ID.String(),
	})
}

type exchangeStatusResponse struct {
	Exchange string `json:"exchange"`
	Online   bool   `json:"online"`
	Error    string `json:"error,omitempty"`
}

// handleExchangeProbe serves GET /api/exchanges/{code} for status and
// POST /api/exchanges/{code}/probe for the scheduler's health check.
func (s *Server) handleExchangeProbe(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/exchanges/")
	code := strings.TrimSuffix(rest, "/probe")

	eg := s.guard.Exchange(code)
	if eg == nil {
		http.Error(w, "unknown exchange", http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && rest == code:
		s.writeJSON(w, http.StatusOK, exchangeStatusResponse{Exchange: code, Online: eg.Online()})

	case r.Method == http.MethodPost && strings.HasSuffix(rest, "/probe"):
		probe, ok := s.probes[code]
		if !ok {
			http.Error(w, "no probe registered", http.StatusNotFound)
			return
		}
		resp := exchangeStatusResponse{Exchange: code}
		if err := probe(r.Context()); err != nil {
			resp.Error = err.Error()
		}
		resp.Online = eg.Online()
		s.writeJSON(w, http.StatusOK, resp)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
