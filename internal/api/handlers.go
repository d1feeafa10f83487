package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"sentinel/internal/domain"
	"sentinel/internal/errs"
	"sentinel/internal/store"
)

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status        Status    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	LastEvent     time.Time `json:"last_event"`
	Events        int64     `json:"events"`
	OpenOrders    int       `json:"open_orders"`
	Halted        bool      `json:"halted"`
}

// PositionResponse is a ledger position with its unrealized P&L.
type PositionResponse struct {
	domain.Position
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// OrderResponse is an order with its transition history.
type OrderResponse struct {
	Order       domain.Order             `json:"order"`
	Transitions []domain.OrderTransition `json:"transitions"`
}

// HaltRequest is the optional body of POST /api/halt.
type HaltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	last, events := s.deps.Model.LastEvent()
	halted := s.deps.Ledger.Halted()
	s.deps.Health.Sync(halted)
	writeJSON(w, HealthResponse{
		Status:        s.deps.Health.Status(),
		UptimeSeconds: int64(s.deps.Health.Uptime().Seconds()),
		LastEvent:     last,
		Events:        events,
		OpenOrders:    len(s.deps.Manager.Open()),
		Halted:        halted,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.deps.Ledger.Snapshot().Positions()
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, PositionResponse{Position: p, UnrealizedPnL: p.UnrealizedPnL()})
	}
	writeJSON(w, out)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	switch status := q.Get("status"); status {
	case "", "open":
		writeJSON(w, s.deps.Manager.Open())
	case "all":
		orders, err := s.deps.Store.ListOrders(r.Context(), "", limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, orders)
	default:
		st := domain.OrderStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
			return
		}
		orders, err := s.deps.Store.ListOrders(r.Context(), st, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, orders)
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	order, ok := s.deps.Manager.Get(key)
	if !ok {
		var err error
		order, err = s.deps.Store.GetOrder(r.Context(), key)
		if err != nil {
			s.fail(w, err)
			return
		}
	}
	transitions, err := s.deps.Store.LoadTransitions(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, OrderResponse{Order: order, Transitions: transitions})
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.Ledger.Snapshot())
}

func (s *Server) handleSignals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.Model.Signals())
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator halt"
	}

	res, err := s.deps.Manager.Halt(r.Context(), req.Reason)
	s.deps.Health.Sync(true)
	if err != nil {
		// The halt itself holds; some cancels will be retried by the sweeper.
		s.log.Warn("halt cancelled orders with errors", "error", err)
	}
	s.log.Warn("halt requested", "reason", req.Reason, "was_running", res.WasRunning, "orders", len(res.Orders))
	if res.Orders == nil {
		res.Orders = []string{}
	}
	writeJSON(w, res)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.deps.Manager.Resume()
	if s.deps.Guard != nil {
		s.deps.Guard.Reset()
	}
	s.deps.Health.Sync(false)
	s.log.Info("resume requested")
	writeJSON(w, map[string]Status{"status": s.deps.Health.Status()})
}

// fail maps err to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errs.Is(err, errs.KindNotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.KindConflict):
		status = http.StatusConflict
	default:
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
