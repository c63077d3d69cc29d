package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/otso-systems/gridtrader/internal/apperr"
	"github.com/otso-systems/gridtrader/internal/gridmodel"
	"github.com/otso-systems/gridtrader/internal/gridplan"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "gridtrader",
	})
}

// handleSystemStatus reports process-level health alongside the memory
// figures the dashboard was built around.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"memory": map[string]any{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	})
}

// createGridRequest is the wire shape of POST /api/grids (spec.md §6).
type createGridRequest struct {
	PortfolioID         int64           `json:"portfolio_id"`
	Symbol              string          `json:"symbol"`
	Name                string          `json:"name"`
	LowerPrice          decimal.Decimal `json:"lower_price"`
	UpperPrice          decimal.Decimal `json:"upper_price"`
	GridCount           int             `json:"grid_count"`
	InvestmentAmount    decimal.Decimal `json:"investment_amount"`
	Strategy            string          `json:"strategy,omitempty"`
	DynamicMultiplier   decimal.Decimal `json:"dynamic_multiplier,omitempty"`
	DynamicLookbackDays int             `json:"dynamic_lookback_days,omitempty"`
}

func (s *Server) handleCreateGrid(w http.ResponseWriter, r *http.Request) {
	var req createGridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	strategy := gridmodel.StrategyStatic
	if req.Strategy == string(gridmodel.StrategyDynamic) {
		strategy = gridmodel.StrategyDynamic
	}

	planReq := gridplan.PlanRequest{
		PortfolioID:         req.PortfolioID,
		Symbol:              req.Symbol,
		Name:                req.Name,
		LevelCount:          req.GridCount,
		InvestmentAmount:    req.InvestmentAmount,
		Strategy:            strategy,
		LowerPrice:          req.LowerPrice,
		UpperPrice:          req.UpperPrice,
		DynamicMultiplier:   req.DynamicMultiplier,
		DynamicLookbackDays: req.DynamicLookbackDays,
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to start transaction")
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	grid, orders, err := s.planner.Plan(ctx, tx, planReq)
	if err != nil {
		s.writeAppErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to commit transaction")
		return
	}
	committed = true

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"grid_id":      grid.ID,
		"symbol":       grid.Symbol,
		"market":       grid.Market,
		"lower_price":  grid.LowerPrice,
		"upper_price":  grid.UpperPrice,
		"level_count":  grid.LevelCount,
		"spacing":      grid.Spacing,
		"order_count":  len(orders),
	})
}

func (s *Server) handleListGrids(w http.ResponseWriter, r *http.Request) {
	var portfolioID int64
	if v := r.URL.Query().Get("portfolio_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid portfolio_id")
			return
		}
		portfolioID = id
	}
	symbol := r.URL.Query().Get("symbol")
	status := gridmodel.GridStatus(r.URL.Query().Get("status"))

	grids, err := s.grids.List(s.db, portfolioID, symbol, status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list grids")
		return
	}

	out := make([]map[string]any, 0, len(grids))
	for _, g := range grids {
		pending, err := s.orders.ListPendingByGrid(s.db, g.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to load grid orders")
			return
		}
		out = append(out, gridSummary(g, pending))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"grids": out})
}

func (s *Server) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid grid id")
		return
	}
	grid, err := s.grids.Get(s.db, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load grid")
		return
	}
	if grid == nil {
		s.writeError(w, http.StatusNotFound, "grid not found")
		return
	}
	orders, err := s.orders.ListByGrid(s.db, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load orders")
		return
	}

	orderViews := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		orderViews = append(orderViews, orderView(o))
	}

	summary := gridSummary(grid, nil)
	summary["orders"] = orderViews
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteGrid(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid grid id")
		return
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to start transaction")
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	grid, err := s.grids.GetForUpdate(tx, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load grid")
		return
	}
	if grid == nil {
		s.writeError(w, http.StatusNotFound, "grid not found")
		return
	}

	pending, err := s.orders.ListPendingByGrid(tx, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load pending orders")
		return
	}
	for _, o := range pending {
		if err := s.orders.Cancel(tx, o.ID, "GRID_CANCELLED"); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to cancel order")
			return
		}
	}
	if err := s.grids.SetStatus(tx, id, gridmodel.GridCancelled); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to cancel grid")
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to commit transaction")
		return
	}
	committed = true

	s.writeJSON(w, http.StatusOK, map[string]any{"grid_id": id, "status": gridmodel.GridCancelled, "cancelled_orders": len(pending)})
}

// createTransactionRequest is the wire shape of POST /api/transactions.
type createTransactionRequest struct {
	PortfolioID     int64           `json:"portfolio_id"`
	Symbol          string          `json:"symbol"`
	TransactionType string          `json:"transaction_type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Fees            decimal.Decimal `json:"fees,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var side gridmodel.OrderSide
	switch req.TransactionType {
	case "buy":
		side = gridmodel.Buy
	case "sell":
		side = gridmodel.Sell
	default:
		s.writeError(w, http.StatusBadRequest, "transaction_type must be 'buy' or 'sell'")
		return
	}

	result, err := s.engine.ApplyManualFill(r.Context(), req.PortfolioID, req.Symbol, side, req.Quantity, req.Price, req.Fees, req.Notes)
	if err != nil {
		s.writeAppErr(w, err)
		return
	}

	resp := map[string]any{
		"side":       result.Side,
		"fill_price": result.FillPrice,
	}
	if result.RealisedProfit != nil {
		resp["realised_profit"] = result.RealisedProfit
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// updateCashRequest is the wire shape of POST /api/portfolios/{id}/update-cash.
type updateCashRequest struct {
	NewCashBalance decimal.Decimal `json:"new_cash_balance"`
	Notes          string          `json:"notes,omitempty"`
}

func (s *Server) handleUpdateCash(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid portfolio id")
		return
	}
	var req updateCashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	portfolio, err := s.portfolios.Get(s.db, portfolioID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load portfolio")
		return
	}
	if portfolio == nil {
		s.writeError(w, http.StatusNotFound, "portfolio not found")
		return
	}

	// A manual cash adjustment is bookkeeping only — it never touches grid
	// orders or emits a grid alert.
	if err := s.portfolios.RecordCashAdjustment(s.db, portfolioID, portfolio.CashBalance, req.NewCashBalance, req.Notes); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to record cash adjustment")
		return
	}
	if err := s.portfolios.SetCashBalance(s.db, portfolioID, req.NewCashBalance); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update cash balance")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"portfolio_id":     portfolioID,
		"previous_balance": portfolio.CashBalance,
		"new_balance":      req.NewCashBalance,
		"updated_at":       time.Now().UTC(),
	})
}

func gridSummary(g *gridmodel.Grid, pending []*gridmodel.Order) map[string]any {
	summary := map[string]any{
		"grid_id":           g.ID,
		"portfolio_id":      g.PortfolioID,
		"symbol":            g.Symbol,
		"market":            g.Market,
		"name":              g.Name,
		"lower_price":       g.LowerPrice,
		"upper_price":       g.UpperPrice,
		"level_count":       g.LevelCount,
		"spacing":           g.Spacing,
		"investment_amount": g.InvestmentAmount,
		"status":            g.Status,
		"strategy_kind":     g.StrategyKind,
		"created_at":        g.CreatedAt,
	}
	if g.Dynamic != nil {
		summary["dynamic_config"] = g.Dynamic
	}
	if g.LastRebalancedAt != nil {
		summary["last_rebalanced_at"] = g.LastRebalancedAt
	}
	if pending != nil {
		summary["pending_order_count"] = len(pending)
	}
	return summary
}

func orderView(o *gridmodel.Order) map[string]any {
	view := map[string]any{
		"order_id":    o.ID,
		"level_index": o.LevelIndex,
		"level_price": o.LevelPrice,
		"side":        o.Side,
		"quantity":    o.Quantity,
		"state":       o.State,
		"source":      o.Source,
	}
	if o.FilledAt != nil {
		view["filled_at"] = o.FilledAt
		view["filled_price"] = o.FilledPrice
		view["trigger_price"] = o.TriggerPrice
	}
	if o.RealisedProfit != nil {
		view["realised_profit"] = o.RealisedProfit
	}
	if o.CancelReason != "" {
		view["cancel_reason"] = o.CancelReason
	}
	return view
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a plain error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppErr maps an apperr.Kind to an HTTP status the way spec.md §6
// describes: validation failures are client errors, business-rule
// rejections are conflicts, transient/data-gap problems are retryable
// server errors, and anything else is an internal fault.
func (s *Server) writeAppErr(w http.ResponseWriter, err error) {
	var status int
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.BusinessRule:
		status = http.StatusConflict
	case apperr.Transient:
		status = http.StatusServiceUnavailable
	case apperr.DataGap:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  apperr.CodeOf(err),
	})
}
