package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"concretepool/internal/auth"
	"concretepool/internal/integrations/csvfile"
	"concretepool/internal/metrics"
	"concretepool/internal/model"
	"concretepool/internal/report"
	"concretepool/internal/store"
)

// OrdersHandler handles POST/GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.require(w, r, auth.RolePlanner) {
			return
		}
		orders, diags, err := s.readOrders(w, r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid orders", err.Error(), r.URL.Path)
			return
		}
		valid, invalid := s.Engine.Validate(orders)
		diags = append(diags, invalid...)
		created, skipped, err := s.Store.CreateOrders(r.Context(), valid)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create orders failed", err.Error(), r.URL.Path)
			return
		}
		s.Log.Info().Int("created", created).Int("skipped", skipped).Int("invalid", len(diags)).Msg("orders ingested")
		writeJSON(w, http.StatusAccepted, map[string]any{"created": created, "skipped": skipped, "diagnostics": diags})
	case http.MethodGet:
		if !s.require(w, r, auth.RoleViewer) {
			return
		}
		from, to, err := dateRange(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid date range", err.Error(), r.URL.Path)
			return
		}
		items, err := s.Store.ListOrders(r.Context(), from, to)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// readOrders accepts a JSON array of orders or a CSV upload (text/csv).
// CSV rows that cannot be parsed come back as diagnostics.
func (s *Server) readOrders(w http.ResponseWriter, r *http.Request) ([]model.Order, []model.Diagnostic, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "text/csv" {
		batch, err := csvfile.Parse(r.Context(), http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			return nil, nil, err
		}
		return batch.Orders, batch.Diagnostics, nil
	}
	var orders []model.Order
	if err := decodeJSON(w, r, &orders); err != nil {
		return nil, nil, err
	}
	return orders, nil, nil
}

func dateRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = csvfile.ParseDate(v); err != nil {
			return from, to, err
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = csvfile.ParseDate(v); err != nil {
			return from, to, err
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("to must not be before from")
	}
	return from, to, nil
}

// PlansHandler handles POST/GET /v1/plans
func (s *Server) PlansHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.require(w, r, auth.RolePlanner) {
			return
		}
		var req PlanRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		q, err := validatePlanRequest(&req)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid plan request", err.Error(), r.URL.Path)
			return
		}
		orders := req.Orders
		if len(orders) == 0 {
			if orders, err = s.Store.ListOrders(r.Context(), q.from, q.to); err != nil {
				writeProblem(w, http.StatusInternalServerError, "Load orders failed", err.Error(), r.URL.Path)
				return
			}
		}
		plan, err := s.runPlan(r.Context(), orders)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusServiceUnavailable
			}
			writeProblem(w, status, "Plan failed", err.Error(), r.URL.Path)
			return
		}
		reports := make(map[report.Granularity]report.Report, len(q.rollups))
		for _, g := range q.rollups {
			reports[g] = report.Build(plan, g, s.Engine.Banding())
		}
		writeJSON(w, http.StatusCreated, map[string]any{"plan": plan, "reports": reports})
	case http.MethodGet:
		if !s.require(w, r, auth.RoleViewer) {
			return
		}
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListPlans(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List plans failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// runPlan computes, stores and announces a plan.
func (s *Server) runPlan(ctx context.Context, orders []model.Order) (model.Plan, error) {
	start := time.Now()
	plan, err := s.Engine.Plan(ctx, orders)
	metrics.ObservePlan(plan, time.Since(start), err)
	if err != nil {
		return plan, err
	}
	if err := s.Store.SavePlan(ctx, plan); err != nil {
		return plan, fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	s.announce(ctx, plan)
	return plan, nil
}

// PlanByIDHandler handles GET /v1/plans/{id} and GET /v1/plans/{id}/report?by=
func (s *Server) PlanByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/plans/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "report") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, auth.RoleViewer) {
		return
	}
	plan, err := s.Store.GetPlan(r.Context(), parts[0])
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Plan not found", parts[0], r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get plan failed", err.Error(), r.URL.Path)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, plan)
		return
	}
	by := report.ByDay
	if v := r.URL.Query().Get("by"); v != "" {
		if by, err = report.ParseGranularity(v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid rollup", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, report.Build(plan, by, s.Engine.Banding()))
}

// ConfigHandler returns the effective engine configuration and truck classes.
func (s *Server) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/config" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if !s.require(w, r, auth.RoleViewer) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":       s.Engine.Config(),
		"truckClasses": s.Engine.Pricing().Classes(),
		"rollups":      report.Granularities,
	})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscriptionRequest(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListSubscriptions(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Subscription delete (admin)
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	err := s.Store.DeleteSubscription(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Subscription not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Admin: webhook deliveries list
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.StatusPending, store.StatusRetry, store.StatusDelivered, store.StatusFailed:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid status", status, r.URL.Path)
		return
	}
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), status, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
