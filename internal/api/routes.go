package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"concretepool/internal/metrics"
)

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Orders
	mux.HandleFunc("/v1/orders", s.OrdersHandler)

	// Plans; the event stream paths are longer and win over the {id} prefix
	mux.HandleFunc("/v1/plans", s.PlansHandler)
	mux.HandleFunc("/v1/plans/", s.PlanByIDHandler)
	mux.HandleFunc("/v1/plans/events/stream", s.PlanEventsStreamHandler)
	mux.HandleFunc("/v1/plans/events/ws", s.PlanEventsWSHandler)

	mux.HandleFunc("/v1/config", s.ConfigHandler)

	// Webhooks
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug", s.DebugJSON)
	mux.HandleFunc("/openapi", s.OpenAPIHandler)
	metrics.RegisterDefault()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}

// Handler is the routed mux behind the standard middleware stack.
func (s *Server) Handler(rl *RateLimiter) http.Handler {
	return Chain(s.Routes(), RequestLog(s.Log), Metrics, rl.Middleware)
}
