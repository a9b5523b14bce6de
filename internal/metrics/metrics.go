package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"concretepool/internal/model"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Plans counts engine runs by outcome (ok, error).
	Plans = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pool_plans_total", Help: "Pooling engine runs by outcome."},
		[]string{"outcome"},
	)
	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "pool_plan_duration_seconds", Help: "Pooling engine run duration in seconds.", Buckets: prometheus.DefBuckets},
	)
	// PlanOrders counts orders seen by the engine by fate (planned, rejected, invalid).
	PlanOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pool_orders_total", Help: "Orders processed by the pooling engine by fate."},
		[]string{"fate"},
	)
	TruckLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pool_truck_loads_total", Help: "Truck loads planned by truck class."},
		[]string{"class"},
	)
	Utilization = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "pool_load_utilization_ratio", Help: "Utilization of planned truck loads.", Buckets: []float64{0.1, 0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1}},
	)
	// Savings accumulates baseline minus pooled cost, in currency units.
	Savings = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pool_savings_total", Help: "Cumulative savings of pooled over baseline cost."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(Plans, PlanDuration, PlanOrders, TruckLoads, Utilization, Savings)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// ObservePlan records one engine run. A nil err means p is complete.
func ObservePlan(p model.Plan, dur time.Duration, err error) {
	PlanDuration.Observe(dur.Seconds())
	if err != nil {
		Plans.WithLabelValues("error").Inc()
		return
	}
	Plans.WithLabelValues("ok").Inc()
	rejected := len(p.Rejections())
	PlanOrders.WithLabelValues("planned").Add(float64(p.Total.Orders))
	PlanOrders.WithLabelValues("rejected").Add(float64(rejected))
	PlanOrders.WithLabelValues("invalid").Add(float64(len(p.Diagnostics)))
	for _, l := range p.Loads() {
		TruckLoads.WithLabelValues(l.Class.Name).Inc()
		Utilization.Observe(l.Utilization)
	}
	if p.Total.Savings > 0 {
		Savings.Add(p.Total.Savings)
	}
}

// ObserveWebhook records one delivery attempt.
func ObserveWebhook(eventType, status string, latencyMs int) {
	WebhookDeliveries.WithLabelValues(eventType, status).Inc()
	WebhookLatency.WithLabelValues(eventType, status).Observe(float64(latencyMs))
}
