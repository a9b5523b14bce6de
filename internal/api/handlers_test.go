package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"concretepool/internal/config"
	"concretepool/internal/metrics"
	"concretepool/internal/model"
	"concretepool/internal/opt"
)

var day1 = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("AUTH_MODE", "")
	var n atomic.Int64
	eng, err := opt.NewEngine(config.Default(),
		opt.WithClock(func() time.Time { return day1 }),
		opt.WithIDGenerator(func() string { return fmt.Sprintf("plan-%d", n.Add(1)) }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	s, err := NewServer(eng, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func do(h http.HandlerFunc, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

// Two orders a few km apart: 4 m3 (medium tier, 80) and 2 m3 (small tier, 95) share one
// large truck at 70. Baseline 320+190=510, pooled 6*70=420.
const pairJSON = `[
 {"id":"a","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":4,"location":{"lat":47.50,"lng":19.04}},
 {"id":"b","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":2,"location":{"lat":47.52,"lng":19.07}}
]`

type planResponse struct {
	Plan    model.Plan `json:"plan"`
	Reports map[string]struct {
		Records []model.CostRecord `json:"records"`
		Total   model.CostRecord   `json:"total"`
	} `json:"reports"`
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	if rr := do(s.HealthHandler, http.MethodGet, "/healthz", "", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(s.ReadyHandler, http.MethodGet, "/readyz", "", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestOrdersCreateList(t *testing.T) {
	s := newTestServer(t)
	body := `[
	 {"id":"o1","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":3,"location":{"lat":47.5,"lng":19.0}},
	 {"id":"o2","date":"2025-03-11T00:00:00Z","concreteType":"C25/30","volume":5,"location":{"lat":47.5,"lng":19.0}},
	 {"id":"bad","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":0,"location":{"lat":47.5,"lng":19.0}}
	]`
	rr := do(s.OrdersHandler, http.MethodPost, "/v1/orders", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("orders create: got %d %s", rr.Code, rr.Body)
	}
	var res struct {
		Created, Skipped int
		Diagnostics      []model.Diagnostic
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Created != 2 || res.Skipped != 0 || len(res.Diagnostics) != 1 || res.Diagnostics[0].OrderID != "bad" {
		t.Fatalf("create result: %+v", res)
	}
	rr = do(s.OrdersHandler, http.MethodPost, "/v1/orders", body, nil)
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Created != 0 || res.Skipped != 2 {
		t.Fatalf("re-ingest should skip: %+v", res)
	}

	rr = do(s.OrdersHandler, http.MethodGet, "/v1/orders?from=2025-03-10&to=2025-03-10", "", nil)
	var list struct{ Items []model.Order }
	_ = json.Unmarshal(rr.Body.Bytes(), &list)
	if rr.Code != 200 || len(list.Items) != 1 || list.Items[0].ID != "o1" {
		t.Fatalf("orders list: %d %+v", rr.Code, list.Items)
	}
	if rr := do(s.OrdersHandler, http.MethodGet, "/v1/orders?from=yesterday", "", nil); rr.Code != 400 {
		t.Fatalf("bad from: got %d", rr.Code)
	}
}

func TestOrdersCSV(t *testing.T) {
	s := newTestServer(t)
	csv := "id,date,concrete_type,volume,lat,lng\n" +
		"c1,2025-03-10,C30/37,2.5,47.5,19.0\n" +
		"c2,2025-03-10,C30/37,oops,47.5,19.0\n"
	rr := do(s.OrdersHandler, http.MethodPost, "/v1/orders", csv, map[string]string{"Content-Type": "text/csv; charset=utf-8"})
	var res struct {
		Created     int
		Diagnostics []model.Diagnostic
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if rr.Code != http.StatusAccepted || res.Created != 1 || len(res.Diagnostics) != 1 {
		t.Fatalf("csv: %d %+v", rr.Code, res)
	}
}

func TestPlanInlineAndReport(t *testing.T) {
	s := newTestServer(t)
	rr := do(s.PlansHandler, http.MethodPost, "/v1/plans", `{"orders":`+pairJSON+`,"rollups":["day","zone"]}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("plan: %d %s", rr.Code, rr.Body)
	}
	var res planResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Plan.ID != "plan-1" || res.Plan.Total.Baseline != 510 || res.Plan.Total.Pooled != 420 || res.Plan.Total.Savings != 90 {
		t.Fatalf("total: %+v", res.Plan.Total)
	}
	if day := res.Reports["day"]; len(day.Records) != 1 || day.Records[0].Key != "2025-03-10" {
		t.Fatalf("day rollup: %+v", day)
	}
	if zone := res.Reports["zone"]; len(zone.Records) != 1 || zone.Records[0].Key != "0-50km" {
		t.Fatalf("zone rollup: %+v", zone)
	}

	rr = do(s.PlanByIDHandler, http.MethodGet, "/v1/plans/plan-1", "", nil)
	if rr.Code != 200 {
		t.Fatalf("get plan: %d", rr.Code)
	}
	rr = do(s.PlanByIDHandler, http.MethodGet, "/v1/plans/plan-1/report?by=type", "", nil)
	var rep struct {
		Records []model.CostRecord
		Total   model.CostRecord
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &rep)
	if rr.Code != 200 || len(rep.Records) != 1 || rep.Records[0].Key != "C25/30" || rep.Total.Savings != 90 {
		t.Fatalf("report: %d %+v", rr.Code, rep)
	}
	if rr := do(s.PlanByIDHandler, http.MethodGet, "/v1/plans/plan-1/report?by=week", "", nil); rr.Code != 400 {
		t.Fatalf("bad rollup: got %d", rr.Code)
	}
	rr = do(s.PlanByIDHandler, http.MethodGet, "/v1/plans/nope", "", nil)
	if rr.Code != 404 || rr.Header().Get("Content-Type") != "application/problem+json" {
		t.Fatalf("missing plan: %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}

	rr = do(s.PlansHandler, http.MethodGet, "/v1/plans?limit=10", "", nil)
	var page struct{ Items []model.PlanSummary }
	_ = json.Unmarshal(rr.Body.Bytes(), &page)
	if len(page.Items) != 1 || page.Items[0].Savings != 90 {
		t.Fatalf("list plans: %+v", page.Items)
	}
}

func TestPlanFromStoredOrders(t *testing.T) {
	s := newTestServer(t)
	if rr := do(s.OrdersHandler, http.MethodPost, "/v1/orders", pairJSON, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("ingest: %d", rr.Code)
	}
	rr := do(s.PlansHandler, http.MethodPost, "/v1/plans", `{"from":"2025-03-10"}`, nil)
	var res planResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if rr.Code != http.StatusCreated || res.Plan.OrderCount != 2 || res.Plan.Total.Savings != 90 {
		t.Fatalf("stored plan: %d %+v", rr.Code, res.Plan.Total)
	}
	rr = do(s.PlansHandler, http.MethodPost, "/v1/plans", `{"from":"2025-03-11"}`, nil)
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if rr.Code != http.StatusCreated || res.Plan.OrderCount != 0 || res.Plan.Total.Savings != 0 {
		t.Fatalf("empty day: %d %+v", rr.Code, res.Plan)
	}
}

func TestPlanRequestValidation(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{
		`{}`,
		`{"orders":` + pairJSON + `,"from":"2025-03-10"}`,
		`{"from":"2025-03-10","to":"2025-03-09"}`,
		`{"from":"2025-03-10","rollups":["week"]}`,
		`not json`,
	} {
		if rr := do(s.PlansHandler, http.MethodPost, "/v1/plans", body, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d", body, rr.Code)
		}
	}
}

func TestRoles(t *testing.T) {
	s := newTestServer(t)
	viewer := map[string]string{"X-Role": "viewer"}
	if rr := do(s.PlansHandler, http.MethodPost, "/v1/plans", `{"orders":`+pairJSON+`}`, viewer); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer plan: got %d", rr.Code)
	}
	if rr := do(s.PlansHandler, http.MethodGet, "/v1/plans", "", viewer); rr.Code != 200 {
		t.Fatalf("viewer list: got %d", rr.Code)
	}
	if rr := do(s.SubscriptionsHandler, http.MethodGet, "/v1/subscriptions", "", map[string]string{"X-Role": "planner"}); rr.Code != http.StatusForbidden {
		t.Fatalf("planner subscriptions: got %d", rr.Code)
	}

	s.Auth.Mode = "dev"
	if rr := do(s.PlansHandler, http.MethodGet, "/v1/plans", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", rr.Code)
	}
	tok := map[string]string{"Authorization": "Bearer ana:planner"}
	if rr := do(s.PlansHandler, http.MethodPost, "/v1/plans", `{"orders":`+pairJSON+`}`, tok); rr.Code != http.StatusCreated {
		t.Fatalf("planner token: got %d", rr.Code)
	}
}

func TestSubscriptionsAndDeliveries(t *testing.T) {
	s := newTestServer(t)
	if rr := do(s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", `{"url":"http://hook.local/x","events":["route.updated"]}`, nil); rr.Code != 400 {
		t.Fatalf("unknown event: got %d", rr.Code)
	}
	if rr := do(s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", `{"url":"ftp://x","events":["plan.completed"]}`, nil); rr.Code != 400 {
		t.Fatalf("bad url: got %d", rr.Code)
	}
	rr := do(s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", `{"url":"http://hook.local/x","events":["plan.completed"],"secret":"k"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	var sub model.Subscription
	_ = json.Unmarshal(rr.Body.Bytes(), &sub)

	if rr := do(s.PlansHandler, http.MethodPost, "/v1/plans", `{"orders":`+pairJSON+`}`, nil); rr.Code != http.StatusCreated {
		t.Fatalf("plan: %d", rr.Code)
	}
	rr = do(s.WebhookDeliveriesHandler, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", "", nil)
	var dl struct {
		Items []struct {
			EventType string `json:"eventType"`
			URL       string `json:"url"`
		}
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &dl)
	if rr.Code != 200 || len(dl.Items) != 1 || dl.Items[0].URL != "http://hook.local/x" {
		t.Fatalf("deliveries: %d %s", rr.Code, rr.Body)
	}
	if rr := do(s.WebhookDeliveriesHandler, http.MethodGet, "/v1/admin/webhook-deliveries?status=lost", "", nil); rr.Code != 400 {
		t.Fatalf("bad status: got %d", rr.Code)
	}

	if rr := do(s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := do(s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("delete again: %d", rr.Code)
	}
}

func TestConfigAndDocs(t *testing.T) {
	s := newTestServer(t)
	rr := do(s.ConfigHandler, http.MethodGet, "/v1/config", "", nil)
	var cfg struct {
		Config       config.Config
		TruckClasses []model.TruckClass
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &cfg)
	if rr.Code != 200 || len(cfg.TruckClasses) != 2 || cfg.Config.Proximity.ThresholdKm != 50 {
		t.Fatalf("config: %d %s", rr.Code, rr.Body)
	}
	rr = do(s.OpenAPIHandler, http.MethodGet, "/openapi?format=json", "", nil)
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil || doc["openapi"] != "3.0.3" {
		t.Fatalf("openapi: %v %v", err, doc["openapi"])
	}
	if rr := do(s.DebugJSON, http.MethodGet, "/debug", "", nil); rr.Code != 200 || !strings.Contains(rr.Body.String(), "*store.Memory") {
		t.Fatalf("debug: %d %s", rr.Code, rr.Body)
	}
}

func TestPlanEventsSSE(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler(nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/plans/events/stream", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	br := bufio.NewReader(resp.Body)
	if line, _ := br.ReadString('\n'); line != "event: heartbeat\n" {
		t.Fatalf("first line %q", line)
	}

	post, err := srv.Client().Post(srv.URL+"/v1/plans", "application/json", bytes.NewBufferString(`{"orders":`+pairJSON+`}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = post.Body.Close()

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended: %v", err)
		}
		if line != "event: plan.completed\n" {
			continue
		}
		data, _ := br.ReadString('\n')
		var ev model.PlanEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev); err != nil {
			t.Fatalf("data %q: %v", data, err)
		}
		if ev.Summary.ID != "plan-1" || ev.Summary.Savings != 90 {
			t.Fatalf("event: %+v", ev)
		}
		return
	}
}

func TestPlanEventsWebSocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler(nil))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/plans/events/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func(want string) wsMessage {
		t.Helper()
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if m.Type != want {
			t.Fatalf("got %s, want %s (%s)", m.Type, want, m.Payload)
		}
		return m
	}
	_ = c.WriteJSON(wsMessage{Type: "connection_init"})
	read("connection_ack")
	_ = c.WriteJSON(wsMessage{Type: "subscribe", ID: "s1", Payload: json.RawMessage(`{"events":["plan.completed"]}`)})
	// the server handles frames in order, so the pong proves the subscription is live
	_ = c.WriteJSON(wsMessage{Type: "ping"})
	read("pong")

	s.Broker.Publish(TopicPlans, SSEEvent{Type: "other.event", Data: []byte(`{"skip":true}`)})
	s.Broker.Publish(TopicPlans, SSEEvent{Type: model.EventPlanCompleted, Data: []byte(`{"id":"e1"}`)})
	m := read("next")
	if m.ID != "s1" || string(m.Payload) != `{"data":{"id":"e1"}}` {
		t.Fatalf("next: %+v %s", m, m.Payload)
	}

	_ = c.WriteJSON(wsMessage{Type: "complete", ID: "s1"})
	read("complete")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	codes := []int{}
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/plans", nil))
		codes = append(codes, rr.Code)
	}
	if fmt.Sprint(codes) != "[200 200 429]" {
		t.Fatalf("codes %v", codes)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("healthz limited: %d", rr.Code)
	}
	now = now.Add(time.Second)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/plans", nil))
	if rr.Code != 200 {
		t.Fatalf("after refill: %d", rr.Code)
	}

	var nilRL *RateLimiter
	if nilRL.Middleware(h) == nil {
		t.Fatal("nil limiter must pass through")
	}
}

func TestMetricsMiddleware(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler(nil)
	before := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/v1/plans/{id}", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/plans/missing", nil))
	after := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "/v1/plans/{id}", "404"))
	if after-before != 1 {
		t.Fatalf("request counter moved by %v", after-before)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics endpoint: %d", rr.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/plans/abc":           "/v1/plans/{id}",
		"/v1/plans/abc/report":    "/v1/plans/{id}/report",
		"/v1/plans/events/stream": "/v1/plans/events/stream",
		"/v1/subscriptions/x":     "/v1/subscriptions/{id}",
		"/v1/orders":              "/v1/orders",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
