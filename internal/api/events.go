package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"concretepool/internal/auth"
	"concretepool/internal/model"
)

var sseHeartbeat = 15 * time.Second

// announce publishes plan.completed on the broker and queues webhook deliveries.
// The event ID is derived from the plan so a replayed announcement deduplicates.
func (s *Server) announce(ctx context.Context, plan model.Plan) {
	ev := model.PlanEvent{
		ID:      model.EventPlanCompleted + ":" + plan.ID,
		Type:    model.EventPlanCompleted,
		At:      plan.CreatedAt,
		Summary: plan.Summary(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.Log.Error().Err(err).Str("plan_id", plan.ID).Msg("marshal plan event")
		return
	}
	s.Broker.Publish(TopicPlans, SSEEvent{ID: ev.ID, Type: ev.Type, Data: data})
	if s.Pub == nil {
		return
	}
	n, err := s.Pub.Emit(ctx, ev)
	if err != nil {
		s.Log.Error().Err(err).Str("plan_id", plan.ID).Msg("queue plan webhooks")
		return
	}
	if n > 0 {
		s.Log.Info().Str("plan_id", plan.ID).Int("deliveries", n).Msg("plan webhooks queued")
	}
}

// PlanEventsStreamHandler handles GET /v1/plans/events/stream (Server-Sent Events).
func (s *Server) PlanEventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, auth.RoleViewer) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(TopicPlans)
	defer s.Broker.Unsubscribe(TopicPlans, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.ID != "" {
				fmt.Fprintf(w, "id: %s\n", evt.ID)
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage follows the graphql-transport-ws framing so standard clients can subscribe:
// connection_init/connection_ack, subscribe/next/complete, ping/pong, error.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscribePayload optionally narrows a subscription to some event types.
type subscribePayload struct {
	Events []string `json:"events"`
}

// PlanEventsWSHandler handles GET /v1/plans/events/ws
func (s *Server) PlanEventsWSHandler(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.RoleViewer) {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	subs := map[string]chan SSEEvent{}
	defer func() {
		for id, ch := range subs {
			s.Broker.Unsubscribe(TopicPlans, ch)
			delete(subs, id)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	done := make(chan struct{})
	defer close(done)
	acked := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			if acked {
				continue
			}
			acked = true
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if !acked || msg.ID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"connection_init and a subscription id are required"}`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"subscription id already in use"}`)})
				continue
			}
			var pl subscribePayload
			if len(msg.Payload) > 0 {
				_ = json.Unmarshal(msg.Payload, &pl)
			}
			ch := s.Broker.Subscribe(TopicPlans)
			subs[msg.ID] = ch
			go func(id string, c chan SSEEvent, filter []string) {
				for evt := range c {
					if len(filter) > 0 && !slices.Contains(filter, evt.Type) {
						continue
					}
					payload, _ := json.Marshal(map[string]json.RawMessage{"data": evt.Data})
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, pl.Events)
		case "complete":
			if ch, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(TopicPlans, ch)
				delete(subs, msg.ID)
			}
		}
	}
}
