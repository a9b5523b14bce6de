// Package main is a smoke client: it subscribes to plan events over WebSocket, submits a
// small batch and prints what the server pushes back.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const batch = `{"orders":[
 {"id":"ws-1","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":2,"location":{"lat":47.50,"lng":19.04}},
 {"id":"ws-2","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":3,"location":{"lat":47.52,"lng":19.07}},
 {"id":"ws-3","date":"2025-03-10T00:00:00Z","concreteType":"C25/30","volume":4,"location":{"lat":47.49,"lng":19.10}}
],"rollups":["day"]}`

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	hdr := http.Header{}
	hdr.Set("X-Role", "planner")
	if tok := os.Getenv("TOKEN"); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/plans/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"events":["plan.completed"]}`)}); err != nil {
		log.Fatal(err)
	}

	got := make(chan struct{})
	go func() {
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			if m.Type == "next" {
				close(got)
				return
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/plans", bytes.NewReader([]byte(batch)))
	req.Header = hdr.Clone()
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	var out struct {
		Plan struct {
			ID    string `json:"id"`
			Total struct {
				Savings float64 `json:"savings"`
			} `json:"total"`
		} `json:"plan"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	_ = resp.Body.Close()
	log.Printf("plan %s status=%d savings=%.2f", out.Plan.ID, resp.StatusCode, out.Plan.Total.Savings)

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		log.Fatal("no plan event received")
	}
}
