package model

import "time"

// EventPlanCompleted is published after every successful engine run.
const EventPlanCompleted = "plan.completed"

// EventTypes lists the event types a webhook subscription may ask for.
var EventTypes = []string{EventPlanCompleted}

type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// PlanEvent is the payload of plan.completed, on the event streams and in webhook bodies.
type PlanEvent struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	At      time.Time   `json:"at"`
	Summary PlanSummary `json:"plan"`
}
