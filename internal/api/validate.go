package api

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"concretepool/internal/integrations/csvfile"
	"concretepool/internal/model"
	"concretepool/internal/report"
)

// PlanRequest asks for a plan over inline orders or over stored orders in [From, To].
type PlanRequest struct {
	Orders  []model.Order `json:"orders,omitempty"`
	From    string        `json:"from,omitempty"`
	To      string        `json:"to,omitempty"`
	Rollups []string      `json:"rollups,omitempty"`
}

type planQuery struct {
	from, to time.Time
	rollups  []report.Granularity
}

func validatePlanRequest(req *PlanRequest) (planQuery, error) {
	var q planQuery
	if len(req.Orders) > 0 && (req.From != "" || req.To != "") {
		return q, fmt.Errorf("orders and from/to are mutually exclusive")
	}
	if len(req.Orders) == 0 {
		if req.From == "" {
			return q, fmt.Errorf("either orders or from is required")
		}
		var err error
		if q.from, err = csvfile.ParseDate(req.From); err != nil {
			return q, fmt.Errorf("from: %w", err)
		}
		q.to = q.from
		if req.To != "" {
			if q.to, err = csvfile.ParseDate(req.To); err != nil {
				return q, fmt.Errorf("to: %w", err)
			}
		}
		if q.to.Before(q.from) {
			return q, fmt.Errorf("to must not be before from")
		}
	}
	for _, s := range req.Rollups {
		g, err := report.ParseGranularity(s)
		if err != nil {
			return q, err
		}
		if !slices.Contains(q.rollups, g) {
			q.rollups = append(q.rollups, g)
		}
	}
	return q, nil
}

func validateSubscriptionRequest(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	for _, e := range req.Events {
		if !slices.Contains(model.EventTypes, e) {
			return fmt.Errorf("unknown event type: %s (allowed: %v)", e, model.EventTypes)
		}
	}
	return nil
}
