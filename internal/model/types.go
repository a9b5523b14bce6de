package model

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the calendar-day format used for grouping keys and reports.
const DayLayout = "2006-01-02"

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// ConcreteSpec is the mix specification a concrete type label can be derived from.
type ConcreteSpec struct {
	Strength    string  `json:"strength"`
	Dmax        float64 `json:"dmax,omitempty"`
	Consistency string  `json:"consistency,omitempty"`
	Exposure    string  `json:"exposure,omitempty"`
}

// Label renders the spec as a pooling key. Two orders pool only when their labels match.
func (s ConcreteSpec) Label() string {
	parts := []string{strings.TrimSpace(s.Strength)}
	if s.Dmax > 0 {
		parts = append(parts, fmt.Sprintf("D%g", s.Dmax))
	}
	if c := strings.TrimSpace(s.Consistency); c != "" {
		parts = append(parts, c)
	}
	if e := strings.TrimSpace(s.Exposure); e != "" {
		parts = append(parts, e)
	}
	return strings.Join(parts, "/")
}

// Order is a single concrete delivery request. Orders are never mutated after intake.
type Order struct {
	ID           string        `json:"id"`
	Date         time.Time     `json:"date"`
	ConcreteType string        `json:"concreteType"`
	Volume       float64       `json:"volume"`
	Location     *GeoPoint     `json:"location,omitempty"`
	Spec         *ConcreteSpec `json:"spec,omitempty"`
}

// TypeLabel returns the explicit concrete type, falling back to the spec label.
func (o Order) TypeLabel() string {
	if t := strings.TrimSpace(o.ConcreteType); t != "" {
		return t
	}
	if o.Spec != nil {
		return o.Spec.Label()
	}
	return ""
}

// Day returns the delivery date as YYYY-MM-DD, read in the timestamp's own zone.
func (o Order) Day() string { return o.Date.Format(DayLayout) }

// CalendarDay keeps the year, month and day of t as written and returns that day at
// 00:00 UTC. A delivery date of 2025-03-10T00:00+01:00 stays on 2025-03-10.
func CalendarDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DistanceZone is a set of orders mutually within the proximity threshold.
type DistanceZone struct {
	ID       string   `json:"id"`
	Anchor   GeoPoint `json:"anchor"`
	OrderIDs []string `json:"orderIds"`
}

type GroupKey struct {
	Date         string `json:"date"`
	ConcreteType string `json:"concreteType"`
	Zone         string `json:"zone"`
}

func (k GroupKey) String() string { return k.Date + "|" + k.ConcreteType + "|" + k.Zone }

// Group is the unit of work handed to the allocator.
type Group struct {
	Key    GroupKey
	Zone   DistanceZone
	Orders []Order
}

// TruckClass is a fixed truck size and the rate tier its loads are billed at.
type TruckClass struct {
	Name       string  `json:"name" yaml:"name"`
	CapacityM3 float64 `json:"capacityM3" yaml:"capacity_m3"`
	Tier       string  `json:"tier" yaml:"tier"`
}

// LoadItem is the share of one order carried by a truck load. Volume equals
// OrderVolume unless the order was split across trucks.
type LoadItem struct {
	OrderID     string  `json:"orderId"`
	Volume      float64 `json:"volume"`
	OrderVolume float64 `json:"orderVolume"`
}

type TruckLoad struct {
	ID          string     `json:"id"`
	Group       GroupKey   `json:"group"`
	Class       TruckClass `json:"class"`
	Items       []LoadItem `json:"items"`
	Volume      float64    `json:"volume"`
	Rate        float64    `json:"rate"`
	Cost        float64    `json:"cost"`
	Utilization float64    `json:"utilization"`
}

// Free returns the unused capacity of the load.
func (l TruckLoad) Free() float64 { return l.Class.CapacityM3 - l.Volume }

// OrderIDs lists the orders on the load in loading order.
func (l TruckLoad) OrderIDs() []string {
	out := make([]string, 0, len(l.Items))
	for _, it := range l.Items {
		out = append(out, it.OrderID)
	}
	return out
}

const (
	ReasonInvalidInput     = "invalid_input"
	ReasonCapacityExceeded = "capacity_exceeded"
)

// Rejection reports an order the allocator could not place on any truck.
type Rejection struct {
	OrderID string   `json:"orderId"`
	Group   GroupKey `json:"group"`
	Reason  string   `json:"reason"`
	Volume  float64  `json:"volume"`
	Detail  string   `json:"detail,omitempty"`
}

// Diagnostic reports an input order that was refused before grouping.
type Diagnostic struct {
	OrderID string `json:"orderId,omitempty"`
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// GroupResult is the allocation and costing outcome for one group.
type GroupResult struct {
	Key        GroupKey     `json:"key"`
	Zone       DistanceZone `json:"zone"`
	OrderIDs   []string     `json:"orderIds"`
	Loads      []TruckLoad  `json:"loads"`
	Rejections []Rejection  `json:"rejections,omitempty"`
	Cost       CostRecord   `json:"cost"`
}

// Plan is the full result of one engine run.
type Plan struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"createdAt"`
	OrderCount  int           `json:"orderCount"`
	Groups      []GroupResult `json:"groups"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	Total       CostRecord    `json:"total"`
}

// Loads flattens the truck loads of all groups in group order.
func (p Plan) Loads() []TruckLoad {
	var out []TruckLoad
	for _, g := range p.Groups {
		out = append(out, g.Loads...)
	}
	return out
}

// Rejections flattens the capacity rejections of all groups in group order.
func (p Plan) Rejections() []Rejection {
	var out []Rejection
	for _, g := range p.Groups {
		out = append(out, g.Rejections...)
	}
	return out
}

// Summary is the listing view of a stored plan.
func (p Plan) Summary() PlanSummary {
	return PlanSummary{
		ID:        p.ID,
		CreatedAt: p.CreatedAt,
		Orders:    p.OrderCount,
		Groups:    len(p.Groups),
		Loads:     p.Total.Loads,
		Rejected:  len(p.Rejections()),
		Invalid:   len(p.Diagnostics),
		Baseline:  p.Total.Baseline,
		Pooled:    p.Total.Pooled,
		Savings:   p.Total.Savings,
	}
}

type PlanSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Orders    int       `json:"orders"`
	Groups    int       `json:"groups"`
	Loads     int       `json:"loads"`
	Rejected  int       `json:"rejected"`
	Invalid   int       `json:"invalid"`
	Baseline  float64   `json:"baseline"`
	Pooled    float64   `json:"pooled"`
	Savings   float64   `json:"savings"`
}
