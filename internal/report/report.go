// Package report computes per-group cost records and rolls them up for reporting.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"concretepool/internal/geo"
	"concretepool/internal/model"
	"concretepool/internal/pricing"
)

type Granularity string

const (
	ByGroup Granularity = "group"
	ByDay   Granularity = "day"
	ByMonth Granularity = "month"
	ByType  Granularity = "type"
	ByZone  Granularity = "zone"
	ByTotal Granularity = "total"
)

// Granularities lists every supported rollup in display order.
var Granularities = []Granularity{ByGroup, ByDay, ByMonth, ByType, ByZone, ByTotal}

func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Granularities {
		if g == known {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown rollup %q: %w", s, model.ErrInvalidInput)
}

// Banding places distance zones into rings around the plant for the zone rollup.
// Without a plant each zone is reported on its own.
type Banding struct {
	Plant   *model.GeoPoint
	WidthKm float64
}

// GroupRecord prices one allocated group. Rejected orders are counted but carry no cost
// on either side.
func GroupRecord(g model.Group, loads []model.TruckLoad, rejected []model.Rejection, pm *pricing.Model) (model.CostRecord, error) {
	skip := make(map[string]bool, len(rejected))
	for _, r := range rejected {
		skip[r.OrderID] = true
	}
	rec := model.CostRecord{Key: g.Key.String(), Trucks: map[string]int{}, Rejected: len(rejected)}
	for _, o := range g.Orders {
		if skip[o.ID] {
			continue
		}
		c, err := pm.BaselineCost(o.Volume)
		if err != nil {
			return model.CostRecord{}, fmt.Errorf("group %s: order %s: %w", g.Key, o.ID, err)
		}
		rec.Baseline += c
		rec.Orders++
	}
	for _, l := range loads {
		rec.Pooled += l.Cost
		rec.Volume += l.Volume
		rec.Capacity += l.Class.CapacityM3
		rec.UtilizationSum += l.Utilization
		rec.Trucks[l.Class.Name]++
		rec.Loads++
	}
	return rec.Finalize(), nil
}

// Total folds every group into a single record.
func Total(groups []model.GroupResult) model.CostRecord {
	out := model.CostRecord{Key: string(ByTotal)}.Finalize()
	for _, g := range groups {
		out = out.Merge(g.Cost)
	}
	return out
}

// Rollup folds group records by the requested granularity. Records are sorted by key.
func Rollup(groups []model.GroupResult, by Granularity, b Banding) []model.CostRecord {
	acc := map[string]model.CostRecord{}
	for _, g := range groups {
		k := key(g, by, b)
		cur, ok := acc[k]
		if !ok {
			cur = model.CostRecord{Key: k}.Finalize()
		}
		acc[k] = cur.Merge(g.Cost)
	}
	keys := make([]string, 0, len(acc))
	for k := range acc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.CostRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, acc[k])
	}
	return out
}

func key(g model.GroupResult, by Granularity, b Banding) string {
	switch by {
	case ByDay:
		return g.Key.Date
	case ByMonth:
		if len(g.Key.Date) >= 7 {
			return g.Key.Date[:7]
		}
		return g.Key.Date
	case ByType:
		return g.Key.ConcreteType
	case ByZone:
		if b.Plant == nil || b.WidthKm <= 0 {
			return g.Zone.ID
		}
		d := geo.HaversineKm(*b.Plant, g.Zone.Anchor)
		lo := math.Floor(d/b.WidthKm) * b.WidthKm
		return fmt.Sprintf("%g-%gkm", lo, lo+b.WidthKm)
	case ByTotal:
		return string(ByTotal)
	default:
		return g.Key.String()
	}
}

// Report is a rollup of one plan at one granularity.
type Report struct {
	PlanID      string             `json:"planId"`
	By          Granularity        `json:"by"`
	Records     []model.CostRecord `json:"records"`
	Total       model.CostRecord   `json:"total"`
	Utilization float64            `json:"utilization"`
}

// Build rolls a plan up by the requested granularity.
func Build(p model.Plan, by Granularity, b Banding) Report {
	total := Total(p.Groups)
	return Report{
		PlanID:      p.ID,
		By:          by,
		Records:     Rollup(p.Groups, by, b),
		Total:       total,
		Utilization: total.Utilization,
	}
}
