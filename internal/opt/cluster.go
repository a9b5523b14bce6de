package opt

import (
	"fmt"
	"sort"

	"concretepool/internal/geo"
	"concretepool/internal/model"
)

// Clusterer partitions same-day, same-type orders into distance zones.
//
// A zone is anchored at its first member. An order may join a zone only if it is within
// ThresholdKm of every member (anchor included), so any two orders in a zone are mutually
// within the threshold. Among admissible zones the one with the nearest anchor wins, the
// earliest created on ties. Orders are visited by ID, input position breaking ties, which
// makes the partition independent of input order.
type Clusterer struct {
	ThresholdKm float64
}

type zoneBuild struct {
	anchor  model.GeoPoint
	members []model.Order
}

// Zones returns the zones and their member orders. prefix is prepended to zone IDs.
// Orders must carry a location.
func (c Clusterer) Zones(prefix string, orders []model.Order) ([]model.DistanceZone, [][]model.Order) {
	sorted := append([]model.Order(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var zones []*zoneBuild
	for _, o := range sorted {
		loc := *o.Location
		best, bestDist := -1, 0.0
		for zi, z := range zones {
			d := geo.HaversineKm(z.anchor, loc)
			if d > c.ThresholdKm || !c.admits(z, loc) {
				continue
			}
			if best == -1 || d < bestDist {
				best, bestDist = zi, d
			}
		}
		if best == -1 {
			zones = append(zones, &zoneBuild{anchor: loc, members: []model.Order{o}})
			continue
		}
		zones[best].members = append(zones[best].members, o)
	}

	out := make([]model.DistanceZone, len(zones))
	members := make([][]model.Order, len(zones))
	for i, z := range zones {
		ids := make([]string, len(z.members))
		for j, m := range z.members {
			ids[j] = m.ID
		}
		out[i] = model.DistanceZone{ID: fmt.Sprintf("%sz%d", prefix, i+1), Anchor: z.anchor, OrderIDs: ids}
		members[i] = z.members
	}
	return out, members
}

func (c Clusterer) admits(z *zoneBuild, loc model.GeoPoint) bool {
	for _, m := range z.members {
		if geo.HaversineKm(*m.Location, loc) > c.ThresholdKm {
			return false
		}
	}
	return true
}
