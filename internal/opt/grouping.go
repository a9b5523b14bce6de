package opt

import (
	"sort"
	"strings"

	"concretepool/internal/model"
)

type bucketKey struct {
	day, concreteType string
}

// BuildGroups partitions orders by delivery day, then concrete type, then distance zone.
// Every order lands in exactly one group. Groups are ordered by day, type and zone creation.
// Orders must already be validated (type label and location present).
func BuildGroups(orders []model.Order, c Clusterer) []model.Group {
	buckets := map[bucketKey][]model.Order{}
	for _, o := range orders {
		k := bucketKey{day: o.Day(), concreteType: o.TypeLabel()}
		buckets[k] = append(buckets[k], o)
	}
	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].day != keys[j].day {
			return keys[i].day < keys[j].day
		}
		return keys[i].concreteType < keys[j].concreteType
	})

	var groups []model.Group
	for _, k := range keys {
		prefix := k.day + "|" + k.concreteType + "|"
		zones, members := c.Zones(prefix, buckets[k])
		for i, z := range zones {
			groups = append(groups, model.Group{
				Key: model.GroupKey{
					Date:         k.day,
					ConcreteType: k.concreteType,
					Zone:         strings.TrimPrefix(z.ID, prefix),
				},
				Zone:   z,
				Orders: members[i],
			})
		}
	}
	return groups
}
