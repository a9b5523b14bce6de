package opt

import (
	"fmt"
	"sort"

	"concretepool/internal/config"
	"concretepool/internal/model"
	"concretepool/internal/pricing"
)

const eps = pricing.Epsilon

// Allocator packs one group's orders onto trucks with cost-aware best-fit decreasing.
type Allocator struct {
	pricing     *pricing.Model
	policy      string
	allowSplit  bool
	soloPricing string
}

// NewAllocator builds an allocator from validated configuration.
func NewAllocator(pm *pricing.Model, cfg config.Allocator) *Allocator {
	return &Allocator{
		pricing:     pm,
		policy:      cfg.NewLoadPolicy,
		allowSplit:  cfg.AllowSplit,
		soloPricing: cfg.SoloPricing,
	}
}

type packItem struct {
	orderID     string
	volume      float64
	orderVolume float64
}

type openLoad struct {
	class model.TruckClass
	items []model.LoadItem
	used  float64
}

func (l *openLoad) free() float64 { return l.class.CapacityM3 - l.used }

func (l *openLoad) add(it packItem) {
	l.items = append(l.items, model.LoadItem{OrderID: it.orderID, Volume: it.volume, OrderVolume: it.orderVolume})
	l.used += it.volume
}

// Allocate assigns the group's orders to truck loads.
//
// Orders are taken largest first (ID breaks ties). Each goes to the open load with the
// smallest remaining capacity that still holds it and is not billed above the order's own
// baseline rate, otherwise a new load is opened with the
// class picked by the new-load policy. Orders above the largest capacity are rejected, or,
// with splitting enabled, cut into full loads of the largest class with the remainder packed
// like any other order.
func (a *Allocator) Allocate(g model.Group) ([]model.TruckLoad, []model.Rejection, error) {
	largest := a.pricing.Largest()
	var (
		items      []packItem
		dedicated  []*openLoad
		rejections []model.Rejection
	)
	for _, o := range g.Orders {
		if o.Volume <= largest.CapacityM3+eps {
			items = append(items, packItem{orderID: o.ID, volume: o.Volume, orderVolume: o.Volume})
			continue
		}
		if !a.allowSplit {
			rejections = append(rejections, model.Rejection{
				OrderID: o.ID,
				Group:   g.Key,
				Reason:  model.ReasonCapacityExceeded,
				Volume:  o.Volume,
				Detail:  fmt.Sprintf("%v m3 exceeds largest truck %q (%v m3): %v", o.Volume, largest.Name, largest.CapacityM3, model.ErrCapacityExceeded),
			})
			continue
		}
		rest := o.Volume
		for rest > largest.CapacityM3+eps {
			l := &openLoad{class: largest}
			l.add(packItem{orderID: o.ID, volume: largest.CapacityM3, orderVolume: o.Volume})
			dedicated = append(dedicated, l)
			rest -= largest.CapacityM3
		}
		if rest > eps {
			items = append(items, packItem{orderID: o.ID, volume: rest, orderVolume: o.Volume})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].volume != items[j].volume {
			return items[i].volume > items[j].volume
		}
		return items[i].orderID < items[j].orderID
	})

	var open []*openLoad
	for _, it := range items {
		var best *openLoad
		for _, l := range open {
			if l.free()+eps < it.volume || !a.affordable(l.class, it) {
				continue
			}
			if best == nil || l.free() < best.free() {
				best = l
			}
		}
		if best == nil {
			class, err := a.newLoadClass(it)
			if err != nil {
				return nil, nil, fmt.Errorf("allocate %s: order %s: %w", g.Key, it.orderID, err)
			}
			best = &openLoad{class: class}
			open = append(open, best)
		}
		best.add(it)
	}

	if a.policy == config.PolicyDownsize {
		for _, l := range open {
			a.downsize(l)
		}
	}

	all := append(dedicated, open...)
	loads := make([]model.TruckLoad, 0, len(all))
	for i, l := range all {
		tl, err := a.finish(g, i, l)
		if err != nil {
			return nil, nil, err
		}
		loads = append(loads, tl)
	}
	return loads, rejections, nil
}

// newLoadClass picks the class of a freshly opened load. smallest_fit takes the smallest
// class that holds the item and is not billed above the item's own baseline rate.
func (a *Allocator) newLoadClass(it packItem) (model.TruckClass, error) {
	if a.policy != config.PolicySmallestFit {
		return a.pricing.Largest(), nil
	}
	base, err := a.pricing.BaselineRate(it.orderVolume)
	if err != nil {
		return model.TruckClass{}, err
	}
	for _, c := range a.pricing.Classes() {
		if c.CapacityM3+eps < it.volume {
			continue
		}
		if r, err := a.pricing.PooledRate(c); err == nil && r <= base {
			return c, nil
		}
	}
	if c, ok := a.pricing.SmallestFitting(it.volume); ok {
		return c, nil
	}
	return model.TruckClass{}, fmt.Errorf("%v m3: %w", it.volume, model.ErrCapacityExceeded)
}

// affordable reports whether carrying it on class is billed no higher than delivering it alone.
func (a *Allocator) affordable(class model.TruckClass, it packItem) bool {
	pooled, err := a.pricing.PooledRate(class)
	if err != nil {
		return false
	}
	base, err := a.pricing.BaselineRate(it.orderVolume)
	return err == nil && pooled <= base
}

// downsize moves a load to the smallest class that holds it, as long as that class is not
// billed above the cheapest baseline rate of the orders on board.
func (a *Allocator) downsize(l *openLoad) {
	floor := -1.0
	for _, it := range l.items {
		r, err := a.pricing.BaselineRate(it.OrderVolume)
		if err != nil {
			return
		}
		if floor < 0 || r < floor {
			floor = r
		}
	}
	for _, c := range a.pricing.Classes() {
		if c.CapacityM3+eps < l.used {
			continue
		}
		r, err := a.pricing.PooledRate(c)
		if err != nil || r > floor {
			continue
		}
		l.class = c
		return
	}
}

// finish prices a load. A load carrying a single order is billed at that order's baseline
// rate when solo pricing is "baseline": an unpooled delivery costs what it always did.
func (a *Allocator) finish(g model.Group, idx int, l *openLoad) (model.TruckLoad, error) {
	var (
		rate float64
		err  error
	)
	if a.soloPricing == config.SoloBaseline && len(l.items) == 1 {
		rate, err = a.pricing.BaselineRate(l.items[0].OrderVolume)
	} else {
		rate, err = a.pricing.PooledRate(l.class)
	}
	if err != nil {
		return model.TruckLoad{}, fmt.Errorf("price load %d of %s: %w", idx+1, g.Key, err)
	}
	return model.TruckLoad{
		ID:          fmt.Sprintf("%s/L%d", g.Zone.ID, idx+1),
		Group:       g.Key,
		Class:       l.class,
		Items:       l.items,
		Volume:      l.used,
		Rate:        rate,
		Cost:        l.used * rate,
		Utilization: l.used / l.class.CapacityM3,
	}, nil
}
