// Package pricing maps order volumes and truck classes to per-m3 rates.
package pricing

import (
	"fmt"
	"math"

	"concretepool/internal/config"
	"concretepool/internal/model"
)

// Model is an immutable rate lookup built from validated configuration.
type Model struct {
	rates   config.Rates
	tiers   config.Tiers
	classes []model.TruckClass // ascending capacity
}

// New validates the pricing part of cfg and returns a Model.
func New(cfg config.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	return &Model{
		rates:   cfg.Pricing.Rates,
		tiers:   cfg.Pricing.Tiers,
		classes: cfg.SortedTrucks(),
	}, nil
}

// Tier returns the baseline tier of an order volume.
func (m *Model) Tier(volume float64) (string, error) {
	if !(volume > 0) || math.IsInf(volume, 0) {
		return "", fmt.Errorf("pricing: volume %v: %w", volume, model.ErrInvalidInput)
	}
	switch {
	case volume < m.tiers.SmallBelow:
		return config.TierSmall, nil
	case volume <= m.tiers.MediumUpTo:
		return config.TierMedium, nil
	default:
		return config.TierLarge, nil
	}
}

// BaselineRate is the per-m3 rate of an order delivered on its own truck.
func (m *Model) BaselineRate(volume float64) (float64, error) {
	tier, err := m.Tier(volume)
	if err != nil {
		return 0, err
	}
	return m.tierRate(tier), nil
}

// BaselineCost is volume times its baseline rate.
func (m *Model) BaselineCost(volume float64) (float64, error) {
	rate, err := m.BaselineRate(volume)
	if err != nil {
		return 0, err
	}
	return volume * rate, nil
}

// PooledRate is the per-m3 rate billed for a load on the given class.
func (m *Model) PooledRate(class model.TruckClass) (float64, error) {
	for _, c := range m.classes {
		if c.Name == class.Name && c.CapacityM3 == class.CapacityM3 {
			return m.tierRate(c.Tier), nil
		}
	}
	return 0, fmt.Errorf("pricing: unknown truck class %q (%v m3): %w", class.Name, class.CapacityM3, model.ErrInvalidInput)
}

// ClassFor returns the configured class with exactly the given capacity.
func (m *Model) ClassFor(capacity float64) (model.TruckClass, bool) {
	for _, c := range m.classes {
		if c.CapacityM3 == capacity {
			return c, true
		}
	}
	return model.TruckClass{}, false
}

// Classes returns the truck classes by ascending capacity.
func (m *Model) Classes() []model.TruckClass {
	return append([]model.TruckClass(nil), m.classes...)
}

// Largest returns the class with the biggest capacity.
func (m *Model) Largest() model.TruckClass { return m.classes[len(m.classes)-1] }

// SmallestFitting returns the smallest class that holds volume.
func (m *Model) SmallestFitting(volume float64) (model.TruckClass, bool) {
	for _, c := range m.classes {
		if volume <= c.CapacityM3+Epsilon {
			return c, true
		}
	}
	return model.TruckClass{}, false
}

func (m *Model) tierRate(tier string) float64 {
	switch tier {
	case config.TierSmall:
		return m.rates.Small
	case config.TierMedium:
		return m.rates.Medium
	default:
		return m.rates.Large
	}
}

// Epsilon absorbs floating point noise in volume comparisons.
const Epsilon = 1e-9
