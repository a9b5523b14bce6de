// Package config loads and validates the pooling engine configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"concretepool/internal/model"
)

// Rate tiers. Truck classes reference one of these to obtain their pooled rate.
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

// New-load class selection policies.
const (
	PolicyLargest     = "largest"
	PolicySmallestFit = "smallest_fit"
	PolicyDownsize    = "downsize"
)

// Solo-load pricing rules.
const (
	SoloBaseline = "baseline"
	SoloClass    = "class"
)

type Config struct {
	Pricing   Pricing            `yaml:"pricing" json:"pricing"`
	Trucks    []model.TruckClass `yaml:"trucks" json:"trucks"`
	Proximity Proximity          `yaml:"proximity" json:"proximity"`
	Allocator Allocator          `yaml:"allocator" json:"allocator"`
	Engine    Engine             `yaml:"engine" json:"engine"`
}

type Pricing struct {
	Rates Rates `yaml:"rates" json:"rates"`
	Tiers Tiers `yaml:"tiers" json:"tiers"`
}

// Rates are per-m3 prices. Small (R1) > Medium (R2) > Large (R3).
type Rates struct {
	Small  float64 `yaml:"small" json:"small"`
	Medium float64 `yaml:"medium" json:"medium"`
	Large  float64 `yaml:"large" json:"large"`
}

// Tiers are the baseline volume breakpoints: v < SmallBelow is small,
// SmallBelow <= v <= MediumUpTo is medium, anything larger is large.
type Tiers struct {
	SmallBelow float64 `yaml:"small_below" json:"smallBelow"`
	MediumUpTo float64 `yaml:"medium_up_to" json:"mediumUpTo"`
}

type Proximity struct {
	ThresholdKm float64         `yaml:"threshold_km" json:"thresholdKm"`
	Plant       *model.GeoPoint `yaml:"plant,omitempty" json:"plant,omitempty"`
}

type Allocator struct {
	NewLoadPolicy string `yaml:"new_load_policy" json:"newLoadPolicy"`
	AllowSplit    bool   `yaml:"allow_split" json:"allowSplit"`
	SoloPricing   string `yaml:"solo_pricing" json:"soloPricing"`
}

type Engine struct {
	// Workers bounds concurrent group allocation; 0 means GOMAXPROCS.
	Workers int `yaml:"workers" json:"workers"`
}

// Default returns the stock configuration: 3/7 m3 tiers, 7 and 12 m3 trucks, 50 km zones,
// and the batching plant location.
func Default() Config {
	return Config{
		Pricing: Pricing{
			Rates: Rates{Small: 95, Medium: 80, Large: 70},
			Tiers: Tiers{SmallBelow: 3, MediumUpTo: 7},
		},
		Trucks: []model.TruckClass{
			{Name: "medium", CapacityM3: 7, Tier: TierMedium},
			{Name: "large", CapacityM3: 12, Tier: TierLarge},
		},
		Proximity: Proximity{
			ThresholdKm: 50,
			Plant:       &model.GeoPoint{Lat: 47.624, Lng: 19.0655},
		},
		Allocator: Allocator{
			NewLoadPolicy: PolicyLargest,
			SoloPricing:   SoloBaseline,
		},
	}
}

// Load reads a YAML file over Default, applies env overrides and validates the result.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %q: %w: %v", path, model.ErrConfiguration, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays POOL_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("POOL_THRESHOLD_KM"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POOL_THRESHOLD_KM: %w: %v", model.ErrConfiguration, err)
		}
		c.Proximity.ThresholdKm = f
	}
	if v := os.Getenv("POOL_NEW_LOAD_POLICY"); v != "" {
		c.Allocator.NewLoadPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("POOL_ALLOW_SPLIT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POOL_ALLOW_SPLIT: %w: %v", model.ErrConfiguration, err)
		}
		c.Allocator.AllowSplit = b
	}
	if v := os.Getenv("POOL_SOLO_PRICING"); v != "" {
		c.Allocator.SoloPricing = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("POOL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POOL_WORKERS: %w: %v", model.ErrConfiguration, err)
		}
		c.Engine.Workers = n
	}
	return nil
}

// Validate reports every problem found, joined, each wrapping ErrConfiguration.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{model.ErrConfiguration}, args...)...))
	}

	r := c.Pricing.Rates
	if !positive(r.Small) || !positive(r.Medium) || !positive(r.Large) {
		bad("rates must be positive (small=%v medium=%v large=%v)", r.Small, r.Medium, r.Large)
	} else if !(r.Small > r.Medium && r.Medium > r.Large) {
		bad("rates must decrease with volume: small=%v > medium=%v > large=%v", r.Small, r.Medium, r.Large)
	}
	t := c.Pricing.Tiers
	if !positive(t.SmallBelow) || !positive(t.MediumUpTo) || t.SmallBelow > t.MediumUpTo {
		bad("tiers must satisfy 0 < small_below <= medium_up_to (got %v, %v)", t.SmallBelow, t.MediumUpTo)
	}

	if len(c.Trucks) == 0 {
		bad("at least one truck class is required")
	}
	names := map[string]bool{}
	caps := map[float64]bool{}
	for i, tc := range c.Trucks {
		if strings.TrimSpace(tc.Name) == "" {
			bad("truck class %d has no name", i)
		} else if names[tc.Name] {
			bad("duplicate truck class name %q", tc.Name)
		}
		names[tc.Name] = true
		if !positive(tc.CapacityM3) {
			bad("truck class %q capacity must be positive", tc.Name)
		} else if caps[tc.CapacityM3] {
			bad("duplicate truck capacity %v", tc.CapacityM3)
		}
		caps[tc.CapacityM3] = true
		switch tc.Tier {
		case TierSmall, TierMedium, TierLarge:
		default:
			bad("truck class %q references unknown tier %q", tc.Name, tc.Tier)
		}
	}

	if !positive(c.Proximity.ThresholdKm) {
		bad("proximity threshold must be positive (got %v)", c.Proximity.ThresholdKm)
	}
	if p := c.Proximity.Plant; p != nil && (math.Abs(p.Lat) > 90 || math.Abs(p.Lng) > 180) {
		bad("plant location out of range: %+v", *p)
	}
	switch c.Allocator.NewLoadPolicy {
	case PolicyLargest, PolicySmallestFit, PolicyDownsize:
	default:
		bad("unknown new_load_policy %q", c.Allocator.NewLoadPolicy)
	}
	switch c.Allocator.SoloPricing {
	case SoloBaseline, SoloClass:
	default:
		bad("unknown solo_pricing %q", c.Allocator.SoloPricing)
	}
	if c.Engine.Workers < 0 {
		bad("workers must be >= 0")
	}
	return errors.Join(errs...)
}

// SortedTrucks returns the truck classes ordered by ascending capacity.
func (c Config) SortedTrucks() []model.TruckClass {
	out := append([]model.TruckClass(nil), c.Trucks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapacityM3 < out[j].CapacityM3 })
	return out
}

func positive(f float64) bool { return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f) }
