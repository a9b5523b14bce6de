// Package opt is the pooling engine: grouping, zone clustering, truck allocation and costing.
package opt

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"concretepool/internal/config"
	"concretepool/internal/geo"
	"concretepool/internal/model"
	"concretepool/internal/pricing"
	"concretepool/internal/report"
)

// Engine plans closed batches of orders. It is safe for concurrent use.
type Engine struct {
	cfg       config.Config
	pricing   *pricing.Model
	alloc     *Allocator
	clusterer Clusterer
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// NewEngine validates cfg and builds an engine. A configuration error is returned before
// any order is looked at.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	pm, err := pricing.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		pricing:   pm,
		alloc:     NewAllocator(pm, cfg.Allocator),
		clusterer: Clusterer{ThresholdKm: cfg.Proximity.ThresholdKm},
		log:       zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) Config() config.Config { return e.cfg }

func (e *Engine) Pricing() *pricing.Model { return e.pricing }

// Banding returns the zone rollup banding derived from the proximity settings.
func (e *Engine) Banding() report.Banding {
	return report.Banding{Plant: e.cfg.Proximity.Plant, WidthKm: e.cfg.Proximity.ThresholdKm}
}

// Plan runs the full pipeline over a batch. Invalid orders become diagnostics and
// oversized orders become rejections; neither aborts the batch.
func (e *Engine) Plan(ctx context.Context, orders []model.Order) (plan model.Plan, err error) {
	start := time.Now()
	plan = model.Plan{ID: e.newID(), CreatedAt: e.now().UTC(), OrderCount: len(orders)}
	defer func() {
		ev := e.log.Info()
		if err != nil {
			ev = e.log.Error().Err(err)
		}
		ev.Str("op", "plan").Str("plan_id", plan.ID).Int("orders", len(orders)).
			Int("groups", len(plan.Groups)).Int("loads", plan.Total.Loads).
			Int("invalid", len(plan.Diagnostics)).Float64("savings", plan.Total.Savings).
			Dur("dur", time.Since(start)).Msg("plan computed")
	}()

	valid, diags := e.Validate(orders)
	plan.Diagnostics = diags
	groups := BuildGroups(valid, e.clusterer)

	results := make([]model.GroupResult, len(groups))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers())
	for i := range groups {
		i := i
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := e.planGroup(groups[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return plan, fmt.Errorf("plan %s: %w", plan.ID, err)
	}

	plan.Groups = results
	plan.Total = report.Total(results)
	return plan, nil
}

func (e *Engine) planGroup(g model.Group) (model.GroupResult, error) {
	loads, rejections, err := e.alloc.Allocate(g)
	if err != nil {
		return model.GroupResult{}, err
	}
	rec, err := report.GroupRecord(g, loads, rejections, e.pricing)
	if err != nil {
		return model.GroupResult{}, err
	}
	ids := make([]string, len(g.Orders))
	for i, o := range g.Orders {
		ids[i] = o.ID
	}
	for _, r := range rejections {
		e.log.Warn().Str("order_id", r.OrderID).Str("group", g.Key.String()).
			Float64("volume", r.Volume).Msg(r.Detail)
	}
	return model.GroupResult{
		Key:        g.Key,
		Zone:       g.Zone,
		OrderIDs:   ids,
		Loads:      loads,
		Rejections: rejections,
		Cost:       rec,
	}, nil
}

// Validate splits a batch into plannable orders and per-order diagnostics. Accepted orders
// are normalized: the date is truncated to its UTC day and the type label is resolved.
// The first occurrence of a duplicated ID wins.
func (e *Engine) Validate(orders []model.Order) ([]model.Order, []model.Diagnostic) {
	valid := make([]model.Order, 0, len(orders))
	var diags []model.Diagnostic
	seen := make(map[string]bool, len(orders))
	for i, o := range orders {
		if msg := e.problem(o, seen); msg != "" {
			diags = append(diags, model.Diagnostic{
				OrderID: o.ID,
				Index:   i,
				Reason:  model.ReasonInvalidInput,
				Message: fmt.Sprintf("%s: %v", msg, model.ErrInvalidInput),
			})
			e.log.Debug().Str("order_id", o.ID).Int("index", i).Msg(msg)
			continue
		}
		seen[o.ID] = true
		o.Date = model.CalendarDay(o.Date)
		o.ConcreteType = o.TypeLabel()
		valid = append(valid, o)
	}
	return valid, diags
}

func (e *Engine) problem(o model.Order, seen map[string]bool) string {
	switch {
	case strings.TrimSpace(o.ID) == "":
		return "missing order id"
	case seen[o.ID]:
		return "duplicate order id " + o.ID
	case o.Date.IsZero():
		return "missing delivery date"
	case o.TypeLabel() == "":
		return "missing concrete type"
	case o.Location == nil:
		return "missing location"
	case !geo.Valid(*o.Location):
		return fmt.Sprintf("invalid location %v,%v", o.Location.Lat, o.Location.Lng)
	}
	if _, err := e.pricing.Tier(o.Volume); err != nil {
		return fmt.Sprintf("volume must be positive, got %v", o.Volume)
	}
	return ""
}

func (e *Engine) workers() int {
	if e.cfg.Engine.Workers > 0 {
		return e.cfg.Engine.Workers
	}
	return runtime.GOMAXPROCS(0)
}
