package report

import (
	"errors"
	"math"
	"testing"
	"time"

	"concretepool/internal/config"
	"concretepool/internal/geo"
	"concretepool/internal/model"
	"concretepool/internal/pricing"
)

func TestParseGranularity(t *testing.T) {
	for _, s := range []string{"group", "Day", " month ", "TYPE", "zone", "total"} {
		if _, err := ParseGranularity(s); err != nil {
			t.Fatalf("%q: %v", s, err)
		}
	}
	if _, err := ParseGranularity("week"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("want invalid input, got %v", err)
	}
}

func testModel(t *testing.T) *pricing.Model {
	t.Helper()
	pm, err := pricing.New(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	return pm
}

func TestGroupRecordSkipsRejected(t *testing.T) {
	pm := testModel(t)
	g := model.Group{
		Key: model.GroupKey{Date: "2025-03-10", ConcreteType: "C25/30", Zone: "z1"},
		Orders: []model.Order{
			{ID: "a", Volume: 9, Date: time.Now()},
			{ID: "b", Volume: 3, Date: time.Now()},
			{ID: "x", Volume: 20, Date: time.Now()},
		},
	}
	loads := []model.TruckLoad{{
		Class:       model.TruckClass{Name: "large", CapacityM3: 12, Tier: config.TierLarge},
		Volume:      12,
		Cost:        840,
		Utilization: 1,
	}}
	rec, err := GroupRecord(g, loads, []model.Rejection{{OrderID: "x"}}, pm)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Baseline != 9*70+3*80 || rec.Pooled != 840 || rec.Savings != 30 {
		t.Fatalf("record %+v", rec)
	}
	if rec.Orders != 2 || rec.Rejected != 1 || rec.Trucks["large"] != 1 || rec.Utilization != 1 {
		t.Fatalf("record %+v", rec)
	}
	if rec.Key != g.Key.String() {
		t.Fatalf("key %q", rec.Key)
	}
}

func TestGroupRecordWastedCapacity(t *testing.T) {
	pm := testModel(t)
	g := model.Group{
		Key:    model.GroupKey{Date: "2025-03-10", ConcreteType: "C25/30", Zone: "z1"},
		Orders: []model.Order{{ID: "a", Volume: 10}, {ID: "b", Volume: 5}},
	}
	loads := []model.TruckLoad{
		{Class: model.TruckClass{Name: "large", CapacityM3: 12, Tier: config.TierLarge}, Volume: 10, Cost: 700, Utilization: 10.0 / 12},
		{Class: model.TruckClass{Name: "medium", CapacityM3: 7, Tier: config.TierMedium}, Volume: 5, Cost: 400, Utilization: 5.0 / 7},
	}
	rec, err := GroupRecord(g, loads, nil, pm)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Capacity != 19 || rec.WastedM3 != 4 {
		t.Fatalf("capacity %v wasted %v", rec.Capacity, rec.WastedM3)
	}
	if rec.Trucks["large"] != 1 || rec.Trucks["medium"] != 1 {
		t.Fatalf("trips %v", rec.Trucks)
	}
}

func result(date, typ, zone string, anchor model.GeoPoint, baseline, pooled float64, util float64) model.GroupResult {
	k := model.GroupKey{Date: date, ConcreteType: typ, Zone: zone}
	return model.GroupResult{
		Key:  k,
		Zone: model.DistanceZone{ID: k.String(), Anchor: anchor},
		Cost: model.CostRecord{
			Key: k.String(), Baseline: baseline, Pooled: pooled, Loads: 1, Orders: 1,
			UtilizationSum: util, Trucks: map[string]int{"large": 1},
		}.Finalize(),
	}
}

func TestRollups(t *testing.T) {
	plant := model.GeoPoint{Lat: 47.624, Lng: 19.0655}
	near := geo.Offset(plant, 10, 0)
	far := geo.Offset(plant, 0, 70)
	groups := []model.GroupResult{
		result("2025-03-10", "C25/30", "z1", near, 100, 80, 1),
		result("2025-03-10", "C30/37", "z1", far, 50, 50, 0.5),
		result("2025-04-02", "C25/30", "z1", near, 200, 150, 0.75),
	}
	b := Banding{Plant: &plant, WidthKm: 50}

	cases := []struct {
		by   Granularity
		keys []string
	}{
		{ByDay, []string{"2025-03-10", "2025-04-02"}},
		{ByMonth, []string{"2025-03", "2025-04"}},
		{ByType, []string{"C25/30", "C30/37"}},
		{ByZone, []string{"0-50km", "50-100km"}},
		{ByTotal, []string{"total"}},
		{ByGroup, []string{"2025-03-10|C25/30|z1", "2025-03-10|C30/37|z1", "2025-04-02|C25/30|z1"}},
	}
	for _, tc := range cases {
		recs := Rollup(groups, tc.by, b)
		if len(recs) != len(tc.keys) {
			t.Fatalf("%s: %d records, want %d", tc.by, len(recs), len(tc.keys))
		}
		var savings float64
		for i, r := range recs {
			if r.Key != tc.keys[i] {
				t.Fatalf("%s: key[%d] = %q, want %q", tc.by, i, r.Key, tc.keys[i])
			}
			savings += r.Savings
		}
		if savings != 70 {
			t.Fatalf("%s: savings sum %v, want 70", tc.by, savings)
		}
	}

	zone := Rollup(groups, ByZone, Banding{})
	if len(zone) != 3 {
		t.Fatalf("zones without plant should not be banded: %d", len(zone))
	}

	month := Rollup(groups, ByMonth, b)
	if math.Abs(month[0].Utilization-0.75) > 1e-9 || month[0].Trucks["large"] != 2 {
		t.Fatalf("march %+v", month[0])
	}
}

func TestBuild(t *testing.T) {
	p := model.Plan{ID: "p1", Groups: []model.GroupResult{
		result("2025-03-10", "C25/30", "z1", model.GeoPoint{}, 100, 80, 1),
	}}
	r := Build(p, ByDay, Banding{})
	if r.PlanID != "p1" || r.By != ByDay || r.Total.Savings != 20 || r.Utilization != 1 || len(r.Records) != 1 {
		t.Fatalf("report %+v", r)
	}
}
