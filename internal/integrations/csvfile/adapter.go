// Package csvfile reads delivery orders from header-driven CSV files.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"concretepool/internal/integrations"
	"concretepool/internal/model"
)

var required = []string{"id", "date", "concrete_type", "volume", "lat", "lng"}

// Adapter is an OrderSource backed by a CSV file on disk.
type Adapter struct {
	Path string
}

func (a Adapter) Name() string { return "csv-file" }

func (a Adapter) FetchOrders(ctx context.Context) (integrations.OrderBatch, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return integrations.OrderBatch{}, fmt.Errorf("csvfile: open %s: %w", a.Path, err)
	}
	defer f.Close()
	b, err := Parse(ctx, f)
	if err != nil {
		return b, fmt.Errorf("csvfile: %s: %w", a.Path, err)
	}
	b.Source = a.Name() + ":" + a.Path
	return b, nil
}

// Parse decodes orders from r. The header names the columns; id, date, concrete_type, volume,
// lat and lng must be present, strength, dmax, consistency and exposure are optional.
// concrete_type may be blank on a row when strength is given. A row that cannot be decoded
// becomes a diagnostic indexed by its line number.
func Parse(ctx context.Context, r io.Reader) (integrations.OrderBatch, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return integrations.OrderBatch{}, fmt.Errorf("empty csv: %w", model.ErrInvalidInput)
		}
		return integrations.OrderBatch{}, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return integrations.OrderBatch{}, fmt.Errorf("missing column %q: %w", name, model.ErrInvalidInput)
		}
	}

	var out integrations.OrderBatch
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				out.Diagnostics = append(out.Diagnostics, diag("", pe.Line, err.Error()))
				continue
			}
			return out, fmt.Errorf("read: %w", err)
		}
		line, _ := cr.FieldPos(0)
		get := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		o, err := decode(get)
		if err != nil {
			out.Diagnostics = append(out.Diagnostics, diag(get("id"), line, err.Error()))
			continue
		}
		out.Orders = append(out.Orders, o)
	}
	return out, nil
}

func diag(id string, line int, msg string) model.Diagnostic {
	return model.Diagnostic{
		OrderID: id,
		Index:   line,
		Reason:  model.ReasonInvalidInput,
		Message: fmt.Sprintf("line %d: %s", line, msg),
	}
}

func decode(get func(string) string) (model.Order, error) {
	o := model.Order{ID: get("id"), ConcreteType: get("concrete_type")}
	if o.ID == "" {
		return o, fmt.Errorf("missing id: %w", model.ErrInvalidInput)
	}
	d, err := ParseDate(get("date"))
	if err != nil {
		return o, err
	}
	o.Date = d
	if o.Volume, err = number("volume", get("volume")); err != nil {
		return o, err
	}
	lat, lng := get("lat"), get("lng")
	if lat != "" || lng != "" {
		var p model.GeoPoint
		if p.Lat, err = number("lat", lat); err != nil {
			return o, err
		}
		if p.Lng, err = number("lng", lng); err != nil {
			return o, err
		}
		o.Location = &p
	}
	if s := get("strength"); s != "" {
		spec := &model.ConcreteSpec{Strength: s, Consistency: get("consistency"), Exposure: get("exposure")}
		if v := get("dmax"); v != "" {
			if spec.Dmax, err = number("dmax", v); err != nil {
				return o, err
			}
		}
		o.Spec = spec
	}
	return o, nil
}

func number(field, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", field, v, model.ErrInvalidInput)
	}
	return f, nil
}

// ParseDate accepts YYYY-MM-DD or RFC3339 timestamps.
func ParseDate(v string) (time.Time, error) {
	if t, err := time.Parse(model.DayLayout, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("date %q: %w", v, model.ErrInvalidInput)
}
