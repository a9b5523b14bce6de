package model

// CostRecord is the baseline-versus-pooled cost summary for a group or a rollup period.
// UtilizationSum is kept alongside the mean so records can be merged in any order.
type CostRecord struct {
	Key            string         `json:"key"`
	Baseline       float64        `json:"baseline"`
	Pooled         float64        `json:"pooled"`
	Savings        float64        `json:"savings"`
	Trucks         map[string]int `json:"trucks"`
	Loads          int            `json:"loads"`
	Orders         int            `json:"orders"`
	Rejected       int            `json:"rejected"`
	Volume         float64        `json:"volume"`
	Capacity       float64        `json:"capacity"`
	WastedM3       float64        `json:"wastedM3"`
	UtilizationSum float64        `json:"utilizationSum"`
	Utilization    float64        `json:"utilization"`
}

// Merge folds o into a copy of c under c's key. Merge is associative and commutative
// up to floating point summation order.
func (c CostRecord) Merge(o CostRecord) CostRecord {
	out := CostRecord{
		Key:            c.Key,
		Baseline:       c.Baseline + o.Baseline,
		Pooled:         c.Pooled + o.Pooled,
		Trucks:         make(map[string]int, len(c.Trucks)+len(o.Trucks)),
		Loads:          c.Loads + o.Loads,
		Orders:         c.Orders + o.Orders,
		Rejected:       c.Rejected + o.Rejected,
		Volume:         c.Volume + o.Volume,
		Capacity:       c.Capacity + o.Capacity,
		UtilizationSum: c.UtilizationSum + o.UtilizationSum,
	}
	for k, v := range c.Trucks {
		out.Trucks[k] += v
	}
	for k, v := range o.Trucks {
		out.Trucks[k] += v
	}
	return out.Finalize()
}

// Finalize recomputes the derived fields: savings, wasted capacity and mean utilization.
func (c CostRecord) Finalize() CostRecord {
	if c.Trucks == nil {
		c.Trucks = map[string]int{}
	}
	c.Savings = c.Baseline - c.Pooled
	c.WastedM3 = c.Capacity - c.Volume
	c.Utilization = 0
	if c.Loads > 0 {
		c.Utilization = c.UtilizationSum / float64(c.Loads)
	}
	return c
}
