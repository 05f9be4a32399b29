// Package ranker picks the most interesting completed optimizer runs so they
// can be promoted into new backtest jobs.
package ranker

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Side is the position side a result belongs to.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Direction says which end of a metric is better.
type Direction int

const (
	HigherIsBetter Direction = iota
	LowerIsBetter
)

// Best is the pseudo-metric that ranks records by discovery order, latest first.
const Best = "best"

// Record is one completed run for one side.
type Record struct {
	RunID      string             `json:"run_id"`
	SourcePath string             `json:"source_path"`
	Side       Side               `json:"side"`
	Metrics    map[string]float64 `json:"metrics"`
	Config     json.RawMessage    `json:"config,omitempty"`
}

// SideOf returns the record's side, falling back to the file name suffix
// convention (<name>_long.json / <name>_short.json).
func SideOf(r Record) Side {
	if r.Side != "" {
		return r.Side
	}
	base := strings.TrimSuffix(r.SourcePath, ".json")
	switch {
	case strings.HasSuffix(base, "_"+string(Long)):
		return Long
	case strings.HasSuffix(base, "_"+string(Short)):
		return Short
	}
	return ""
}

// Criterion selects up to TopK records of one side by one metric.
// TopK <= 0 disables the criterion. An empty Side accepts both sides.
type Criterion struct {
	Name      string
	Metric    string
	Side      Side
	Direction Direction
	TopK      int
}

// Select applies every criterion to records and returns the union of the
// selections, de-duplicated by RunID with the first occurrence kept.
//
// Select does not modify records. Ties on a metric keep input order, and the
// later of two tied records is taken first, so the result depends only on
// the inputs.
func Select(records []Record, criteria []Criterion) []Record {
	seen := make(map[string]bool)
	var out []Record
	for _, c := range criteria {
		for _, r := range c.top(records) {
			if seen[r.RunID] {
				continue
			}
			seen[r.RunID] = true
			out = append(out, r)
		}
	}
	return out
}

// top sorts a copy of the candidate indexes worst-to-best and pops from the
// end until TopK records of the criterion's side are kept.
func (c Criterion) top(records []Record) []Record {
	if c.TopK <= 0 {
		return nil
	}

	idx := make([]int, 0, len(records))
	for i, r := range records {
		if c.Metric != Best {
			if _, ok := metric(r, c.Metric); !ok {
				continue
			}
		}
		idx = append(idx, i)
	}

	if c.Metric != Best {
		sort.SliceStable(idx, func(a, b int) bool {
			va, _ := metric(records[idx[a]], c.Metric)
			vb, _ := metric(records[idx[b]], c.Metric)
			if c.Direction == LowerIsBetter {
				return va > vb
			}
			return va < vb
		})
	}

	kept := make([]Record, 0, c.TopK)
	for i := len(idx) - 1; i >= 0 && len(kept) < c.TopK; i-- {
		r := records[idx[i]]
		if c.Side != "" && SideOf(r) != c.Side {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func metric(r Record, name string) (float64, bool) {
	v, ok := r.Metrics[name]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

type metricSpec struct {
	metric    string
	direction Direction
}

var defaultMetrics = []metricSpec{
	{Best, HigherIsBetter},
	{"sharpe_ratio", HigherIsBetter},
	{"adg", HigherIsBetter},
	{"gain", HigherIsBetter},
	{"drawdown_worst", LowerIsBetter},
	{"loss_profit_ratio", LowerIsBetter},
}

// CriterionNames lists the built-in criterion names, e.g. "adg_long".
func CriterionNames() []string {
	var out []string
	for _, m := range defaultMetrics {
		out = append(out, m.metric+"_"+string(Long), m.metric+"_"+string(Short))
	}
	return out
}

// DefaultCriteria builds the built-in criteria with top-K counts taken from
// topK (keyed by criterion name). Missing names get zero and are disabled.
func DefaultCriteria(topK map[string]int) []Criterion {
	var out []Criterion
	for _, m := range defaultMetrics {
		for _, side := range []Side{Long, Short} {
			name := m.metric + "_" + string(side)
			out = append(out, Criterion{
				Name:      name,
				Metric:    m.metric,
				Side:      side,
				Direction: m.direction,
				TopK:      topK[name],
			})
		}
	}
	return out
}
