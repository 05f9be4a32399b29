package ranker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, side Side, metrics map[string]float64) Record {
	return Record{RunID: id, Side: side, Metrics: metrics}
}

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.RunID)
	}
	return out
}

func TestSelect_TopKByMetric(t *testing.T) {
	records := []Record{
		rec("A", Long, map[string]float64{"sharpe": 5}),
		rec("B", Long, map[string]float64{"sharpe": 3}),
		rec("C", Long, map[string]float64{"sharpe": 8}),
	}
	got := Select(records, []Criterion{
		{Name: "top_sharpe_long", Metric: "sharpe", Side: Long, TopK: 2},
	})
	assert.ElementsMatch(t, []string{"A", "C"}, ids(got))
	assert.Equal(t, []string{"C", "A"}, ids(got), "best first")
}

func TestSelect_DeduplicatesAcrossCriteria(t *testing.T) {
	records := []Record{
		rec("A", Long, map[string]float64{"sharpe_ratio": 5, "adg": 0.1}),
		rec("B", Long, map[string]float64{"sharpe_ratio": 3, "adg": 0.2}),
		rec("C", Long, map[string]float64{"sharpe_ratio": 8, "adg": 0.3}),
	}
	got := Select(records, []Criterion{
		{Name: "sharpe", Metric: "sharpe_ratio", Side: Long, TopK: 1},
		{Name: "adg", Metric: "adg", Side: Long, TopK: 1},
	})
	assert.Equal(t, []string{"C"}, ids(got))
}

func TestSelect_CriteriaOrderDoesNotChangeSet(t *testing.T) {
	records := []Record{
		rec("A", Long, map[string]float64{"sharpe_ratio": 5, "drawdown_worst": 0.5}),
		rec("B", Long, map[string]float64{"sharpe_ratio": 3, "drawdown_worst": 0.1}),
		rec("C", Long, map[string]float64{"sharpe_ratio": 8, "drawdown_worst": 0.3}),
	}
	a := Criterion{Name: "sharpe", Metric: "sharpe_ratio", Side: Long, TopK: 1}
	b := Criterion{Name: "dd", Metric: "drawdown_worst", Side: Long, Direction: LowerIsBetter, TopK: 1}

	first := Select(records, []Criterion{a, b})
	second := Select(records, []Criterion{b, a})
	assert.ElementsMatch(t, ids(first), ids(second))
	assert.ElementsMatch(t, []string{"C", "B"}, ids(first))
}

func TestSelect_LowerIsBetter(t *testing.T) {
	records := []Record{
		rec("A", Short, map[string]float64{"drawdown_worst": 0.4}),
		rec("B", Short, map[string]float64{"drawdown_worst": 0.1}),
		rec("C", Short, map[string]float64{"drawdown_worst": 0.2}),
	}
	got := Select(records, []Criterion{
		{Name: "dd", Metric: "drawdown_worst", Side: Short, Direction: LowerIsBetter, TopK: 2},
	})
	assert.Equal(t, []string{"B", "C"}, ids(got))
}

func TestSelect_FiltersBySide(t *testing.T) {
	records := []Record{
		rec("L1", Long, map[string]float64{"adg": 9}),
		rec("S1", Short, map[string]float64{"adg": 8}),
		rec("L2", Long, map[string]float64{"adg": 1}),
	}
	got := Select(records, []Criterion{{Name: "adg_short", Metric: "adg", Side: Short, TopK: 5}})
	assert.Equal(t, []string{"S1"}, ids(got))

	got = Select(records, []Criterion{{Name: "adg_any", Metric: "adg", TopK: 2}})
	assert.Equal(t, []string{"L1", "S1"}, ids(got))
}

func TestSelect_BestUsesDiscoveryOrder(t *testing.T) {
	records := []Record{
		rec("old", Long, map[string]float64{"adg": 1}),
		rec("mid", Long, map[string]float64{"adg": 1}),
		rec("new", Long, map[string]float64{"adg": 1}),
	}
	got := Select(records, []Criterion{{Name: "best_long", Metric: Best, Side: Long, TopK: 2}})
	assert.Equal(t, []string{"new", "mid"}, ids(got))
}

func TestSelect_TiesAreDeterministic(t *testing.T) {
	records := []Record{
		rec("A", Long, map[string]float64{"gain": 2}),
		rec("B", Long, map[string]float64{"gain": 2}),
		rec("C", Long, map[string]float64{"gain": 1}),
	}
	c := []Criterion{{Name: "gain", Metric: "gain", Side: Long, TopK: 1}}
	for i := 0; i < 5; i++ {
		assert.Equal(t, []string{"B"}, ids(Select(records, c)))
	}
}

func TestSelect_SkipsRecordsMissingMetric(t *testing.T) {
	records := []Record{
		rec("A", Long, map[string]float64{"adg": 1}),
		rec("B", Long, map[string]float64{"gain": 100}),
	}
	got := Select(records, []Criterion{{Name: "adg", Metric: "adg", Side: Long, TopK: 5}})
	assert.Equal(t, []string{"A"}, ids(got))
}

func TestSelect_ZeroTopKAndEmptyInput(t *testing.T) {
	records := []Record{rec("A", Long, map[string]float64{"adg": 1})}
	assert.Empty(t, Select(records, []Criterion{{Name: "adg", Metric: "adg", Side: Long, TopK: 0}}))
	assert.Empty(t, Select(nil, DefaultCriteria(map[string]int{"adg_long": 3})))
}

func TestSelect_DoesNotMutateInput(t *testing.T) {
	records := []Record{
		rec("A", Long, map[string]float64{"adg": 1}),
		rec("B", Long, map[string]float64{"adg": 3}),
		rec("C", Long, map[string]float64{"adg": 2}),
	}
	Select(records, []Criterion{{Name: "adg", Metric: "adg", Side: Long, TopK: 3}})
	assert.Equal(t, []string{"A", "B", "C"}, ids(records))
}

func TestDefaultCriteria(t *testing.T) {
	criteria := DefaultCriteria(map[string]int{"sharpe_ratio_long": 2, "drawdown_worst_short": 1})
	require.Len(t, criteria, len(CriterionNames()))

	byName := map[string]Criterion{}
	for _, c := range criteria {
		byName[c.Name] = c
	}
	assert.Equal(t, 2, byName["sharpe_ratio_long"].TopK)
	assert.Equal(t, Long, byName["sharpe_ratio_long"].Side)
	assert.Equal(t, HigherIsBetter, byName["sharpe_ratio_long"].Direction)
	assert.Equal(t, 1, byName["drawdown_worst_short"].TopK)
	assert.Equal(t, LowerIsBetter, byName["drawdown_worst_short"].Direction)
	assert.Equal(t, 0, byName["adg_long"].TopK)
	assert.Equal(t, Best, byName["best_short"].Metric)
}

func TestSideOf(t *testing.T) {
	assert.Equal(t, Long, SideOf(Record{SourcePath: "runs/a_long.json"}))
	assert.Equal(t, Short, SideOf(Record{SourcePath: "runs/a_short.json"}))
	assert.Equal(t, Side(""), SideOf(Record{SourcePath: "runs/a.json"}))
	assert.Equal(t, Short, SideOf(Record{Side: Short, SourcePath: "runs/a_long.json"}))
}
