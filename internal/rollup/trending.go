package rollup

import "math"

// DayCounts is one day's capped activity for a rule, index 0 = target day.
type DayCounts struct {
	Views  int
	Copies int
	Saves  int
	Forks  int
	Votes  int
}

// Weights is the fixed per-metric weight vector. Views weigh least; copies
// and votes signal real adoption and weigh most.
type Weights struct {
	View float64
	Copy float64
	Save float64
	Fork float64
	Vote float64
}

func DefaultWeights() Weights {
	return Weights{
		View: 1,
		Copy: 3,
		Save: 2,
		Fork: 2,
		Vote: 3,
	}
}

// TrendingScore combines the per-day weighted activity with an exponential
// decay: day i contributes exp(-lambda*i) of its weight, so recent activity
// dominates and older days shrink smoothly instead of falling off a cliff.
func TrendingScore(days []DayCounts, lambda float64, w Weights) float64 {
	score := 0.0
	for i, d := range days {
		daily := w.View*float64(d.Views) +
			w.Copy*float64(d.Copies) +
			w.Save*float64(d.Saves) +
			w.Fork*float64(d.Forks) +
			w.Vote*float64(d.Votes)
		score += math.Exp(-lambda*float64(i)) * daily
	}
	return score
}

// AuthorScore is a plain linear combination; author-level trending does not
// need decay nuance.
func AuthorScore(m *AuthorMetricDaily) float64 {
	return 0.5*float64(m.Views) +
		3*float64(m.Copies) +
		2*float64(m.Saves) +
		2*float64(m.Forks) +
		3*float64(m.Votes) +
		5*float64(m.Donations)
}
