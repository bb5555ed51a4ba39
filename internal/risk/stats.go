package risk

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/marketmind/marketmind/internal/trade"
)

// correlation computes the Pearson correlation over the overlapping
// tail of both series. Returns 0 when the overlap is too short to be
// meaningful.
func correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// portfolioVaR95 estimates one-period 95% value at risk as a fraction
// of NAV by historical simulation: the portfolio return series is
// rebuilt from per-asset returns weighted by notional exposure,
// including the proposed position, and the 5th percentile loss is read
// off. Assets without return series contribute no scenario risk.
func portfolioVaR95(positions []trade.Position, proposed trade.Position, nav float64, returns map[string][]float64) float64 {
	all := make([]trade.Position, 0, len(positions)+1)
	all = append(all, positions...)
	if proposed.Size > 0 {
		all = append(all, proposed)
	}

	// Shortest common series length across held assets.
	n := math.MaxInt
	for _, p := range all {
		series, ok := returns[p.Asset]
		if !ok {
			continue
		}
		if len(series) < n {
			n = len(series)
		}
	}
	if n == math.MaxInt || n < 10 {
		return 0
	}

	scenario := make([]float64, n)
	for _, p := range all {
		series, ok := returns[p.Asset]
		if !ok {
			continue
		}
		series = series[len(series)-n:]
		weight := p.Notional() / nav
		if p.Side == trade.SideShort {
			weight = -weight
		}
		for t, r := range series {
			scenario[t] += weight * r
		}
	}

	sort.Float64s(scenario)
	loss := -stat.Quantile(0.05, stat.Empirical, scenario, nil)
	if loss < 0 {
		return 0
	}
	return loss
}
