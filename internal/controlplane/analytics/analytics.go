// Package analytics summarizes a tenant's run history over fixed
// windows, with a trend against the preceding window of equal length.
package analytics

import (
	"fmt"
	"time"

	"github.com/marcus-qen/praetor/internal/controlplane/runs"
)

// Window lengths accepted by the API.
var windows = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// Trend compares the current window to the previous one. Percentages
// are deltas: +25 means a quarter more runs than before.
type Trend struct {
	RunsPct        float64 `json:"runs_pct"`
	SuccessRatePct float64 `json:"success_rate_pct"`
	CostPct        float64 `json:"cost_pct"`
}

// Summary is the analytics payload for one tenant and window.
type Summary struct {
	Range       string         `json:"range"`
	Runs        int            `json:"runs"`
	SuccessRate float64        `json:"success_rate"`
	ByStatus    map[string]int `json:"by_status"`
	TokensIn    int64          `json:"tokens_in"`
	TokensOut   int64          `json:"tokens_out"`
	CostUSD     float64        `json:"cost_usd"`
	Trend       Trend          `json:"trend"`
}

type window struct {
	runs      int
	succeeded int
	tokensIn  int64
	tokensOut int64
	cost      float64
	byStatus  map[string]int
}

// Compute builds the summary for a tenant. rng must be one of 24h, 7d,
// 30d, 90d.
func Compute(store *runs.Store, tenantID, rng string, now time.Time) (*Summary, error) {
	span, ok := windows[rng]
	if !ok {
		return nil, fmt.Errorf("analytics: unknown range %q", rng)
	}
	current, err := collect(store, tenantID, now.Add(-span), now)
	if err != nil {
		return nil, err
	}
	previous, err := collect(store, tenantID, now.Add(-2*span), now.Add(-span))
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Range:       rng,
		Runs:        current.runs,
		SuccessRate: rate(current),
		ByStatus:    current.byStatus,
		TokensIn:    current.tokensIn,
		TokensOut:   current.tokensOut,
		CostUSD:     current.cost,
		Trend: Trend{
			RunsPct:        pctDelta(float64(current.runs), float64(previous.runs)),
			SuccessRatePct: pctDelta(rate(current), rate(previous)),
			CostPct:        pctDelta(current.cost, previous.cost),
		},
	}
	return summary, nil
}

func collect(store *runs.Store, tenantID string, from, to time.Time) (window, error) {
	list, err := store.ListRunsBetween(tenantID, from, to)
	if err != nil {
		return window{}, fmt.Errorf("analytics: %w", err)
	}
	w := window{byStatus: map[string]int{}}
	for _, run := range list {
		w.runs++
		w.byStatus[run.Status]++
		if run.Status == runs.RunSucceeded {
			w.succeeded++
		}
		w.tokensIn += run.Metrics.TokensIn
		w.tokensOut += run.Metrics.TokensOut
		w.cost += run.Metrics.CostUSD
	}
	return w, nil
}

func rate(w window) float64 {
	if w.runs == 0 {
		return 0
	}
	return float64(w.succeeded) / float64(w.runs)
}

// pctDelta returns the percent change from previous to current. A zero
// previous with a non-zero current reports +100.
func pctDelta(current, previous float64) float64 {
	if previous == 0 {
		if current == 0 {
			return 0
		}
		return 100
	}
	return 100 * (current - previous) / previous
}
