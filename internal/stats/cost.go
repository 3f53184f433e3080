package stats

import (
	"sync"
	"time"
)

// Budget optionally caps spend over a period; zero Limit means unlimited.
type Budget struct {
	DailyLimit   float64 `json:"dailyLimit,omitempty"`
	MonthlyLimit float64 `json:"monthlyLimit,omitempty"`
}

// CostSnapshot is the GET /stats/cost response shape, per spec §6.
type CostSnapshot struct {
	Total      float64     `json:"cost"`
	Projection Projection  `json:"projection"`
	Budget     *Budget     `json:"budget,omitempty"`
}

// Projection reports the running day/month totals and a naive linear
// projection for the day, matching spec §6's "{projection:{daily:{projected},monthly:{current}}}".
type Projection struct {
	Daily   DailyProjection `json:"daily"`
	Monthly MonthlyCurrent  `json:"monthly"`
}

type DailyProjection struct {
	Current   float64 `json:"current"`
	Projected float64 `json:"projected"`
}

type MonthlyCurrent struct {
	Current float64 `json:"current"`
}

type persistedCost struct {
	DayBucket   string  `json:"dayBucket"`
	DayTotal    float64 `json:"dayTotal"`
	MonthBucket string  `json:"monthBucket"`
	MonthTotal  float64 `json:"monthTotal"`
}

// CostTracker accumulates spend by day/month, modeled on the teacher's
// ratelimit.QuotaTracker budget-check shape, extended from a per-key budget
// to the single running total spec §4.5/§6's /stats/cost needs.
type CostTracker struct {
	mu sync.Mutex

	dayBucket   string
	dayTotal    float64
	monthBucket string
	monthTotal  float64

	budget *Budget

	dayStart time.Time // start of the current day bucket, for projection
}

// NewCostTracker creates a tracker with an optional budget (nil = unlimited).
func NewCostTracker(budget *Budget) *CostTracker {
	now := time.Now().UTC()
	return &CostTracker{
		dayBucket:   dayKey(now),
		monthBucket: monthKey(now),
		budget:      budget,
		dayStart:    now.Truncate(24 * time.Hour),
	}
}

func dayKey(t time.Time) string   { return t.Format("2006-01-02") }
func monthKey(t time.Time) string { return t.Format("2006-01") }

// Add accumulates costUSD at time t, rolling the day/month buckets over
// when t has crossed into a new period.
func (c *CostTracker) Add(t time.Time, costUSD float64) {
	t = t.UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	if dk := dayKey(t); dk != c.dayBucket {
		c.dayBucket = dk
		c.dayTotal = 0
		c.dayStart = t.Truncate(24 * time.Hour)
	}
	if mk := monthKey(t); mk != c.monthBucket {
		c.monthBucket = mk
		c.monthTotal = 0
	}
	c.dayTotal += costUSD
	c.monthTotal += costUSD
}

// WithinBudget reports whether the tracker's current totals are still
// under the configured limits (true when no budget is configured).
func (c *CostTracker) WithinBudget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.budget == nil {
		return true
	}
	if c.budget.DailyLimit > 0 && c.dayTotal >= c.budget.DailyLimit {
		return false
	}
	if c.budget.MonthlyLimit > 0 && c.monthTotal >= c.budget.MonthlyLimit {
		return false
	}
	return true
}

// Snapshot returns the current cost totals and a linear end-of-day
// projection, for GET /stats/cost.
func (c *CostTracker) Snapshot() CostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.dayStart)
	projected := c.dayTotal
	if elapsed > time.Minute {
		fraction := elapsed.Hours() / 24
		if fraction > 0 {
			projected = c.dayTotal / fraction
		}
	}

	snap := CostSnapshot{
		Total: c.monthTotal,
		Projection: Projection{
			Daily:   DailyProjection{Current: c.dayTotal, Projected: projected},
			Monthly: MonthlyCurrent{Current: c.monthTotal},
		},
	}
	if c.budget != nil {
		b := *c.budget
		snap.Budget = &b
	}
	return snap
}

func (c *CostTracker) snapshotForPersist() persistedCost {
	c.mu.Lock()
	defer c.mu.Unlock()
	return persistedCost{
		DayBucket: c.dayBucket, DayTotal: c.dayTotal,
		MonthBucket: c.monthBucket, MonthTotal: c.monthTotal,
	}
}

func (c *CostTracker) restore(p persistedCost) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if p.DayBucket == dayKey(now) {
		c.dayBucket = p.DayBucket
		c.dayTotal = p.DayTotal
	}
	if p.MonthBucket == monthKey(now) {
		c.monthBucket = p.MonthBucket
		c.monthTotal = p.MonthTotal
	}
}
