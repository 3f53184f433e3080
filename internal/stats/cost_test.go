package stats

import (
	"testing"
	"time"
)

func TestCostTrackerAccumulates(t *testing.T) {
	t.Parallel()
	c := NewCostTracker(nil)
	now := time.Now().UTC()
	c.Add(now, 1.5)
	c.Add(now, 2.5)

	snap := c.Snapshot()
	if snap.Projection.Daily.Current != 4.0 {
		t.Errorf("daily current = %v, want 4.0", snap.Projection.Daily.Current)
	}
	if snap.Projection.Monthly.Current != 4.0 {
		t.Errorf("monthly current = %v, want 4.0", snap.Projection.Monthly.Current)
	}
	if snap.Total != 4.0 {
		t.Errorf("total = %v, want 4.0", snap.Total)
	}
}

func TestCostTrackerRollsOverDayBucket(t *testing.T) {
	t.Parallel()
	c := NewCostTracker(nil)
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	c.Add(day1, 10)
	c.Add(day2, 5)

	snap := c.Snapshot()
	if snap.Projection.Daily.Current != 5 {
		t.Errorf("daily current after rollover = %v, want 5", snap.Projection.Daily.Current)
	}
	if snap.Projection.Monthly.Current != 15 {
		t.Errorf("monthly current = %v, want 15 (same month)", snap.Projection.Monthly.Current)
	}
}

func TestCostTrackerRollsOverMonthBucket(t *testing.T) {
	t.Parallel()
	c := NewCostTracker(nil)
	jan := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	c.Add(jan, 10)
	c.Add(feb, 3)

	snap := c.Snapshot()
	if snap.Projection.Monthly.Current != 3 {
		t.Errorf("monthly current after rollover = %v, want 3", snap.Projection.Monthly.Current)
	}
}

func TestWithinBudgetReportsExceeded(t *testing.T) {
	t.Parallel()
	c := NewCostTracker(&Budget{DailyLimit: 5})
	now := time.Now().UTC()
	if !c.WithinBudget() {
		t.Fatal("expected within budget before any spend")
	}
	c.Add(now, 6)
	if c.WithinBudget() {
		t.Error("expected budget exceeded after spend above DailyLimit")
	}
}

func TestWithinBudgetUnlimitedWhenNil(t *testing.T) {
	t.Parallel()
	c := NewCostTracker(nil)
	c.Add(time.Now().UTC(), 1_000_000)
	if !c.WithinBudget() {
		t.Error("expected unlimited budget to always report within budget")
	}
}

func TestCostTrackerRestore(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	c := NewCostTracker(nil)
	c.restore(persistedCost{
		DayBucket: dayKey(now), DayTotal: 7,
		MonthBucket: monthKey(now), MonthTotal: 20,
	})

	snap := c.Snapshot()
	if snap.Projection.Daily.Current != 7 {
		t.Errorf("restored daily = %v, want 7", snap.Projection.Daily.Current)
	}
	if snap.Projection.Monthly.Current != 20 {
		t.Errorf("restored monthly = %v, want 20", snap.Projection.Monthly.Current)
	}
}

func TestCostTrackerRestoreIgnoresStaleBucket(t *testing.T) {
	t.Parallel()
	c := NewCostTracker(nil)
	c.restore(persistedCost{
		DayBucket: "2000-01-01", DayTotal: 99,
		MonthBucket: "2000-01", MonthTotal: 99,
	})

	snap := c.Snapshot()
	if snap.Projection.Daily.Current != 0 {
		t.Errorf("stale day bucket should not be restored, got %v", snap.Projection.Daily.Current)
	}
	if snap.Projection.Monthly.Current != 0 {
		t.Errorf("stale month bucket should not be restored, got %v", snap.Projection.Monthly.Current)
	}
}
