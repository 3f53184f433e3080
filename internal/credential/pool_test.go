package credential

import (
	"os"
	"testing"
	"time"
)

func testCfg() BreakerConfig {
	return BreakerConfig{ErrorThreshold: 0.5, MinSamples: 2, WindowSeconds: 60, CooldownBase: 10 * time.Millisecond, CooldownCap: time.Second}
}

func TestPool_SelectCommitsTokenAndInFlight(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	c := New(0, Config{Secret: "a", MaxConcurrency: 2, RequestsPerMinute: 600}, testCfg(), nil)
	p.Install([]*Credential{c})

	chosen, err := p.Select()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if chosen != c {
		t.Fatal("expected the only credential to be chosen")
	}
	if chosen.InFlight() != 1 {
		t.Fatalf("inFlight = %d, want 1", chosen.InFlight())
	}
}

func TestPool_InvariantInFlightNeverExceedsMax(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	c := New(0, Config{Secret: "a", MaxConcurrency: 1, RequestsPerMinute: 6000}, testCfg(), nil)
	p.Install([]*Credential{c})

	if _, err := p.Select(); err != nil {
		t.Fatalf("first select: %v", err)
	}
	if _, err := p.Select(); err == nil {
		t.Fatal("second select should fail: maxConcurrency=1 already in flight")
	}
	if c.InFlight() > c.MaxConcurrency {
		t.Fatalf("inFlight %d exceeds maxConcurrency %d", c.InFlight(), c.MaxConcurrency)
	}
}

func TestPool_ColdWhenNoneSelectable(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	c := New(0, Config{Secret: "a", MaxConcurrency: 1, RequestsPerMinute: 6000}, testCfg(), nil)
	p.Install([]*Credential{c})
	p.Select() // consume the only slot

	_, err := p.Select()
	if err == nil {
		t.Fatal("expected a ColdError")
	}
	if _, ok := err.(*ColdError); !ok {
		t.Fatalf("expected *ColdError, got %T", err)
	}
}

func TestPool_BalancedStrategyPrefersLowerInFlight(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	busy := New(0, Config{Secret: "busy", MaxConcurrency: 5, RequestsPerMinute: 6000}, testCfg(), nil)
	idle := New(1, Config{Secret: "idle", MaxConcurrency: 5, RequestsPerMinute: 6000}, testCfg(), nil)
	busy.Commit()
	busy.Commit()
	p.Install([]*Credential{busy, idle})

	chosen, err := p.Select()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if chosen != idle {
		t.Fatalf("expected idle credential to be chosen, got index %d", chosen.Index)
	}
}

func TestPool_RecordCompletionReleasesInFlightOnAllPaths(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	c := New(0, Config{Secret: "a", MaxConcurrency: 1, RequestsPerMinute: 6000}, testCfg(), nil)
	p.Install([]*Credential{c})

	p.Select()
	p.RecordCompletion(c, 10, 200, nil)
	if c.InFlight() != 0 {
		t.Fatalf("inFlight = %d, want 0 after completion", c.InFlight())
	}

	// Should be selectable again immediately.
	if _, err := p.Select(); err != nil {
		t.Fatalf("select after release: %v", err)
	}
}

func TestPool_Reload_AddedRemovedUnchanged(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	a := New(0, Config{Secret: "a", MaxConcurrency: 1, RequestsPerMinute: 60}, testCfg(), nil)
	p.Install([]*Credential{a})

	loader := &Loader{BreakerCfg: testCfg()}
	// Simulate a reload with an updated key set without touching disk by
	// calling the diff logic directly through a temp file.
	dir := t.TempDir()
	path := dir + "/keys.json"
	writeKeysFile(t, path, `{"keys":[{"secret":"a"},{"secret":"b"}],"baseUrl":"https://example.test"}`)

	res, err := p.Reload(t.Context(), path, loader)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if res.Added != 1 || res.Removed != 0 || res.Total != 2 {
		t.Fatalf("unexpected reload result: %+v", res)
	}

	active, _ := p.Snapshot()
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
}

func TestPool_Reload_RemovedCredentialDrains(t *testing.T) {
	t.Parallel()

	p := NewPool(StrategyBalanced)
	a := New(0, Config{Secret: "a", MaxConcurrency: 2, RequestsPerMinute: 60}, testCfg(), nil)
	a.Commit() // simulate an in-flight request on the soon-to-be-removed credential
	p.Install([]*Credential{a})

	dir := t.TempDir()
	path := dir + "/keys.json"
	writeKeysFile(t, path, `{"keys":[{"secret":"b"}],"baseUrl":"https://example.test"}`)

	loader := &Loader{BreakerCfg: testCfg()}
	res, err := p.Reload(t.Context(), path, loader)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("removed = %d, want 1", res.Removed)
	}

	if p.ReapDrained() != 0 {
		t.Fatal("should not reap while inFlight > 0")
	}
	a.Release()
	if p.ReapDrained() != 1 {
		t.Fatal("should reap once inFlight reaches 0")
	}
}

func writeKeysFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write keys file: %v", err)
	}
}
