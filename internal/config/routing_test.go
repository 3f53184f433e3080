package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

func TestLoadRoutingTableMigratesV1(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "routing.json")
	raw := `{"light":{"targetModel":"claude-haiku","fallbackModels":["claude-haiku-2"],"failoverModel":"claude-sonnet"}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadRoutingTable(path)
	if err != nil {
		t.Fatal(err)
	}
	got := table[core.Tier("light")]
	want := []string{"claude-haiku", "claude-haiku-2", "claude-sonnet"}
	if len(got) != len(want) {
		t.Fatalf("models = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("models[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := os.Stat(path + ".migrated"); err != nil {
		t.Error("expected migration marker file to be written")
	}
}

func TestLoadRoutingTableV2PassesThrough(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "routing.json")
	raw := `{"heavy":{"models":["claude-opus","claude-sonnet"]}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadRoutingTable(path)
	if err != nil {
		t.Fatal(err)
	}
	got := table[core.Tier("heavy")]
	if len(got) != 2 || got[0] != "claude-opus" {
		t.Errorf("models = %v", got)
	}
}

func TestLoadRoutingTableMissingFileReturnsEmpty(t *testing.T) {
	t.Parallel()
	table, err := LoadRoutingTable(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 0 {
		t.Errorf("expected empty table, got %v", table)
	}
}

func TestLoadRoutingTableMarkerStableAcrossReloads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "routing.json")
	raw := `{"light":{"models":["a","b"]}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRoutingTable(path); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(path + ".migrated")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRoutingTable(path); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path + ".migrated")
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("migration marker changed across reloads with unchanged content")
	}
}

func TestResolveTierHit(t *testing.T) {
	t.Parallel()
	table := RoutingTable{core.Tier("light"): {"model-a", "model-b"}}
	d := Resolve(table, core.Tier("light"), "orig", "default-model")
	if d.Source != "tier" {
		t.Errorf("Source = %q, want tier", d.Source)
	}
	if m := MappedModel(table, d, "orig", "default-model"); m != "model-a" {
		t.Errorf("MappedModel = %q, want model-a", m)
	}
}

func TestResolveDefaultWhenTierAbsent(t *testing.T) {
	t.Parallel()
	table := RoutingTable{}
	d := Resolve(table, core.Tier("medium"), "orig", "default-model")
	if d.Source != "default" {
		t.Errorf("Source = %q, want default", d.Source)
	}
	if m := MappedModel(table, d, "orig", "default-model"); m != "default-model" {
		t.Errorf("MappedModel = %q, want default-model", m)
	}
}

func TestResolvePassthroughWhenTierEmpty(t *testing.T) {
	t.Parallel()
	table := RoutingTable{core.Tier("heavy"): {}}
	d := Resolve(table, core.Tier("heavy"), "orig-model", "default-model")
	if d.Source != "passthrough" {
		t.Errorf("Source = %q, want passthrough", d.Source)
	}
	if m := MappedModel(table, d, "orig-model", "default-model"); m != "orig-model" {
		t.Errorf("MappedModel = %q, want orig-model", m)
	}
}
