package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// RoutingTable maps a tier to its ordered list of candidate upstream
// models, the v2 on-disk shape per spec §3 ("Routing table").
type RoutingTable map[core.Tier][]string

// v1TierEntry is the pre-migration per-tier shape:
// {targetModel, fallbackModels[], failoverModel}.
type v1TierEntry struct {
	TargetModel    string   `json:"targetModel"`
	FallbackModels []string `json:"fallbackModels"`
	FailoverModel  string   `json:"failoverModel"`
}

// v2TierEntry is the normalised per-tier shape: {models[]}.
type v2TierEntry struct {
	Models []string `json:"models"`
}

// isV1Shape reports whether raw carries v1 keys, sniffed with gjson before
// committing to a strict unmarshal -- avoids allocating a v2 struct for
// every tier just to discover it was v1.
func isV1Shape(raw []byte) bool {
	return gjson.GetBytes(raw, "targetModel").Exists() || gjson.GetBytes(raw, "fallbackModels").Exists() ||
		gjson.GetBytes(raw, "failoverModel").Exists()
}

func normaliseTier(raw []byte) ([]string, error) {
	if isV1Shape(raw) {
		var v1 v1TierEntry
		if err := json.Unmarshal(raw, &v1); err != nil {
			return nil, fmt.Errorf("config: parse v1 tier entry: %w", err)
		}
		models := make([]string, 0, len(v1.FallbackModels)+2)
		seen := make(map[string]bool)
		add := func(m string) {
			if m == "" || seen[m] {
				return
			}
			seen[m] = true
			models = append(models, m)
		}
		add(v1.TargetModel)
		for _, m := range v1.FallbackModels {
			add(m)
		}
		add(v1.FailoverModel)
		return models, nil
	}

	var v2 v2TierEntry
	if err := json.Unmarshal(raw, &v2); err != nil {
		return nil, fmt.Errorf("config: parse v2 tier entry: %w", err)
	}
	return v2.Models, nil
}

// LoadRoutingTable reads the routing file, normalises every tier entry from
// v1 to v2 in memory, and writes a migration marker (sha256 of the
// canonical v2 encoding) next to the file as "<path>.migrated" so a
// subsequent load with an unchanged table skips rewriting the marker.
func LoadRoutingTable(path string) (RoutingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RoutingTable{}, nil
		}
		return nil, fmt.Errorf("config: read routing table %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse routing table %s: %w", path, err)
	}

	table := make(RoutingTable, len(raw))
	for tier, entry := range raw {
		models, err := normaliseTier(entry)
		if err != nil {
			return nil, fmt.Errorf("config: tier %q: %w", tier, err)
		}
		table[core.Tier(tier)] = models
	}

	if err := writeMigrationMarker(path, table); err != nil {
		return nil, err
	}
	return table, nil
}

// canonicalJSON encodes table with tiers in sorted-key order so the hash is
// stable regardless of map iteration order.
func canonicalJSON(table RoutingTable) ([]byte, error) {
	tiers := make([]string, 0, len(table))
	for t := range table {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)

	ordered := make(map[string]v2TierEntry, len(table))
	for _, t := range tiers {
		ordered[t] = v2TierEntry{Models: table[core.Tier(t)]}
	}
	// json.Marshal on a map always sorts keys, so this is already canonical.
	return json.Marshal(ordered)
}

func writeMigrationMarker(path string, table RoutingTable) error {
	canonical, err := canonicalJSON(table)
	if err != nil {
		return fmt.Errorf("config: canonicalise routing table: %w", err)
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])

	markerPath := path + ".migrated"
	existing, err := os.ReadFile(markerPath)
	if err == nil && string(existing) == hash {
		return nil
	}
	if err := os.WriteFile(markerPath, []byte(hash), 0o644); err != nil {
		return fmt.Errorf("config: write migration marker: %w", err)
	}
	return nil
}

// Resolve assigns originalModel's routing decision from the table: a tier
// hit returns its first candidate model with source "tier"; an empty table
// entry falls through to the original model unchanged with source
// "passthrough"; an entirely absent tier falls back to defaultModel with
// source "default".
func Resolve(table RoutingTable, tier core.Tier, originalModel, defaultModel string) core.RoutingDecision {
	models, ok := table[tier]
	if ok && len(models) > 0 {
		return core.RoutingDecision{Tier: tier, Source: "tier"}
	}
	if ok {
		return core.RoutingDecision{Tier: tier, Source: "passthrough"}
	}
	return core.RoutingDecision{Tier: tier, Source: "default"}
}

// MappedModel returns the model name Resolve's decision implies:
// the tier's first candidate, the original model on passthrough, or
// defaultModel otherwise.
func MappedModel(table RoutingTable, decision core.RoutingDecision, originalModel, defaultModel string) string {
	switch decision.Source {
	case "tier":
		models := table[decision.Tier]
		if len(models) > 0 {
			return models[0]
		}
	case "passthrough":
		return originalModel
	}
	return defaultModel
}
