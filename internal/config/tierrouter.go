package config

import (
	"sync/atomic"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

// TierRouter adapts the hot-reloadable routing table and the configured
// model list into the forwarder's single-method Router contract: classify
// the client's declared model into a tier, then resolve that tier against
// whichever routing table is currently installed. Satisfies
// forwarder.Router structurally, so the forwarder package carries no
// dependency on internal/config.
type TierRouter struct {
	Models       []ModelConfig
	DefaultModel string

	table atomic.Pointer[RoutingTable]
}

// NewTierRouter creates a TierRouter over the initial routing table.
func NewTierRouter(models []ModelConfig, defaultModel string, table RoutingTable) *TierRouter {
	t := &TierRouter{Models: models, DefaultModel: defaultModel}
	t.Store(table)
	return t
}

// Store atomically swaps the routing table, called by the hot-reload watch
// loop after a successful re-read of the routing file.
func (t *TierRouter) Store(table RoutingTable) {
	t.table.Store(&table)
}

// Resolve classifies model into a tier and resolves it against the
// currently installed routing table.
func (t *TierRouter) Resolve(model string) (string, core.RoutingDecision) {
	tier := ClassifyModel(t.Models, model)
	var table RoutingTable
	if p := t.table.Load(); p != nil {
		table = *p
	}
	decision := Resolve(table, tier, model, t.DefaultModel)
	mapped := MappedModel(table, decision, model, t.DefaultModel)
	return mapped, decision
}
