package config

import "github.com/RicherTunes/ai-proxy-sub011/internal/core"

// ClassifyModel assigns an incoming model string to a tier by looking it up
// in the configured model list, per spec §3's "classifier that assigns an
// incoming model string to a tier". A model absent from the list falls back
// to TierMedium -- an unrecognised model is treated as average difficulty
// rather than rejected, matching the forwarder's passthrough posture.
func ClassifyModel(models []ModelConfig, name string) core.Tier {
	for _, m := range models {
		if m.Name == name {
			switch m.Tier {
			case string(core.TierLight):
				return core.TierLight
			case string(core.TierHeavy):
				return core.TierHeavy
			default:
				return core.TierMedium
			}
		}
	}
	return core.TierMedium
}
