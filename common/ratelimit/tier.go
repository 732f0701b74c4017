package ratelimit

// Tier is the execution cost class of a workflow. Agent nodes dominate
// run cost, so the tier follows the agent-node count.
type Tier string

const (
	TierSimple   Tier = "simple"   // no agent nodes
	TierStandard Tier = "standard" // 1-2 agent nodes
	TierHeavy    Tier = "heavy"    // 3+ agent nodes
)

// TierConfig pairs a tier with its window limit
type TierConfig struct {
	Tier          Tier
	Limit         int64
	WindowSeconds int
}

var tierConfigs = map[Tier]TierConfig{
	TierSimple:   {Tier: TierSimple, Limit: 100, WindowSeconds: 60},
	TierStandard: {Tier: TierStandard, Limit: 20, WindowSeconds: 60},
	TierHeavy:    {Tier: TierHeavy, Limit: 5, WindowSeconds: 60},
}

// TierForAgentCount maps a workflow's agent-node count to its tier
func TierForAgentCount(agents int) Tier {
	switch {
	case agents == 0:
		return TierSimple
	case agents <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}

// ConfigForTier returns the limit configuration for a tier, defaulting to
// the heavy tier for unknown values
func ConfigForTier(tier Tier) TierConfig {
	if cfg, ok := tierConfigs[tier]; ok {
		return cfg
	}
	return tierConfigs[TierHeavy]
}
