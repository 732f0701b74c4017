package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForAgentCount(t *testing.T) {
	assert.Equal(t, TierSimple, TierForAgentCount(0))
	assert.Equal(t, TierStandard, TierForAgentCount(1))
	assert.Equal(t, TierStandard, TierForAgentCount(2))
	assert.Equal(t, TierHeavy, TierForAgentCount(3))
	assert.Equal(t, TierHeavy, TierForAgentCount(12))
}

func TestConfigForTier(t *testing.T) {
	assert.Equal(t, int64(100), ConfigForTier(TierSimple).Limit)
	assert.Equal(t, int64(5), ConfigForTier(TierHeavy).Limit)

	// Unknown tiers get the most restrictive window
	assert.Equal(t, ConfigForTier(TierHeavy), ConfigForTier(Tier("mystery")))
}
