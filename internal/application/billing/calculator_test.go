package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/config"
)

func testBillingConfig() *config.BillingConfig {
	return &config.BillingConfig{
		UnitScale:       1,
		SafetyFactor:    1.5,
		PenaltyFraction: 0.1,
		DefaultModel:    "basic",
		Models: map[string]config.ModelRate{
			"basic": {InputWeight: 0.5, OutputWeight: 1, BaseFee: 2, RateMultiplier: 1},
			"Pro":   {InputWeight: 0.001, OutputWeight: 0.002, BaseFee: 0, RateMultiplier: 3},
		},
	}
}

func TestCostFormula(t *testing.T) {
	c := NewCalculator(testBillingConfig())
	rate, _, err := c.Rate("basic")
	require.NoError(t, err)

	// (10*0.5 + 20*1 + 2) * 1 * 1 = 27
	cost, err := c.Cost(10, 20, rate)
	require.NoError(t, err)
	assert.Equal(t, int64(27), cost)

	// (3*0.5 + 0 + 2) = 3.5 -> 4
	cost, err = c.Cost(3, 0, rate)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cost)
}

func TestCostRoundsUpTinyAmounts(t *testing.T) {
	c := NewCalculator(testBillingConfig())
	rate, _, err := c.Rate("pro")
	require.NoError(t, err)

	// (1*0.001 + 1*0.002) * 3 = 0.009 -> 1
	cost, err := c.Cost(1, 1, rate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	cost, err = c.Cost(0, 0, rate)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)
}

func TestCostAvoidsFloatDrift(t *testing.T) {
	cfg := testBillingConfig()
	cfg.UnitScale = 100
	cfg.Models["drift"] = config.ModelRate{InputWeight: 0.1, OutputWeight: 0.2, RateMultiplier: 1}
	c := NewCalculator(cfg)
	rate, _, err := c.Rate("drift")
	require.NoError(t, err)

	// 0.1 + 0.2 在 float64 下为 0.30000000000000004，ceil 后会多收 1
	cost, err := c.Cost(1, 1, rate)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cost)
}

func TestCostMonotonic(t *testing.T) {
	c := NewCalculator(testBillingConfig())
	rate, _, err := c.Rate("pro")
	require.NoError(t, err)

	prev := int64(0)
	for out := 0; out <= 5000; out += 250 {
		cost, err := c.Cost(100, out, rate)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cost, prev)
		prev = cost
	}
}

func TestCostRejectsNegativeTokens(t *testing.T) {
	c := NewCalculator(testBillingConfig())
	rate, _, err := c.Rate("")
	require.NoError(t, err)

	_, err = c.Cost(-1, 0, rate)
	assert.ErrorIs(t, err, ErrNegativeTokens)
	_, err = c.EstimateMaxCost(0, -5, rate)
	assert.ErrorIs(t, err, ErrNegativeTokens)
}

func TestEstimateAppliesSafetyFactor(t *testing.T) {
	c := NewCalculator(testBillingConfig())

	// (10*0.5 + 100*1.5*1 + 2) = 157
	est, err := c.Estimate(10, 100, "BASIC")
	require.NoError(t, err)
	assert.Equal(t, "basic", est.Model)
	assert.Equal(t, int64(157), est.MaxCost)

	rate, _, err := c.Rate("basic")
	require.NoError(t, err)
	actual, err := c.Cost(10, 100, rate)
	require.NoError(t, err)
	assert.Greater(t, est.MaxCost, actual)
}

func TestRateUnknownModel(t *testing.T) {
	c := NewCalculator(testBillingConfig())

	_, _, err := c.Rate("missing")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, name, err := c.Rate("  ")
	require.NoError(t, err)
	assert.Equal(t, "basic", name)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 5+promptOverheadTokens, EstimateTokens("hello"))
	assert.Equal(t, 2+promptOverheadTokens, EstimateTokens("你好"))
}
