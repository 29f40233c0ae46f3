package simcost_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/simcost"
)

func testCostModel() config.CostModelConfig {
	return config.CostModelConfig{
		PrefillSLOMs:     2000,
		DecodeSLOMs:      100,
		TP:               1,
		PP:               1,
		HardwareCardNums: 1,
		Model: config.ModelParams{
			HiddenSize:        4096,
			IntermediateSize:  11008,
			NumAttentionHeads: 32,
			NumHiddenLayers:   32,
			NumKeyValueHeads:  32,
			TorchDtype:        "float16",
		},
		Machine: config.MachineParams{
			BWGB:                900,
			BWEff:                0.8,
			BWRDMAGb:             200,
			TFLOPS:               312,
			TFLOPSEff:            0.4,
			MBWTB:                2,
			MBWTBEff:             0.8,
			MEMCapacity:          80,
			EtaOOM:               0.9,
			Alpha:                1,
			StaticTransferDelay:  1,
		},
	}
}

func TestLlamaSimulatorCalAbilityIsPositiveForTypicalSummary(t *testing.T) {
	sim := simcost.New(testCostModel())
	ability := sim.CalAbility(simcost.Summary{InputLength: 512, OutputLength: 128})

	assert.Greater(t, ability.PAbility, 0.0)
	assert.Greater(t, ability.DAbility, 0.0)
}

func TestLlamaSimulatorCalTransferAbilityGrowsAsTokenLengthShrinks(t *testing.T) {
	sim := simcost.New(testCostModel())

	shortAbility := sim.CalTransferAbility(64)
	longAbility := sim.CalTransferAbility(4096)

	require.Greater(t, shortAbility, 0.0)
	require.Greater(t, longAbility, 0.0)
	assert.Greater(t, shortAbility, longAbility)
}

func TestLlamaSimulatorCalTransferTimeIncludesStaticDelay(t *testing.T) {
	sim := simcost.New(testCostModel())
	assert.GreaterOrEqual(t, sim.CalTransferTime(1024), 1.0)
}
