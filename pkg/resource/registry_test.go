package resource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
)

func testConfig() resource.Config {
	return resource.Config{
		MetaSchema:             metaresource.DefaultAttrs(),
		ResLimitRate:           1.0,
		ResViewUpdateTimeout:   50 * time.Millisecond,
		DynamicMaxResEnable:    true,
		MaxDynamicResRateCount: 2,
		DynamicResRateUnit:     0.1,
	}
}

func TestRegisterInstanceRejectsDuplicates(t *testing.T) {
	reg := resource.NewRegistry(testConfig())
	ctx := context.Background()

	list := []resource.StaticInfo{
		{ID: "a", Label: resource.LabelPrefillStatic, TotalSlotsNum: 10, TotalBlockNum: 100},
	}
	assert.Equal(t, 0, reg.RegisterInstance(ctx, list))
	assert.Equal(t, 1, reg.RegisterInstance(ctx, list))
	assert.Equal(t, 1, reg.Len())
}

func TestCloseAndActivateInstance(t *testing.T) {
	reg := resource.NewRegistry(testConfig())
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{{ID: "a", Label: resource.LabelPrefillStatic, TotalSlotsNum: 10}})

	reg.CloseInstance(ctx, []string{"a"})
	inst, ok := reg.Get("a")
	require.True(t, ok)
	assert.True(t, inst.Schedule.Closed)

	reg.ActivateInstance(ctx, []string{"a"})
	assert.False(t, inst.Schedule.Closed)
}

func TestUpdateResourceViewPartitionsByLabel(t *testing.T) {
	reg := resource.NewRegistry(testConfig())
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{
		{ID: "p1", GroupID: "g1", Label: resource.LabelPrefillStatic, TotalSlotsNum: 10, TotalBlockNum: 100},
		{ID: "d1", GroupID: "g1", Label: resource.LabelDecodeStatic, TotalSlotsNum: 10, TotalBlockNum: 100},
		{ID: "g2", GroupID: "g1", Label: resource.LabelPrefillPrefer, TotalSlotsNum: 10, TotalBlockNum: 100},
	})

	view, err := reg.UpdateResourceView(ctx)
	require.NoError(t, err)
	assert.Len(t, view.PrefillPool, 1)
	assert.Len(t, view.DecodePool["g1"], 1)
	assert.Len(t, view.GlobalPool, 1)

	view.ClearView()
	assert.Empty(t, view.PrefillPool)
	assert.Empty(t, view.GlobalPool)
}

func TestUpdateResourceViewSkipsClosedInstances(t *testing.T) {
	reg := resource.NewRegistry(testConfig())
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{
		{ID: "p1", Label: resource.LabelPrefillStatic, TotalSlotsNum: 10},
	})
	reg.CloseInstance(ctx, []string{"p1"})

	view, err := reg.UpdateResourceView(ctx)
	require.NoError(t, err)
	assert.Empty(t, view.PrefillPool)
}

func TestDynamicRateAdaptationShiftsRateAfterThreshold(t *testing.T) {
	cfg := testConfig()
	reg := resource.NewRegistry(cfg)
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{
		{ID: "p1", Label: resource.LabelPrefillStatic, TotalSlotsNum: 100, TotalBlockNum: 100},
	})

	inst, _ := reg.Get("p1")
	inst.Lock()
	inst.Schedule.IsOverload = true
	// Start below ResLimitRate: the rate is clamped to it, so an upward
	// shift is only observable from a lower starting point.
	inst.Schedule.PrefillRate = 0.5
	beforeRate := inst.Schedule.PrefillRate
	inst.Unlock()

	// Available-but-overloaded nudges the counter up; after
	// MaxDynamicResRateCount consecutive nudges the rate shifts.
	for i := 0; i < cfg.MaxDynamicResRateCount; i++ {
		reg.UpdateInstance(ctx, map[string]resource.DynamicInfo{
			"p1": {AvailSlotsNum: 5, AvailBlockNum: 5, MaxAvailBlockNum: 5},
		}, nil)
	}

	inst, _ = reg.Get("p1")
	inst.Lock()
	defer inst.Unlock()
	assert.Greater(t, inst.Schedule.PrefillRate, beforeRate)
	assert.LessOrEqual(t, inst.Schedule.PrefillRate, cfg.ResLimitRate)
}

func TestQueryInstanceScheduleInfoSumsDemands(t *testing.T) {
	reg := resource.NewRegistry(testConfig())
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{{ID: "p1", Label: resource.LabelPrefillStatic, TotalSlotsNum: 10, TotalBlockNum: 10}})

	inst, _ := reg.Get("p1")
	inst.Lock()
	inst.Schedule.PrefillDemands.IncResource(metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{2, 3}))
	inst.Schedule.DecodeDemands.IncResource(metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{1, 1}))
	inst.Unlock()

	snaps := reg.QueryInstanceScheduleInfo(ctx)
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(3), snaps[0].AllocatedSlots)
	assert.Equal(t, uint64(4), snaps[0].AllocatedBlocks)
}
