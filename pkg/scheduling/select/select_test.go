package pdselect_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
	pdselect "github.com/llm-d/pd-role-scheduler/pkg/scheduling/select"
)

func buildView(t *testing.T, rate float64) *resource.View {
	t.Helper()
	reg := resource.NewRegistry(resource.Config{
		MetaSchema:           metaresource.DefaultAttrs(),
		ResLimitRate:         rate,
		ResViewUpdateTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{
		{ID: "p-loaded", GroupID: "g1", Label: resource.LabelPrefillStatic, TotalSlotsNum: 4, TotalBlockNum: 100, MaxConnectionNum: 10},
		{ID: "p-idle", GroupID: "g1", Label: resource.LabelPrefillStatic, TotalSlotsNum: 4, TotalBlockNum: 100, MaxConnectionNum: 10},
		{ID: "d1", GroupID: "g1", Label: resource.LabelDecodeStatic, TotalSlotsNum: 4, TotalBlockNum: 100, MaxConnectionNum: 10},
	})
	reg.UpdateInstance(ctx, map[string]resource.DynamicInfo{
		"p-loaded": {AvailSlotsNum: 4, AvailBlockNum: 100, MaxAvailBlockNum: 100},
		"p-idle":   {AvailSlotsNum: 4, AvailBlockNum: 100, MaxAvailBlockNum: 100},
		"d1":       {AvailSlotsNum: 4, AvailBlockNum: 100, MaxAvailBlockNum: 100},
	}, nil)

	view, err := reg.UpdateResourceView(ctx)
	require.NoError(t, err)

	// Pre-load p-loaded with demand so the ascending-load walk prefers
	// p-idle.
	loaded, ok := view.ByID("p-loaded")
	require.True(t, ok)
	loaded.Schedule.PrefillDemands.IncResource(metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{3, 50}))

	return view
}

func TestLoadBalanceSelectPrefillPicksLeastLoaded(t *testing.T) {
	view := buildView(t, 1.0)
	policy := pdselect.New(config.SelectLoadBalance)

	demand := metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{1, 4})
	snap, err := policy.SelectPrefill(view.PrefillPool, demand)
	require.NoError(t, err)
	assert.Equal(t, "p-idle", snap.Static.ID)
}

func TestLoadBalanceSelectPrefillRejectsOverCeiling(t *testing.T) {
	// A tiny rate leaves almost no headroom above what's already
	// committed, so both candidates reject the demand.
	view := buildView(t, 0.01)
	policy := pdselect.New(config.SelectLoadBalance)

	demand := metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{10, 10})
	_, err := policy.SelectPrefill(view.PrefillPool, demand)
	assert.Error(t, err)
}

func TestStaticAllocSelectPrefillIgnoresCeiling(t *testing.T) {
	view := buildView(t, 0.01)
	policy := pdselect.New(config.SelectStaticAlloc)

	demand := metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{10, 10})
	snap, err := policy.SelectPrefill(view.PrefillPool, demand)
	require.NoError(t, err)
	assert.Equal(t, "p-idle", snap.Static.ID)
}

func TestSelectDecodeRejectsDisconnectedInstance(t *testing.T) {
	view := buildView(t, 1.0)
	policy := pdselect.New(config.SelectLoadBalance)

	demand := metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{1, 4})
	_, err := policy.SelectDecode(view.DecodePool["g1"], demand, "some-other-prefill-id")
	assert.Error(t, err)
}

func TestSelectDecodeAcceptsSelfConnectedPrefill(t *testing.T) {
	view := buildView(t, 1.0)
	policy := pdselect.New(config.SelectLoadBalance)

	demand := metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{1, 4})
	snap, err := policy.SelectDecode(view.DecodePool["g1"], demand, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", snap.Static.ID)
}

func TestReleasePrefillUndoesCommit(t *testing.T) {
	view := buildView(t, 1.0)
	policy := pdselect.New(config.SelectLoadBalance)

	demand := metaresource.FromValues(metaresource.DefaultAttrs(), []uint64{1, 4})
	snap, err := policy.SelectPrefill(view.PrefillPool, demand)
	require.NoError(t, err)

	before := snap.Schedule.PrefillDemands.Slots()
	policy.ReleasePrefill(snap, demand)
	assert.Less(t, snap.Schedule.PrefillDemands.Slots(), before)
}
