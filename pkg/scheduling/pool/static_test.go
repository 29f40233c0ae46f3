package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
	"github.com/llm-d/pd-role-scheduler/pkg/scheduling/pool"
)

func TestStaticPoolPolicyPromotesPreferredInstances(t *testing.T) {
	reg := resource.NewRegistry(resource.Config{
		MetaSchema:           metaresource.DefaultAttrs(),
		ResLimitRate:         1.0,
		ResViewUpdateTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	reg.RegisterInstance(ctx, []resource.StaticInfo{
		{ID: "gp", GroupID: "g1", Label: resource.LabelPrefillPrefer, TotalSlotsNum: 10},
		{ID: "gd", GroupID: "g1", Label: resource.LabelDecodePrefer, TotalSlotsNum: 10},
	})

	view, err := reg.UpdateResourceView(ctx)
	require.NoError(t, err)
	require.Len(t, view.GlobalPool, 2)

	pool.Static{}.Partition(logr.Discard(), view)

	assert.Empty(t, view.GlobalPool)
	assert.Len(t, view.PrefillPool, 1)
	assert.Len(t, view.DecodePool["g1"], 1)
}
