package metaresource_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
)

func TestIncThenDecIsIdentity(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	base := metaresource.FromValues(schema, []uint64{4, 10})
	delta := metaresource.FromValues(schema, []uint64{2, 3})

	before := base.Clone()
	require.True(t, base.IncResource(delta))
	require.True(t, base.DecResource(delta))

	assert.Equal(t, before.Slots(), base.Slots())
	assert.Equal(t, before.Blocks(), base.Blocks())
}

func TestDecResourceRejectsUnderflow(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	base := metaresource.FromValues(schema, []uint64{1, 0})
	big := metaresource.FromValues(schema, []uint64{2, 0})

	assert.False(t, base.DecResource(big))
	assert.Equal(t, uint64(1), base.Slots())
}

func TestCompareTo(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	capacity := metaresource.FromValues(schema, []uint64{5, 20})
	demand := metaresource.FromValues(schema, []uint64{5, 20})
	assert.True(t, capacity.CompareTo(demand))

	demand2 := metaresource.FromValues(schema, []uint64{6, 20})
	assert.False(t, capacity.CompareTo(demand2))
}

func TestResMulScalesComponents(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	src := metaresource.FromValues(schema, []uint64{10, 100})

	scaled, ok := metaresource.ResMul(src, 0.5)
	require.True(t, ok)
	assert.Equal(t, uint64(5), scaled.Slots())
	assert.Equal(t, uint64(50), scaled.Blocks())
}

func TestResMulRejectsNegativeOrOverflow(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	src := metaresource.FromValues(schema, []uint64{10, 100})

	_, ok := metaresource.ResMul(src, -1)
	assert.False(t, ok)

	huge := metaresource.FromValues(schema, []uint64{math.MaxUint64, 1})
	_, ok = metaresource.ResMul(huge, 2)
	assert.False(t, ok)
}

func TestTotalLoad(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	r := metaresource.FromValues(schema, []uint64{3, 7})
	assert.Equal(t, uint64(10), metaresource.TotalLoad(r))
}

func TestGetTokenSumDegenerateWhenACoefficientZero(t *testing.T) {
	schema := metaresource.DefaultAttrs() // weights[0] (A) == 0 by default
	res := metaresource.New(schema)
	res.UpdateTokens(500)
	demand := metaresource.New(schema)
	demand.UpdateTokens(100)

	sum := metaresource.GetTokenSum(res, 4, demand)
	assert.Equal(t, uint64(1), sum)
}

func TestGetTokenSumSmallBatchPlainSum(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	schema.Weights = append([]float64(nil), schema.Weights...)
	schema.Weights[0] = 1 // A != 0, exercise the "small batch" branch

	res := metaresource.New(schema)
	res.UpdateTokens(100)
	res.UpdateTokens(200)
	demand := metaresource.New(schema)
	demand.UpdateTokens(50)

	// maxSlots well below n/2 (n is weights[3], 24 by default)
	sum := metaresource.GetTokenSum(res, 4, demand)
	o := uint64(schema.Weights[2])
	want := (100 + o) + (200 + o) + 50
	assert.Equal(t, want, sum)
}

func TestComputeAwareLoadIsDeterministic(t *testing.T) {
	schema := metaresource.DefaultAttrs()
	res := metaresource.FromValues(schema, []uint64{2, 4})
	demand := metaresource.FromValues(schema, []uint64{1, 1})

	v1 := metaresource.ComputeAwareLoad(res, 8, 4, demand)
	v2 := metaresource.ComputeAwareLoad(res, 8, 4, demand)
	assert.Equal(t, v1, v2)
}
