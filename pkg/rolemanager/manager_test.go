package rolemanager_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/rolemanager"
	"github.com/llm-d/pd-role-scheduler/pkg/simcost"
)

type fakeCollector struct {
	infos   []rolemanager.InstanceInfo
	summary simcost.Summary
}

func (f *fakeCollector) Collect(context.Context) ([]rolemanager.InstanceInfo, simcost.Summary, error) {
	return f.infos, f.summary, nil
}

func TestRunOnceNormalModeAssignsEveryInstanceExactlyOnce(t *testing.T) {
	collector := &fakeCollector{
		infos: []rolemanager.InstanceInfo{
			{ID: "i1", GroupID: "g1"},
			{ID: "i2", GroupID: "g1"},
			{ID: "i3", GroupID: "g1"},
			{ID: "i4", GroupID: "g1"},
		},
		summary: simcostSummary(),
	}

	var got []rolemanager.Decision
	calls := 0
	notify := func(_ context.Context, decisions []rolemanager.Decision) error {
		calls++
		got = decisions
		return nil
	}

	mgr := rolemanager.New(config.RoleConfig{TimePeriodS: 30}, testSimulator(), collector, notify)
	require.NoError(t, mgr.RunOnce(context.Background()))

	assert.Equal(t, 1, calls, "notifier must be invoked exactly once per pass")
	assert.Len(t, got, 4)

	seen := map[string]bool{}
	for _, d := range got {
		seen[d.ID] = true
		assert.Equal(t, "g1", d.GroupID)
		assert.Contains(t, []string{rolemanager.RolePrefill, rolemanager.RoleDecode}, d.Role)
	}
	assert.Len(t, seen, 4)
}

func TestRunOnceHeterogeneousModeUsesHardwareType(t *testing.T) {
	collector := &fakeCollector{
		infos: []rolemanager.InstanceInfo{
			{ID: "i1", GroupID: "g1", HardwareType: "800i a2(32g)"},
			{ID: "i2", GroupID: "g1", HardwareType: "800i a2(64g)"},
		},
	}

	var got []rolemanager.Decision
	notify := func(_ context.Context, decisions []rolemanager.Decision) error {
		got = decisions
		return nil
	}

	mgr := rolemanager.New(config.RoleConfig{IsHeterogeneous: true}, testSimulator(), collector, notify)
	require.NoError(t, mgr.RunOnce(context.Background()))

	byID := map[string]string{}
	for _, d := range got {
		byID[d.ID] = d.Role
	}
	assert.Equal(t, rolemanager.RolePrefill, byID["i1"])
	assert.Equal(t, rolemanager.RoleDecode, byID["i2"])
}

func TestRunOnceCrossNodeModeDoesNotNotify(t *testing.T) {
	collector := &fakeCollector{
		infos: []rolemanager.InstanceInfo{
			{ID: "i1", GroupID: "g1", Role: rolemanager.RolePrefill},
		},
	}

	called := false
	notify := func(_ context.Context, _ []rolemanager.Decision) error {
		called = true
		return nil
	}

	mgr := rolemanager.New(config.RoleConfig{IsSkipDecisionForCrossNodeMode: true}, testSimulator(), collector, notify)
	require.NoError(t, mgr.RunOnce(context.Background()))
	assert.False(t, called)
}

func TestRunOnceNormalModeWithPinnedRateUsesDefiniteSplit(t *testing.T) {
	infos := make([]rolemanager.InstanceInfo, 17)
	for i := range infos {
		infos[i] = rolemanager.InstanceInfo{ID: string(rune('a' + i)), GroupID: "g1"}
	}
	collector := &fakeCollector{infos: infos, summary: simcostSummary()}

	var got []rolemanager.Decision
	notify := func(_ context.Context, decisions []rolemanager.Decision) error {
		got = decisions
		return nil
	}

	mgr := rolemanager.New(config.RoleConfig{PinnedPRate: 1, PinnedDRate: 15}, testSimulator(), collector, notify)
	require.NoError(t, mgr.RunOnce(context.Background()))

	pCount, dCount := 0, 0
	for _, d := range got {
		switch d.Role {
		case rolemanager.RolePrefill:
			pCount++
		case rolemanager.RoleDecode:
			dCount++
		}
	}
	accepted := (pCount == 1 && dCount == 16) || (pCount == 2 && dCount == 15)
	assert.True(t, accepted, "expected (p,d) in {(1,16),(2,15)}, got (%d,%d)", pCount, dCount)
}

func TestRunOnceFlexModeReservesConfiguredFlexCount(t *testing.T) {
	collector := &fakeCollector{
		infos: []rolemanager.InstanceInfo{
			{ID: "i1", GroupID: "g1"},
			{ID: "i2", GroupID: "g1"},
			{ID: "i3", GroupID: "g1"},
			{ID: "i4", GroupID: "g1"},
			{ID: "i5", GroupID: "g1"},
			{ID: "i6", GroupID: "g1"},
		},
		summary: simcostSummary(),
	}

	var got []rolemanager.Decision
	notify := func(_ context.Context, decisions []rolemanager.Decision) error {
		got = decisions
		return nil
	}

	mgr := rolemanager.New(config.RoleConfig{HasFlex: true, FlexInstNum: 2}, testSimulator(), collector, notify)
	require.NoError(t, mgr.RunOnce(context.Background()))

	flexCount := 0
	for _, d := range got {
		if d.Role == rolemanager.RoleFlex {
			flexCount++
		}
	}
	assert.Equal(t, 2, flexCount)
}
