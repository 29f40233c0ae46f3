package rolemanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/simcost"
)

// Hardware-type SKUs that pin a role outright in heterogeneous mode, named
// after InstanceRoleManager.cpp's PREFILL_HARDWARE_TYPES/
// DECODE_HARDWARE_TYPES. Heterogeneous clusters in this deployment use a
// single fixed pairing, so these stay package constants rather than
// config surface the way the reference does.
var (
	heterogeneousPrefillHardware = []string{"800i a2(32g)"}
	heterogeneousDecodeHardware  = []string{"800i a2(64g)"}
)

// Manager owns the periodic role-assignment loop described in spec §4.8:
// wake every TimePeriodS, collect the current roster and a request
// summary, decide (or skip deciding) new roles per group, and notify the
// scheduler of the result in one call per pass. A pass with no decisions,
// including every pass in cross-node mode, makes no call.
type Manager struct {
	cfg       config.RoleConfig
	collector Collector
	notify    Notifier
	ratioType RatioType

	mu    sync.Mutex
	calcs map[string]*Calculator
	sim   *simcost.LlamaSimulator
}

// New returns a Manager that wakes every cfg.TimePeriodS seconds.
func New(cfg config.RoleConfig, sim *simcost.LlamaSimulator, collector Collector, notify Notifier) *Manager {
	ratioType := PDRatio
	if cfg.HasFlex {
		ratioType = PDFlexRatio
	}
	return &Manager{
		cfg:       cfg,
		collector: collector,
		notify:    notify,
		ratioType: ratioType,
		calcs:     make(map[string]*Calculator),
		sim:       sim,
	}
}

// Run blocks, running one pass immediately and then every TimePeriodS,
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx).WithName("rolemanager")
	period := time.Duration(m.cfg.TimePeriodS) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}

	if err := m.RunOnce(ctx); err != nil {
		logger.Error(err, "initial role decision pass failed")
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("role manager stopping")
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				logger.Error(err, "role decision pass failed")
			}
		}
	}
}

// RunOnce executes a single collect/decide/notify pass.
func (m *Manager) RunOnce(ctx context.Context) error {
	logger := logr.FromContextOrDiscard(ctx).WithName("rolemanager")
	infos, summary, err := m.collector.Collect(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}

	var decisions []Decision
	switch {
	case m.cfg.IsHeterogeneous:
		decisions = assignByHardwareType(infos)
	case m.cfg.IsSkipDecisionForCrossNodeMode:
		// Instances keep their pre-declared roles; nothing to notify.
		return nil
	default:
		decisions = m.decideNormal(ctx, infos, summary, logger)
	}

	if len(decisions) == 0 {
		return nil
	}
	return m.notify(ctx, decisions)
}

// DeriveInitialRates runs the proportion calculator's cluster-wide
// integer-ratio search against the first available summary, for use at
// startup before any group has an established ratio.
func (m *Manager) DeriveInitialRates(ctx context.Context) (pRate, dRate uint64, err error) {
	_, summary, err := m.collector.Collect(ctx)
	if err != nil {
		return 0, 0, err
	}
	calc := m.calculatorFor("")
	return calc.ClusterExpectRatio(Input{Type: m.ratioType, Summary: summary})
}

func (m *Manager) calculatorFor(groupID string) *Calculator {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calcs[groupID]
	if !ok {
		c = NewCalculator(m.sim)
		m.calcs[groupID] = c
	}
	return c
}

// assignByHardwareType is AssignRoleByHardwareType: heterogeneous
// clusters have no cost model input, only a fixed hardware-SKU to role
// mapping. Instances on an unrecognized SKU keep their current role.
func assignByHardwareType(infos []InstanceInfo) []Decision {
	decisions := make([]Decision, 0, len(infos))
	for _, inst := range infos {
		role := inst.Role
		switch {
		case contains(heterogeneousPrefillHardware, inst.HardwareType):
			role = RolePrefill
		case contains(heterogeneousDecodeHardware, inst.HardwareType):
			role = RoleDecode
		}
		if role == inst.Role {
			continue
		}
		decisions = append(decisions, Decision{ID: inst.ID, GroupID: inst.GroupID, Role: role})
	}
	return decisions
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// decideNormal is the grouped path of spec §4.8 step 4: group by
// groupId, run the proportion calculator per group, diff against the
// current assignment, and build one decision batch across every group.
func (m *Manager) decideNormal(ctx context.Context, infos []InstanceInfo, summary simcost.Summary, logger logr.Logger) []Decision {
	groups := groupByID(infos)

	groupIDs := make([]string, 0, len(groups))
	for id := range groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	var decisions []Decision
	for _, groupID := range groupIDs {
		group := groups[groupID]
		calc := m.calculatorFor(groupID)

		var ratio GroupRatio
		if m.cfg.PinnedPRate > 0 && m.cfg.PinnedDRate > 0 {
			// Operator has pinned a (pRate, dRate): assign directly from
			// it, bypassing the cost-model search and its switch-damping
			// state entirely.
			ratio = calc.CalDefiniteRatio(uint64(len(group)), uint64(m.cfg.FlexInstNum), uint64(m.cfg.PinnedPRate), uint64(m.cfg.PinnedDRate))
		} else {
			input := Input{
				InstanceNum: uint64(len(group)),
				FlexInstNum: uint64(m.cfg.FlexInstNum),
				Summary:     summary,
				Type:        m.ratioType,
				IsFirst:     calc.ratio == GroupRatio{},
			}
			var err error
			ratio, err = calc.CalBestRatio(input)
			if err != nil {
				logger.Error(err, "proportion calculator failed, falling back to half split", "groupId", groupID)
			}
		}
		decisions = append(decisions, planGroup(groupID, group, ratio)...)
	}
	return decisions
}

func groupByID(infos []InstanceInfo) map[string][]InstanceInfo {
	groups := make(map[string][]InstanceInfo)
	for _, inst := range infos {
		groups[inst.GroupID] = append(groups[inst.GroupID], inst)
	}
	return groups
}

// planGroup diffs ratio against group's current role assignment and
// returns the decisions needed to reach it: flex-pool size adjustment
// first (stamped at the tail of the output, per spec), then P/D
// rebalancing among the rest by switching the lightest-loaded,
// least-label-matching instances of the losing side.
func planGroup(groupID string, group []InstanceInfo, ratio GroupRatio) []Decision {
	var flexCurrent, nonFlex []InstanceInfo
	for _, inst := range group {
		if inst.Role == RoleFlex {
			flexCurrent = append(flexCurrent, inst)
		} else {
			nonFlex = append(nonFlex, inst)
		}
	}

	var flexFinal []InstanceInfo
	switch {
	case uint64(len(flexCurrent)) < ratio.FlexNum:
		need := int(ratio.FlexNum) - len(flexCurrent)
		sort.SliceStable(nonFlex, func(i, j int) bool {
			return lessForPromotion(nonFlex[i], nonFlex[j], RoleFlex)
		})
		if need > len(nonFlex) {
			need = len(nonFlex)
		}
		flexFinal = append(flexCurrent, nonFlex[:need]...)
		nonFlex = nonFlex[need:]
	case uint64(len(flexCurrent)) > ratio.FlexNum:
		keep := int(ratio.FlexNum)
		sort.SliceStable(flexCurrent, func(i, j int) bool {
			return lessForDemotion(flexCurrent[i], flexCurrent[j], RoleFlex)
		})
		demoted := flexCurrent[keep:]
		flexFinal = flexCurrent[:keep]
		for i := range demoted {
			demoted[i].Role = ""
		}
		nonFlex = append(nonFlex, demoted...)
	default:
		flexFinal = flexCurrent
	}

	var currentP, currentD, unset []InstanceInfo
	for _, inst := range nonFlex {
		switch inst.Role {
		case RolePrefill:
			currentP = append(currentP, inst)
		case RoleDecode:
			currentD = append(currentD, inst)
		default:
			unset = append(unset, inst)
		}
	}

	sort.SliceStable(unset, func(i, j int) bool { return lessForPromotion(unset[i], unset[j], RolePrefill) })
	for len(unset) > 0 && uint64(len(currentP)) < ratio.PNum {
		currentP = append(currentP, unset[0])
		unset = unset[1:]
	}
	currentD = append(currentD, unset...)

	if uint64(len(currentP)) > ratio.PNum {
		sort.SliceStable(currentP, func(i, j int) bool { return lessForDemotion(currentP[i], currentP[j], RolePrefill) })
		excess := len(currentP) - int(ratio.PNum)
		currentD = append(currentD, currentP[:excess]...)
		currentP = currentP[excess:]
	} else if uint64(len(currentP)) < ratio.PNum {
		need := int(ratio.PNum) - len(currentP)
		sort.SliceStable(currentD, func(i, j int) bool { return lessForDemotion(currentD[i], currentD[j], RoleDecode) })
		if need > len(currentD) {
			need = len(currentD)
		}
		currentP = append(currentP, currentD[:need]...)
		currentD = currentD[need:]
	}

	decisions := make([]Decision, 0, len(currentP)+len(currentD)+len(flexFinal))
	for _, inst := range currentP {
		decisions = append(decisions, Decision{ID: inst.ID, GroupID: groupID, Role: RolePrefill})
	}
	for _, inst := range currentD {
		decisions = append(decisions, Decision{ID: inst.ID, GroupID: groupID, Role: RoleDecode})
	}
	for _, inst := range flexFinal {
		decisions = append(decisions, Decision{ID: inst.ID, GroupID: groupID, Role: RoleFlex, FlexPRatio: ratio.FlexPRatio})
	}
	return decisions
}

// lessForPromotion ranks which of two unassigned-or-switchable instances
// should be granted targetRole first: an instance with no role yet beats
// one that already has a different role, a label that already prefers
// targetRole beats one that doesn't, and lighter load beats heavier.
func lessForPromotion(a, b InstanceInfo, targetRole string) bool {
	au, bu := a.Role == "" || a.Role == "UNDEF", b.Role == "" || b.Role == "UNDEF"
	if au != bu {
		return au
	}
	am, bm := labelPrefers(a.Label, targetRole), labelPrefers(b.Label, targetRole)
	if am != bm {
		return am
	}
	if a.AllocatedSlots != b.AllocatedSlots {
		return a.AllocatedSlots < b.AllocatedSlots
	}
	return a.AllocatedBlocks < b.AllocatedBlocks
}

// lessForDemotion ranks which of two currently-assigned instances should
// be the first picked to switch away from currentRole: one whose label
// does NOT prefer currentRole goes first, then lighter load first.
func lessForDemotion(a, b InstanceInfo, currentRole string) bool {
	am, bm := labelPrefers(a.Label, currentRole), labelPrefers(b.Label, currentRole)
	if am != bm {
		return bm
	}
	if a.AllocatedSlots != b.AllocatedSlots {
		return a.AllocatedSlots < b.AllocatedSlots
	}
	return a.AllocatedBlocks < b.AllocatedBlocks
}

func labelPrefers(label, role string) bool {
	switch role {
	case RolePrefill:
		return label == "PREFILL_STATIC" || label == "PREFILL_PREFER"
	case RoleDecode:
		return label == "DECODE_STATIC" || label == "DECODE_PREFER"
	case RoleFlex:
		return label == "FLEX_STATIC"
	default:
		return false
	}
}
