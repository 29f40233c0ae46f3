package resource

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/schedulererrors"
)

// Config is the subset of resource-surface configuration the registry
// needs; it is a plain struct rather than an import of pkg/config so this
// package has no dependency on the configuration surface's env-loading
// machinery.
type Config struct {
	MetaSchema             metaresource.Attrs
	ResLimitRate           float64
	ResViewUpdateTimeout   time.Duration
	DynamicMaxResEnable    bool
	MaxDynamicResRateCount int
	DynamicResRateUnit     float64
}

// Registry is the thread-safe id -> Instance map described in spec §4.2.
// A timedRWMutex stands in for the reference's shared_timed_mutex: many
// concurrent UpdateInstance calls serialize against each other under the
// exclusive token, while UpdateResourceView takes the shared read side.
// QueryInstanceScheduleInfo does not take this lock; it reads under the
// id-map lock alone.
type Registry struct {
	cfg Config
	mu  *timedRWMutex

	// plain mutex guards the map itself; the timedRWMutex above is the
	// coarser-grained lock guarding per-instance schedule mutation, kept
	// separate from a simple concurrent map so RegisterInstance/RemoveInstance
	// need not contend with a tick in flight any longer than necessary.
	mapMu     timedMapMutex
	instances map[string]*Instance
}

// timedMapMutex is a plain exclusive lock (no shared mode needed for the
// id map itself).
type timedMapMutex struct {
	token chan struct{}
}

func newTimedMapMutex() timedMapMutex {
	m := timedMapMutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

func (m timedMapMutex) lock()   { <-m.token }
func (m timedMapMutex) unlock() { m.token <- struct{}{} }

// NewRegistry creates an empty registry under cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg,
		mu:        newTimedRWMutex(),
		mapMu:     newTimedMapMutex(),
		instances: make(map[string]*Instance),
	}
}

// RegisterInstance inserts every StaticInfo in list, skipping (and
// counting) duplicate ids.
func (r *Registry) RegisterInstance(ctx context.Context, list []StaticInfo) (rejected int) {
	logger := logr.FromContextOrDiscard(ctx)
	r.mapMu.lock()
	defer r.mapMu.unlock()

	for _, s := range list {
		if _, exists := r.instances[s.ID]; exists {
			rejected++
			logger.Info("rejecting duplicate instance registration", "id", s.ID)
			continue
		}
		inst := &Instance{Static: s}
		inst.Schedule = ScheduleInfo{
			PrefillDemands: metaresource.New(r.cfg.MetaSchema),
			DecodeDemands:  metaresource.New(r.cfg.MetaSchema),
			Role:           s.Role,
			Duty:           DutyUnknown,
			PrefillRate:    r.cfg.ResLimitRate,
			DecodeRate:     r.cfg.ResLimitRate,
		}
		inst.Schedule.MaxPrefillRes, _ = metaresource.ResMul(totalResource(r.cfg.MetaSchema, s), inst.Schedule.PrefillRate)
		inst.Schedule.MaxDecodeRes, _ = metaresource.ResMul(totalResource(r.cfg.MetaSchema, s), inst.Schedule.DecodeRate)
		r.instances[s.ID] = inst
	}
	return rejected
}

func totalResource(schema metaresource.Attrs, s StaticInfo) *metaresource.MetaResource {
	return metaresource.FromValues(schema, []uint64{s.TotalSlotsNum, s.TotalBlockNum})
}

// UpdateInstance overwrites the dynamic half of every matching instance,
// refreshes static totals from telemetry, and runs dynamic rate
// adaptation when enabled. Unknown ids are skipped and logged.
func (r *Registry) UpdateInstance(ctx context.Context, updates map[string]DynamicInfo, totals map[string]struct{ Slots, Blocks uint64 }) {
	logger := logr.FromContextOrDiscard(ctx)
	if !r.mu.lockTimeout(r.cfg.ResViewUpdateTimeout) {
		logger.Info("UpdateInstance: timed out acquiring write lock")
		return
	}
	defer r.mu.unlock()

	r.mapMu.lock()
	defer r.mapMu.unlock()

	for id, dyn := range updates {
		inst, ok := r.instances[id]
		if !ok {
			logger.Info("UpdateInstance: unknown instance", "id", id)
			continue
		}
		inst.Lock()
		inst.Dynamic = dyn

		// Design Notes Open Question 2: totals pushed by telemetry are
		// trusted monotonically; recompute per-stage ceilings from the
		// (possibly grown) total, then re-clamp the rate into range.
		if t, ok := totals[id]; ok {
			inst.Static.TotalSlotsNum = t.Slots
			inst.Static.TotalBlockNum = t.Blocks
		}

		r.updateScheduleLoadLocked(inst, dyn.Available())
		inst.Unlock()
	}
}

// updateScheduleLoadLocked runs dynamic-rate adaptation for one instance.
// Caller must hold inst's lock.
func (r *Registry) updateScheduleLoadLocked(inst *Instance, isAvailable bool) {
	if r.cfg.DynamicMaxResEnable {
		switch {
		case isAvailable && inst.Schedule.IsOverload:
			inst.Schedule.dynamicCounter++
		case !isAvailable && !inst.Schedule.IsOverload:
			inst.Schedule.dynamicCounter--
		}

		if abs(inst.Schedule.dynamicCounter) >= r.cfg.MaxDynamicResRateCount {
			delta := r.cfg.DynamicResRateUnit
			if inst.Schedule.dynamicCounter < 0 {
				delta = -delta
			}
			inst.Schedule.PrefillRate = clamp(inst.Schedule.PrefillRate+delta, 0, r.cfg.ResLimitRate)
			inst.Schedule.DecodeRate = clamp(inst.Schedule.DecodeRate+delta, 0, r.cfg.ResLimitRate)
			inst.Schedule.dynamicCounter = 0
		}
	}

	total := totalResource(r.cfg.MetaSchema, inst.Static)
	inst.Schedule.MaxPrefillRes, _ = metaresource.ResMul(total, inst.Schedule.PrefillRate)
	inst.Schedule.MaxDecodeRes, _ = metaresource.ResMul(total, inst.Schedule.DecodeRate)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RemoveInstance deletes every id in ids.
func (r *Registry) RemoveInstance(ctx context.Context, ids []string) {
	r.mapMu.lock()
	defer r.mapMu.unlock()
	for _, id := range ids {
		delete(r.instances, id)
	}
}

// CloseInstance sets the closed flag on every matching instance.
func (r *Registry) CloseInstance(ctx context.Context, ids []string) {
	r.setClosed(ids, true)
}

// ActivateInstance clears the closed flag on every matching instance.
func (r *Registry) ActivateInstance(ctx context.Context, ids []string) {
	r.setClosed(ids, false)
}

func (r *Registry) setClosed(ids []string, closed bool) {
	r.mapMu.lock()
	defer r.mapMu.unlock()
	for _, id := range ids {
		if inst, ok := r.instances[id]; ok {
			inst.Lock()
			inst.Schedule.Closed = closed
			inst.Unlock()
		}
	}
}

// InstanceScheduleSnapshot is one row of QueryInstanceScheduleInfo's
// result.
type InstanceScheduleSnapshot struct {
	ID              string
	AllocatedSlots  uint64
	AllocatedBlocks uint64
}

// QueryInstanceScheduleInfo returns, for every instance, its currently
// allocated (prefill+decode) slots and blocks. Additions are saturation
// checked against overflow.
func (r *Registry) QueryInstanceScheduleInfo(ctx context.Context) []InstanceScheduleSnapshot {
	r.mapMu.lock()
	defer r.mapMu.unlock()

	out := make([]InstanceScheduleSnapshot, 0, len(r.instances))
	for id, inst := range r.instances {
		inst.Lock()
		out = append(out, InstanceScheduleSnapshot{
			ID:              id,
			AllocatedSlots:  saturatingAdd(inst.Schedule.PrefillDemands.Slots(), inst.Schedule.DecodeDemands.Slots()),
			AllocatedBlocks: saturatingAdd(inst.Schedule.PrefillDemands.Blocks(), inst.Schedule.DecodeDemands.Blocks()),
		})
		inst.Unlock()
	}
	return out
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// UpdateResourceView assembles a fresh View from the live registry,
// partitioning by label. It takes the read side of the timed lock and
// returns a TIMEOUT error if it cannot be acquired within the configured
// deadline — the caller should skip the tick.
func (r *Registry) UpdateResourceView(ctx context.Context) (*View, error) {
	if !r.mu.rLockTimeout(r.cfg.ResViewUpdateTimeout) {
		return nil, schedulererrors.New(schedulererrors.Timeout, "UpdateResourceView")
	}
	defer r.mu.rUnlock()

	r.mapMu.lock()
	defer r.mapMu.unlock()

	view := newView()
	for _, inst := range r.instances {
		if inst.Schedule.Closed {
			continue
		}
		inst.Lock()
		snap := &InstanceSnapshot{
			Static:   inst.Static,
			Dynamic:  inst.Dynamic,
			Schedule: inst.Schedule,
			backing:  inst,
		}
		inst.Unlock()
		view.add(snap)
	}
	return view, nil
}

// RoleSnapshot is one row of Roster's result: the identity and load facts
// the role manager groups and ranks instances by.
type RoleSnapshot struct {
	ID              string
	GroupID         string
	HardwareType    string
	Label           Label
	Role            Role
	AllocatedSlots  uint64
	AllocatedBlocks uint64
	Closed          bool
}

// Roster returns a RoleSnapshot of every registered instance, for the role
// manager's grouping and switch-candidate ranking. Unlike
// UpdateResourceView it does not skip closed instances — role
// decisions still need to account for them.
func (r *Registry) Roster(ctx context.Context) []RoleSnapshot {
	r.mapMu.lock()
	defer r.mapMu.unlock()

	out := make([]RoleSnapshot, 0, len(r.instances))
	for id, inst := range r.instances {
		inst.Lock()
		out = append(out, RoleSnapshot{
			ID:              id,
			GroupID:         inst.Static.GroupID,
			HardwareType:    inst.Static.HardwareType,
			Label:           inst.Static.Label,
			Role:            inst.Schedule.Role,
			AllocatedSlots:  saturatingAdd(inst.Schedule.PrefillDemands.Slots(), inst.Schedule.DecodeDemands.Slots()),
			AllocatedBlocks: saturatingAdd(inst.Schedule.PrefillDemands.Blocks(), inst.Schedule.DecodeDemands.Blocks()),
			Closed:          inst.Schedule.Closed,
		})
		inst.Unlock()
	}
	return out
}

// AssignRole sets the live and declared role of one instance, as decided
// by the role manager. Unknown ids are reported as RESOURCE_NOT_FOUND.
func (r *Registry) AssignRole(ctx context.Context, id string, role Role) error {
	r.mapMu.lock()
	defer r.mapMu.unlock()
	inst, ok := r.instances[id]
	if !ok {
		return schedulererrors.New(schedulererrors.ResourceNotFound, "AssignRole: "+id)
	}
	inst.Lock()
	inst.Schedule.Role = role
	inst.Static.Role = role
	inst.Unlock()
	return nil
}

// Get returns the live instance for id, if registered.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mapMu.lock()
	defer r.mapMu.unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Len reports the number of registered instances.
func (r *Registry) Len() int {
	r.mapMu.lock()
	defer r.mapMu.unlock()
	return len(r.instances)
}
