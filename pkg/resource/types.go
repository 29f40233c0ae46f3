// Package resource holds the instance registry, the per-tick resource
// view, and the MetaResource-backed demand/capacity accounting that the
// global scheduler and role manager read from on every tick.
package resource

import (
	"sync"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
)

// Label is the static role preference an instance was registered with.
type Label string

const (
	LabelPrefillStatic Label = "PREFILL_STATIC"
	LabelPrefillPrefer Label = "PREFILL_PREFER"
	LabelDecodeStatic  Label = "DECODE_STATIC"
	LabelDecodePrefer  Label = "DECODE_PREFER"
	LabelFlexStatic    Label = "FLEX_STATIC"
)

// Role is the instance's currently assigned duty, as set by the role
// manager.
type Role string

const (
	RoleUndef   Role = "UNDEF"
	RolePrefill Role = "PREFILL"
	RoleDecode  Role = "DECODE"
	RoleFlex    Role = "FLEX"
)

// Duty is the per-tick assignment a PREFER instance receives from the pool
// policy.
type Duty string

const (
	DutyUnknown    Duty = "UNKNOWN"
	DutyMixing     Duty = "MIXING"
	DutyPrefilling Duty = "PREFILLING"
	DutyDecoding   Duty = "DECODING"
)

// StaticInfo is the identity and declared capacity of an instance, set at
// registration and only otherwise mutated by role decisions or telemetry
// growth of its totals.
type StaticInfo struct {
	ID               string
	GroupID          string
	Label            Label
	HardwareType     string
	TotalSlotsNum    uint64
	TotalBlockNum    uint64
	MaxConnectionNum uint64
	Role             Role
}

// DynamicInfo is telemetry overwritten wholesale on every update.
type DynamicInfo struct {
	AvailSlotsNum    uint64
	AvailBlockNum    uint64
	MaxAvailBlockNum uint64
	Peers            []string
}

// Available reports whether the instance currently has capacity on every
// dynamic dimension.
func (d DynamicInfo) Available() bool {
	return d.AvailSlotsNum > 0 && d.AvailBlockNum > 0 && d.MaxAvailBlockNum > 0
}

// ScheduleInfo is the scheduling-half state mutated by the selectors and
// the role manager: live demand, per-stage ceilings, duty, and the
// dynamic-rate adaptation counter.
type ScheduleInfo struct {
	PrefillDemands *metaresource.MetaResource
	DecodeDemands  *metaresource.MetaResource
	MaxPrefillRes  *metaresource.MetaResource
	MaxDecodeRes   *metaresource.MetaResource

	Role       Role
	Duty       Duty
	Closed     bool
	IsOverload bool

	// PrefillRate/DecodeRate are the current fractions of TotalResource
	// each stage may claim; dynamicCounter accumulates +/-1 nudges from
	// UpdateInstance until it crosses the configured threshold.
	PrefillRate    float64
	DecodeRate     float64
	dynamicCounter int
}

// Instance is the full record held by the registry: identity/capacity,
// telemetry, and scheduling state.
type Instance struct {
	mu sync.Mutex

	Static   StaticInfo
	Dynamic  DynamicInfo
	Schedule ScheduleInfo
}

// TotalConnection returns the instance's combined prefill+decode slot
// demand, the quantity compared against MaxConnectionNum.
func (inst *Instance) TotalConnection() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.Schedule.PrefillDemands.Slots() + inst.Schedule.DecodeDemands.Slots()
}

// Lock/Unlock expose the instance's own mutex to callers (registry, view)
// that need to mutate several fields atomically without a second map of
// locks.
func (inst *Instance) Lock()   { inst.mu.Lock() }
func (inst *Instance) Unlock() { inst.mu.Unlock() }

// InstanceSnapshot is a lock-free copy of an instance's state as observed
// at ResourceView assembly time. Static, Dynamic and the scalar Schedule
// fields are copies; the Schedule demand and ceiling vectors are pointers
// shared with the live Instance, so selector commits and releases reach
// the registry. The scheduler ticks operate
// entirely on snapshots so the registry lock is only briefly held.
type InstanceSnapshot struct {
	Static   StaticInfo
	Dynamic  DynamicInfo
	Schedule ScheduleInfo

	// backing points at the live Instance so selectors can commit demand
	// changes back to it; snapshots never outlive ClearView().
	backing *Instance
}
