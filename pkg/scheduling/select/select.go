// Package pdselect implements the prefill/decode instance selectors from
// spec §4.6: a shared ascending-load walk, specialized by whether the
// LoadBalance variant additionally rejects candidates that would exceed
// their per-stage ceiling.
package pdselect

import (
	"sort"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
	"github.com/llm-d/pd-role-scheduler/pkg/schedulererrors"
)

// Policy selects one prefill and one connectivity-compatible decode
// instance per request.
type Policy interface {
	Name() string
	SelectPrefill(pool []*resource.InstanceSnapshot, demand *metaresource.MetaResource) (*resource.InstanceSnapshot, error)
	SelectDecode(bucket []*resource.InstanceSnapshot, demand *metaresource.MetaResource, prefillID string) (*resource.InstanceSnapshot, error)
	// ReleasePrefill/ReleaseDecode undo a commitment made by the
	// matching Select* call, used to roll back a prefill allocation
	// when the paired decode selection fails in the same tick.
	ReleasePrefill(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource)
	ReleaseDecode(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource)
}

// New returns the policy named by the scheduler's configured select type
// (1..2, matching config.Select*).
func New(selectType int) Policy {
	if selectType == config.SelectStaticAlloc {
		return staticAlloc{}
	}
	return loadBalance{}
}

// sortPrefillAscending orders pool ascending by TotalLoad(prefillDemands),
// stable so an equivalent-load instance closer to the front wins ties.
func sortPrefillAscending(pool []*resource.InstanceSnapshot) []*resource.InstanceSnapshot {
	out := append([]*resource.InstanceSnapshot(nil), pool...)
	sort.SliceStable(out, func(i, j int) bool {
		return metaresource.TotalLoad(out[i].Schedule.PrefillDemands) < metaresource.TotalLoad(out[j].Schedule.PrefillDemands)
	})
	return out
}

// maxSlotsOf returns the maximum decodeDemands.Slots() across bucket, the
// `maxSlots` parameter the compute-aware load score is evaluated against.
func maxSlotsOf(bucket []*resource.InstanceSnapshot) uint64 {
	var max uint64
	for _, snap := range bucket {
		if s := snap.Schedule.DecodeDemands.Slots(); s > max {
			max = s
		}
	}
	return max
}

// sortDecodeAscending orders bucket ascending by compute-aware load score,
// stable.
func sortDecodeAscending(bucket []*resource.InstanceSnapshot, demand *metaresource.MetaResource) []*resource.InstanceSnapshot {
	maxSlots := maxSlotsOf(bucket)
	out := append([]*resource.InstanceSnapshot(nil), bucket...)
	sort.SliceStable(out, func(i, j int) bool {
		li := metaresource.ComputeAwareLoad(out[i].Schedule.DecodeDemands, maxSlots, out[i].Schedule.DecodeDemands.Blocks(), demand)
		lj := metaresource.ComputeAwareLoad(out[j].Schedule.DecodeDemands, maxSlots, out[j].Schedule.DecodeDemands.Blocks(), demand)
		return li < lj
	})
	return out
}

func saturatedConnection(snap *resource.InstanceSnapshot) bool {
	total := snap.Schedule.PrefillDemands.Slots() + snap.Schedule.DecodeDemands.Slots()
	return total >= snap.Static.MaxConnectionNum
}

func connectedForDecode(decode *resource.InstanceSnapshot, prefillID string) bool {
	if decode.Static.ID == prefillID {
		return true
	}
	for _, peer := range decode.Dynamic.Peers {
		if peer == prefillID {
			return true
		}
	}
	return false
}

// commitPrefill/commitDecode apply a selected demand directly to the
// shared MetaResource behind the snapshot (see DESIGN.md: the scheduler
// thread is the sole mutator of demand vectors during a tick, the same
// discipline the reference implementation relies on).
func commitPrefill(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource) {
	snap.Schedule.PrefillDemands.IncResource(demand)
}

func commitDecode(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource) {
	// IncResource merges demand's compute-attribute multiset (the
	// request's input length) into the instance's, which is what the
	// next request's compute-aware load score reads back out.
	snap.Schedule.DecodeDemands.IncResource(demand)
}

var errNoCandidate = schedulererrors.New(schedulererrors.NoSatisfiedResource, "Select")
