package pdselect

import (
	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
)

// loadBalance is config.SelectLoadBalance: it walks candidates in ascending
// load order and additionally rejects one whose post-add demand would
// exceed its configured per-stage ceiling, where staticAlloc would accept
// it regardless of load.
type loadBalance struct{}

func (loadBalance) Name() string { return "load-balance" }

func (loadBalance) SelectPrefill(pool []*resource.InstanceSnapshot, demand *metaresource.MetaResource) (*resource.InstanceSnapshot, error) {
	for _, snap := range sortPrefillAscending(pool) {
		if snap.Schedule.Closed || saturatedConnection(snap) {
			continue
		}
		if wouldExceed(snap.Schedule.PrefillDemands, snap.Schedule.MaxPrefillRes, demand) {
			continue
		}
		commitPrefill(snap, demand)
		return snap, nil
	}
	return nil, errNoCandidate
}

func (loadBalance) SelectDecode(bucket []*resource.InstanceSnapshot, demand *metaresource.MetaResource, prefillID string) (*resource.InstanceSnapshot, error) {
	for _, snap := range sortDecodeAscending(bucket, demand) {
		if snap.Schedule.Closed || saturatedConnection(snap) || !connectedForDecode(snap, prefillID) {
			continue
		}
		if wouldExceed(snap.Schedule.DecodeDemands, snap.Schedule.MaxDecodeRes, demand) {
			continue
		}
		commitDecode(snap, demand)
		return snap, nil
	}
	return nil, errNoCandidate
}

func (loadBalance) ReleasePrefill(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource) {
	snap.Schedule.PrefillDemands.DecResource(demand)
}

func (loadBalance) ReleaseDecode(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource) {
	snap.Schedule.DecodeDemands.DecResource(demand)
}

// wouldExceed reports whether current+demand would no longer fit within
// ceiling (i.e. ceiling can no longer satisfy it as a demand).
func wouldExceed(current, ceiling, demand *metaresource.MetaResource) bool {
	projected := current.Clone()
	projected.IncResource(demand)
	return !ceiling.CompareTo(projected)
}
