package pdselect

import (
	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
)

// staticAlloc is config.SelectStaticAlloc: it walks candidates in ascending
// load order and takes the first one that isn't closed or connection
// saturated, never rejecting on ceiling load the way loadBalance does.
type staticAlloc struct{}

func (staticAlloc) Name() string { return "static-alloc" }

func (staticAlloc) SelectPrefill(pool []*resource.InstanceSnapshot, demand *metaresource.MetaResource) (*resource.InstanceSnapshot, error) {
	for _, snap := range sortPrefillAscending(pool) {
		if snap.Schedule.Closed || saturatedConnection(snap) {
			continue
		}
		commitPrefill(snap, demand)
		return snap, nil
	}
	return nil, errNoCandidate
}

func (staticAlloc) SelectDecode(bucket []*resource.InstanceSnapshot, demand *metaresource.MetaResource, prefillID string) (*resource.InstanceSnapshot, error) {
	for _, snap := range sortDecodeAscending(bucket, demand) {
		if snap.Schedule.Closed || saturatedConnection(snap) || !connectedForDecode(snap, prefillID) {
			continue
		}
		commitDecode(snap, demand)
		return snap, nil
	}
	return nil, errNoCandidate
}

func (staticAlloc) ReleasePrefill(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource) {
	snap.Schedule.PrefillDemands.DecResource(demand)
}

func (staticAlloc) ReleaseDecode(snap *resource.InstanceSnapshot, demand *metaresource.MetaResource) {
	snap.Schedule.DecodeDemands.DecResource(demand)
}
