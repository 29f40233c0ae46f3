// Package reorder implements the stable tick-reordering policies from spec
// §4.4: FCFS, SJF, LJF, and MPRF, selected by New from the configured
// integer reordering type behind the Policy interface.
package reorder

import (
	"sort"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/request"
)

// Policy stably reorders the tick's scheduling deque in place.
type Policy interface {
	Name() string
	Reorder(reqs []*request.Request)
}

// New returns the policy named by the scheduler's configured reordering
// type (1..4, matching config.Reorder*).
func New(reorderingType int) Policy {
	switch reorderingType {
	case config.ReorderSJF:
		return SJF{}
	case config.ReorderLJF:
		return LJF{}
	case config.ReorderMPRF:
		return MPRF{}
	default:
		return FCFS{}
	}
}

// FCFS is the identity ordering: arrival order is already the order
// requests were appended to schedulingReqs.
type FCFS struct{}

func (FCFS) Name() string                        { return "FCFS" }
func (FCFS) Reorder(reqs []*request.Request) {}

// SJF orders ascending by InputLen, stable.
type SJF struct{}

func (SJF) Name() string { return "SJF" }
func (SJF) Reorder(reqs []*request.Request) {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].InputLen < reqs[j].InputLen })
}

// LJF orders descending by InputLen, stable.
type LJF struct{}

func (LJF) Name() string { return "LJF" }
func (LJF) Reorder(reqs []*request.Request) {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].InputLen > reqs[j].InputLen })
}

// MPRF orders descending by MaxPrefix (longest-reusable-prefix first),
// stable.
type MPRF struct{}

func (MPRF) Name() string { return "MPRF" }
func (MPRF) Reorder(reqs []*request.Request) {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].MaxPrefix > reqs[j].MaxPrefix })
}
