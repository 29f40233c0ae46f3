// Package pool implements the pool policy from spec §4.5: a single pass
// over the view's GlobalPool, reassigning preferred-but-undutied instances
// into the prefill or decode pool.
package pool

import (
	"github.com/go-logr/logr"

	"github.com/llm-d/pd-role-scheduler/pkg/resource"
)

// Policy partitions the view's GlobalPool, mutating it in place.
type Policy interface {
	Name() string
	Partition(logger logr.Logger, view *resource.View)
}

// New returns the policy for the scheduler's configured pool type;
// config.PoolStatic is the only one.
func New(poolType int) Policy {
	return Static{}
}

// Static is the reference pool policy (config.PoolStatic): PREFILL_PREFER
// instances get PREFILLING duty and move to PrefillPool; DECODE_PREFER get
// DECODING duty and move into DecodePool bucketed by groupId. Unknown
// labels are left in place and logged.
type Static struct{}

func (Static) Name() string { return "static" }

func (Static) Partition(logger logr.Logger, view *resource.View) {
	remaining := view.GlobalPool[:0]
	for _, snap := range view.GlobalPool {
		switch snap.Static.Label {
		case resource.LabelPrefillPrefer:
			view.PromoteToPrefill(snap, resource.DutyPrefilling)
		case resource.LabelDecodePrefer:
			view.PromoteToDecode(snap, resource.DutyDecoding)
		default:
			logger.Info("pool policy: unknown label left in global pool", "id", snap.Static.ID, "label", snap.Static.Label)
			remaining = append(remaining, snap)
		}
	}
	view.GlobalPool = remaining
}
