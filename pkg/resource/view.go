package resource

// View is the per-tick snapshot described in spec §4.3: three disjoint
// pools of instances partitioned by label/duty, plus a side table letting
// a completed request release its share by id even after the pools are
// torn down. The pool policy moves GlobalPool entries into the other
// pools during the tick.
type View struct {
	PrefillPool []*InstanceSnapshot
	// DecodePool is bucketed by groupId: a request's decode candidates
	// never cross groups.
	DecodePool map[string][]*InstanceSnapshot
	GlobalPool []*InstanceSnapshot

	byID map[string]*InstanceSnapshot
}

func newView() *View {
	return &View{
		DecodePool: make(map[string][]*InstanceSnapshot),
		byID:       make(map[string]*InstanceSnapshot),
	}
}

func (v *View) add(snap *InstanceSnapshot) {
	v.byID[snap.Static.ID] = snap

	switch snap.Static.Label {
	case LabelPrefillStatic:
		v.PrefillPool = append(v.PrefillPool, snap)
	case LabelDecodeStatic:
		v.DecodePool[snap.Static.GroupID] = append(v.DecodePool[snap.Static.GroupID], snap)
	case LabelPrefillPrefer, LabelDecodePrefer:
		// A PREFER instance already carrying a duty from a prior tick's
		// pool-policy decision resumes its resolved pool directly; only
		// an undutied one sits in GlobalPool awaiting this tick's pool
		// policy pass.
		switch snap.Schedule.Duty {
		case DutyPrefilling:
			v.PrefillPool = append(v.PrefillPool, snap)
		case DutyDecoding:
			v.DecodePool[snap.Static.GroupID] = append(v.DecodePool[snap.Static.GroupID], snap)
		default:
			v.GlobalPool = append(v.GlobalPool, snap)
		}
	default:
		// FLEX_STATIC and any other label sit outside the three pools
		// until the role manager assigns them a concrete duty; they are
		// still addressable via byID for release purposes.
	}
}

// ByID looks up a snapshot by instance id, the O(1) release path.
func (v *View) ByID(id string) (*InstanceSnapshot, bool) {
	s, ok := v.byID[id]
	return s, ok
}

// ClearView checks each instance's overload condition (writing its
// isOverload flag back to the live registry) and empties all pools. No
// state observed through the view may be used after this call (I5).
func (v *View) ClearView() {
	for _, snap := range v.byID {
		inst := snap.backing
		if inst == nil {
			continue
		}
		inst.Lock()
		overPrefill := !inst.Schedule.MaxPrefillRes.CompareTo(inst.Schedule.PrefillDemands)
		overDecode := !inst.Schedule.MaxDecodeRes.CompareTo(inst.Schedule.DecodeDemands)
		inst.Schedule.IsOverload = overPrefill || overDecode
		inst.Unlock()
	}

	v.PrefillPool = nil
	v.DecodePool = make(map[string][]*InstanceSnapshot)
	v.GlobalPool = nil
	v.byID = make(map[string]*InstanceSnapshot)
}

// PromoteToPrefill moves a GlobalPool instance into PrefillPool with the
// given duty, used by the pool policy (§4.5).
func (v *View) PromoteToPrefill(snap *InstanceSnapshot, duty Duty) {
	snap.Schedule.Duty = duty
	v.PrefillPool = append(v.PrefillPool, snap)
}

// PromoteToDecode moves a GlobalPool instance into DecodePool (bucketed by
// its groupId) with the given duty.
func (v *View) PromoteToDecode(snap *InstanceSnapshot, duty Duty) {
	snap.Schedule.Duty = duty
	v.DecodePool[snap.Static.GroupID] = append(v.DecodePool[snap.Static.GroupID], snap)
}
