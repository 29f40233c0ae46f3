// Package request implements the request registry: the waiting/processing
// queues, lifecycle state machine, and rolling length summary described in
// spec §4.1.
package request

import (
	"time"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
)

// State is a request's lifecycle stage.
type State int

const (
	StateInvalid State = iota
	StateWaiting
	StateScheduling
	StateAllocated
	StatePrefillEnd
	StateDecodeEnd
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateScheduling:
		return "SCHEDULING"
	case StateAllocated:
		return "ALLOCATED"
	case StatePrefillEnd:
		return "PREFILL_END"
	case StateDecodeEnd:
		return "DECODE_END"
	default:
		return "INVALID"
	}
}

// legalTransitions is the directed graph from spec §4.1. A transition not
// listed here is rejected with STATE_ERROR and never applied.
var legalTransitions = map[State]map[State]bool{
	StateWaiting:     {StateScheduling: true, StateInvalid: true},
	StateScheduling:  {StateAllocated: true, StateWaiting: true, StateDecodeEnd: true},
	StateAllocated:   {StatePrefillEnd: true, StateDecodeEnd: true},
	StatePrefillEnd:  {StateDecodeEnd: true},
}

func canTransition(from, to State) bool {
	allowed, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// ScheduleInfo is filled once a request is successfully scheduled:
// its demand vector, chosen instances, group, and the two once-only
// release flags guarding invariant I2.
type ScheduleInfo struct {
	Demand      *metaresource.MetaResource
	PrefillInst string
	DecodeInst  string
	GroupID     string

	prefillReleased bool
	decodeReleased  bool
}

// MarkPrefillReleased reports whether this call is the first to release
// the prefill share; later calls return false and do nothing.
func (s *ScheduleInfo) MarkPrefillReleased() bool {
	if s.prefillReleased {
		return false
	}
	s.prefillReleased = true
	return true
}

// MarkDecodeReleased reports whether this call is the first to release
// the decode share; later calls return false and do nothing.
func (s *ScheduleInfo) MarkDecodeReleased() bool {
	if s.decodeReleased {
		return false
	}
	s.decodeReleased = true
	return true
}

// Timestamps records a request's lifecycle transition times.
type Timestamps struct {
	Created    time.Time
	Scheduled  time.Time
	Started    time.Time
	PrefillEnd time.Time
	DecodeEnd  time.Time
}

// Request is one inference request tracked by the registry.
type Request struct {
	ReqID     string
	InputLen  uint64
	OutputLen uint64 // known only at decode end
	MaxPrefix uint64 // longest reusable prefix, for MPRF reordering

	State State
	Times Timestamps

	Schedule ScheduleInfo
}

// NewRequest constructs a request in WAITING state.
func NewRequest(reqID string, inputLen uint64) *Request {
	return &Request{
		ReqID:    reqID,
		InputLen: inputLen,
		State:    StateWaiting,
		Times:    Timestamps{Created: time.Now()},
	}
}

// TryTransition applies the state transition if legal, returning whether
// it was applied.
func (r *Request) TryTransition(to State) bool {
	if !canTransition(r.State, to) {
		return false
	}
	r.State = to
	return true
}
