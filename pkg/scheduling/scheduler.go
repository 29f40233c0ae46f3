// Package scheduling implements the global scheduler loop described in
// spec §4.7: a scheduling goroutine that pulls requests, builds a
// resource view, reorders/partitions/selects, and hands survivors to a
// notify goroutine that dispatches the external allocation callback and
// re-queues on failure.
package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/request"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
	"github.com/llm-d/pd-role-scheduler/pkg/scheduling/pool"
	"github.com/llm-d/pd-role-scheduler/pkg/scheduling/reorder"
	pdselect "github.com/llm-d/pd-role-scheduler/pkg/scheduling/select"
)

// Notifier delivers one request's schedule decision to the external
// allocation callback, returning its int32-style status: nil on OK,
// any error to re-enter scheduling.
type Notifier func(ctx context.Context, info *request.ScheduleInfo) error

// Config is the subset of SchedulerConfig the loop needs, kept as a
// plain struct so this package does not import pkg/config's env-loading
// machinery.
type Config struct {
	MaxScheduleCount int
	BlockSize        int
	TickInterval     time.Duration
	ReorderingType   int
	SelectType       int
	PoolType         int
	MetaSchema       metaresource.Attrs
}

// Scheduler runs the two-goroutine loop of spec §4.7 against a request
// registry and a resource registry.
type Scheduler struct {
	cfg Config

	requests *request.Registry
	resources *resource.Registry
	notify   Notifier

	reorderPolicy reorder.Policy
	poolPolicy    pool.Policy
	selectPolicy  pdselect.Policy

	notifyQueue  chan *request.Request
	requeueQueue chan *request.Request

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// New builds a Scheduler wired to requests/resources, dispatching
// allocation decisions through notify.
func New(cfg Config, requests *request.Registry, resources *resource.Registry, notify Notifier) *Scheduler {
	s := &Scheduler{
		cfg:           cfg,
		requests:      requests,
		resources:     resources,
		notify:        notify,
		reorderPolicy: reorder.New(cfg.ReorderingType),
		poolPolicy:    pool.New(cfg.PoolType),
		selectPolicy:  pdselect.New(cfg.SelectType),
		notifyQueue:   make(chan *request.Request, 1024),
		requeueQueue:  make(chan *request.Request, 1024),
		wakeCh:        make(chan struct{}, 1),
	}
	requests.SetWakeFunc(s.wake)
	return s
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, running the scheduler goroutine and
// the notify goroutine concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.schedulerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.notifyLoop(ctx)
	}()
	wg.Wait()
}

// schedulerLoop is the scheduler thread of spec §4.7.
func (s *Scheduler) schedulerLoop(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx).WithName("scheduler")
	tick := s.cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	var schedulingReqs []*request.Request

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		schedulingReqs = s.runTick(ctx, logger, schedulingReqs)

		if !s.waitForWork(ctx, tick) {
			return
		}
	}
}

// runTick runs one scheduling pass under a recover() guard, so a panic in
// one request's selection or in a policy plugin degrades to a skipped tick
// instead of taking the whole scheduler down.
func (s *Scheduler) runTick(ctx context.Context, logger logr.Logger, schedulingReqs []*request.Request) (next []*request.Request) {
	next = schedulingReqs
	defer func() {
		if r := recover(); r != nil {
			logger.Error(nil, "scheduler tick panicked, skipping", "panic", r)
			next = schedulingReqs
		}
	}()

	schedulingReqs = append(s.drainRequeued(), schedulingReqs...)

	if room := s.cfg.MaxScheduleCount - len(schedulingReqs); room > 0 {
		pulled := s.requests.PullRequest(ctx, room)
		schedulingReqs = append(schedulingReqs, pulled...)
	}

	if len(schedulingReqs) == 0 {
		return schedulingReqs
	}

	view, err := s.resources.UpdateResourceView(ctx)
	if err != nil {
		logger.Info("skipping tick: resource view unavailable", "error", err.Error())
		return schedulingReqs
	}

	s.requests.ProcessRelease(ctx)

	s.reorderPolicy.Reorder(schedulingReqs)
	s.poolPolicy.Partition(logger, view)

	allocated, remaining := s.allocate(view, schedulingReqs)

	for _, req := range allocated {
		req.TryTransition(request.StateAllocated)
		select {
		case s.notifyQueue <- req:
		case <-ctx.Done():
			view.ClearView()
			return remaining
		}
	}

	s.requests.ProcessEndedReq(ctx)
	view.ClearView()

	return remaining
}

// allocate runs the prefill/decode select passes over schedulingReqs in
// order, returning the requests that got both stages and those that
// must remain queued for a later tick.
func (s *Scheduler) allocate(view *resource.View, schedulingReqs []*request.Request) (allocated, remaining []*request.Request) {
	type pending struct {
		req        *request.Request
		demand     *metaresource.MetaResource
		prefill    *resource.InstanceSnapshot
		decodeBucket []*resource.InstanceSnapshot
	}

	var staged []pending
	cut := 0
	for i, req := range schedulingReqs {
		demand := s.demandFor(req)
		prefillSnap, err := s.selectPolicy.SelectPrefill(view.PrefillPool, demand)
		if err != nil {
			// Sorted-ascending invariant: no later request finds a
			// prefill candidate this tick either.
			cut = i
			break
		}
		staged = append(staged, pending{req: req, demand: demand, prefill: prefillSnap, decodeBucket: view.DecodePool[prefillSnap.Static.GroupID]})
		cut = i + 1
	}
	remaining = append(remaining, schedulingReqs[cut:]...)

	for _, p := range staged {
		decodeSnap, err := s.selectPolicy.SelectDecode(p.decodeBucket, p.demand, p.prefill.Static.ID)
		if err != nil {
			s.selectPolicy.ReleasePrefill(p.prefill, p.demand)
			remaining = append(remaining, p.req)
			continue
		}

		p.req.Schedule.Demand = p.demand
		p.req.Schedule.PrefillInst = p.prefill.Static.ID
		p.req.Schedule.DecodeInst = decodeSnap.Static.ID
		p.req.Schedule.GroupID = p.prefill.Static.GroupID
		allocated = append(allocated, p.req)
	}
	return allocated, remaining
}

// drainRequeued pulls every request dispatch() handed back after a notify
// failure, non-blocking. These requests were already pulled into the
// request registry's processing list by PullRequest and were never
// removed from it; routing their re-entry through this scheduler-local
// queue, instead of the registry's waiting queue, keeps them visible in
// exactly one place (invariant I3) rather than in both waiting and
// processing at once.
func (s *Scheduler) drainRequeued() []*request.Request {
	var requeued []*request.Request
	for {
		select {
		case req := <-s.requeueQueue:
			requeued = append(requeued, req)
		default:
			return requeued
		}
	}
}

// requeue hands req back to the scheduler loop for the next tick. req
// stays recorded in the request registry's processing list throughout,
// so this never blocks indefinitely except alongside shutdown.
func (s *Scheduler) requeue(ctx context.Context, req *request.Request) {
	select {
	case s.requeueQueue <- req:
	case <-ctx.Done():
	}
}

// releaseAllocation returns info's committed prefill and decode demand to
// the live resource registry, mirroring the end-of-life release path
// (cmd/llm-d-inference-scheduler's releaseFunc) for the mid-tick case
// where a notify failure unwinds an allocation before the request ever
// reaches PREFILL_END.
func (s *Scheduler) releaseAllocation(info *request.ScheduleInfo) {
	if info.Demand == nil {
		return
	}
	s.releaseShare(info.PrefillInst, info.Demand, false)
	s.releaseShare(info.DecodeInst, info.Demand, true)
}

func (s *Scheduler) releaseShare(id string, demand *metaresource.MetaResource, decode bool) {
	if id == "" {
		return
	}
	inst, ok := s.resources.Get(id)
	if !ok {
		return
	}
	inst.Lock()
	defer inst.Unlock()
	if decode {
		inst.Schedule.DecodeDemands.DecResource(demand)
	} else {
		inst.Schedule.PrefillDemands.DecResource(demand)
	}
}

// demandFor builds a request's demand vector: one slot, ceil(inputLen/
// blockSize) blocks, and its input length recorded for the decode
// select policy's compute-aware load score.
func (s *Scheduler) demandFor(req *request.Request) *metaresource.MetaResource {
	blockSize := uint64(s.cfg.BlockSize)
	if blockSize == 0 {
		blockSize = 1
	}
	blocks := (req.InputLen + blockSize - 1) / blockSize
	demand := metaresource.FromValues(s.cfg.MetaSchema, []uint64{1, blocks})
	demand.UpdateTokens(req.InputLen)
	return demand
}

// waitForWork blocks for up to d, returning early if woken by a new
// AddReq. Returns false if ctx was cancelled.
func (s *Scheduler) waitForWork(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.wakeCh:
		return true
	case <-time.After(d):
		return true
	}
}

// notifyLoop is the notify thread of spec §4.7: blocking-dequeue,
// dispatch, and re-queue on failure or unexpected state.
func (s *Scheduler) notifyLoop(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx).WithName("scheduler-notify")
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.notifyQueue:
			s.dispatch(ctx, req, logger)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, req *request.Request, logger logr.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(nil, "notify dispatch panicked, dropping this request", "reqId", req.ReqID, "panic", r)
		}
	}()

	switch req.State {
	case request.StateAllocated:
		if err := s.notify(ctx, &req.Schedule); err != nil {
			logger.Info("notify failed, releasing allocation and re-entering scheduling", "reqId", req.ReqID, "error", err.Error())
			s.releaseAllocation(&req.Schedule)
			req.Schedule = request.ScheduleInfo{}
			req.State = request.StateScheduling
			s.requeue(ctx, req)
		}
	case request.StateWaiting, request.StateScheduling:
		logger.Info("request observed in unexpected pre-allocation state at notify time", "reqId", req.ReqID, "state", req.State.String())
		req.TryTransition(request.StateScheduling)
		s.requeue(ctx, req)
	case request.StateInvalid:
		logger.Info("dropping invalid request at notify time", "reqId", req.ReqID)
	default:
		logger.Info("request observed in unexpected state at notify time", "reqId", req.ReqID, "state", req.State.String())
	}
}
