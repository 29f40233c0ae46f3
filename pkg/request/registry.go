package request

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"

	"github.com/llm-d/pd-role-scheduler/pkg/schedulererrors"
)

// ReleaseFunc returns an instance's prefill/decode share to the resource
// registry; the registry invokes it at most once per stage per request
// via the ScheduleInfo once-flags (invariant I2).
type ReleaseFunc func(ctx context.Context, info *ScheduleInfo, stage Stage)

// Stage distinguishes which share ReleaseFunc is returning.
type Stage int

const (
	StagePrefill Stage = iota
	StageDecode
)

// Registry holds the waiting/processing queues and the reqId->request map
// described in spec §4.1.
type Registry struct {
	pullTimeout time.Duration
	release     ReleaseFunc

	waitingMu    timedMutex
	waitingQueue []*Request

	mu         timedMutex
	processing []*Request
	byID       map[string]*Request

	// recentlyRemoved distinguishes a duplicate RemoveReq/UpdateReq on an
	// already-completed request (logged distinctly) from one on a
	// genuinely unknown id, following the teacher's TTL-cache idiom for
	// tracking recently-expired entries (pkg/plugins/scorer/active_request.go).
	recentlyRemoved *ttlcache.Cache[string, struct{}]

	profiler *Profiler

	onWake func()
}

type timedMutex struct{ token chan struct{} }

func newTimedMutex() timedMutex {
	m := timedMutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

func (m timedMutex) lock()   { <-m.token }
func (m timedMutex) unlock() { m.token <- struct{}{} }

func (m timedMutex) lockTimeout(d time.Duration) bool {
	select {
	case <-m.token:
		return true
	case <-time.After(d):
		return false
	}
}

// NewRegistry creates an empty registry. pullTimeout bounds PullRequest;
// maxSummaryCount bounds the profiler's rolling window; release is invoked
// by ProcessRelease.
func NewRegistry(pullTimeout time.Duration, maxSummaryCount int, release ReleaseFunc) *Registry {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](5 * time.Minute),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()

	return &Registry{
		pullTimeout:     pullTimeout,
		release:         release,
		waitingMu:       newTimedMutex(),
		mu:              newTimedMutex(),
		byID:            make(map[string]*Request),
		recentlyRemoved: cache,
		profiler:        NewProfiler(maxSummaryCount),
	}
}

// SetWakeFunc registers a callback invoked whenever AddReq enqueues a
// request, letting the scheduler loop wait on a condition instead of
// busy-polling.
func (r *Registry) SetWakeFunc(f func()) { r.onWake = f }

// AddReq appends req to the waiting queue, failing with STATE_ERROR on a
// duplicate id.
func (r *Registry) AddReq(ctx context.Context, req *Request) error {
	logger := logr.FromContextOrDiscard(ctx)
	r.mu.lock()
	if _, exists := r.byID[req.ReqID]; exists {
		r.mu.unlock()
		logger.Info("AddReq: duplicate id rejected", "reqId", req.ReqID)
		return schedulererrors.New(schedulererrors.StateError, "AddReq")
	}
	req.State = StateWaiting
	r.byID[req.ReqID] = req
	r.mu.unlock()

	r.waitingMu.lock()
	r.waitingQueue = append(r.waitingQueue, req)
	r.waitingMu.unlock()

	if r.onWake != nil {
		r.onWake()
	}
	return nil
}

// PullRequest moves up to maxN waiting requests into processingQueue,
// transitioning each to SCHEDULING. Bounded by the registry's configured
// pullRequestTimeout; on timeout it simply returns fewer.
func (r *Registry) PullRequest(ctx context.Context, maxN int) []*Request {
	if !r.waitingMu.lockTimeout(r.pullTimeout) {
		return nil
	}
	n := maxN
	if n > len(r.waitingQueue) {
		n = len(r.waitingQueue)
	}
	pulled := append([]*Request(nil), r.waitingQueue[:n]...)
	r.waitingQueue = r.waitingQueue[n:]
	r.waitingMu.unlock()

	r.mu.lock()
	for _, req := range pulled {
		req.TryTransition(StateScheduling)
		req.Times.Scheduled = time.Now()
	}
	r.processing = append(r.processing, pulled...)
	r.mu.unlock()

	return pulled
}

// UpdateReq applies the PREFILL_END transition for id.
func (r *Registry) UpdateReq(ctx context.Context, id string, prefillEndTime time.Time) error {
	logger := logr.FromContextOrDiscard(ctx)
	r.mu.lock()
	defer r.mu.unlock()

	req, ok := r.byID[id]
	if !ok {
		if r.recentlyRemoved.Has(id) {
			logger.Info("UpdateReq: duplicate call on already-removed request", "reqId", id)
		} else {
			logger.Info("UpdateReq: unknown request", "reqId", id)
		}
		return schedulererrors.New(schedulererrors.ResourceNotFound, "UpdateReq")
	}

	if !req.TryTransition(StatePrefillEnd) {
		logger.Info("UpdateReq: illegal transition", "reqId", id, "from", req.State)
		return schedulererrors.New(schedulererrors.StateError, "UpdateReq")
	}
	req.Times.PrefillEnd = prefillEndTime
	return nil
}

// RemoveReq applies the DECODE_END transition, records outputLen, and
// removes id from the lookup map (the request remains in processingQueue
// until ProcessEndedReq drains it so ProcessRelease can still see it).
func (r *Registry) RemoveReq(ctx context.Context, id string, prefillEndTime, decodeEndTime time.Time, outputLen uint64) error {
	logger := logr.FromContextOrDiscard(ctx)
	r.mu.lock()
	defer r.mu.unlock()

	req, ok := r.byID[id]
	if !ok {
		if r.recentlyRemoved.Has(id) {
			logger.Info("RemoveReq: duplicate call on already-removed request", "reqId", id)
		} else {
			logger.Info("RemoveReq: unknown request", "reqId", id)
		}
		return schedulererrors.New(schedulererrors.ResourceNotFound, "RemoveReq")
	}

	if !req.TryTransition(StateDecodeEnd) {
		logger.Info("RemoveReq: illegal transition", "reqId", id, "from", req.State)
		return schedulererrors.New(schedulererrors.StateError, "RemoveReq")
	}

	if req.Times.PrefillEnd.IsZero() {
		req.Times.PrefillEnd = prefillEndTime
	}
	req.Times.DecodeEnd = decodeEndTime
	req.OutputLen = outputLen

	r.profiler.Record(req.InputLen, outputLen)

	delete(r.byID, id)
	r.recentlyRemoved.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// ForceEnd unwinds a stuck request by applying the SCHEDULING -> DECODE_END
// shortcut used by external timeout handlers.
func (r *Registry) ForceEnd(ctx context.Context, id string) error {
	r.mu.lock()
	defer r.mu.unlock()
	req, ok := r.byID[id]
	if !ok {
		return schedulererrors.New(schedulererrors.ResourceNotFound, "ForceEnd")
	}
	if !req.TryTransition(StateDecodeEnd) {
		return schedulererrors.New(schedulererrors.StateError, "ForceEnd")
	}
	req.Times.DecodeEnd = time.Now()
	delete(r.byID, id)
	r.recentlyRemoved.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// ProcessEndedReq moves DECODE_END requests out of processingQueue.
func (r *Registry) ProcessEndedReq(ctx context.Context) []*Request {
	r.mu.lock()
	defer r.mu.unlock()

	var ended, kept []*Request
	for _, req := range r.processing {
		if req.State == StateDecodeEnd {
			ended = append(ended, req)
		} else {
			kept = append(kept, req)
		}
	}
	r.processing = kept
	return ended
}

// ProcessRelease walks processingQueue, invoking the release callback for
// every request whose state is PREFILL_END or DECODE_END, exactly once per
// stage, guarded by ScheduleInfo's once-flags.
func (r *Registry) ProcessRelease(ctx context.Context) {
	r.mu.lock()
	snapshot := append([]*Request(nil), r.processing...)
	r.mu.unlock()

	for _, req := range snapshot {
		if req.State != StatePrefillEnd && req.State != StateDecodeEnd {
			continue
		}
		if req.Schedule.MarkPrefillReleased() {
			r.release(ctx, &req.Schedule, StagePrefill)
		}
		if req.State == StateDecodeEnd && req.Schedule.MarkDecodeReleased() {
			r.release(ctx, &req.Schedule, StageDecode)
		}
	}
}

// Profiler exposes the registry's rolling (inputLen, outputLen) summary.
func (r *Registry) Profiler() *Profiler { return r.profiler }

// Close stops the registry's background TTL-cache eviction goroutine.
func (r *Registry) Close() {
	r.recentlyRemoved.Stop()
}
