package request_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/request"
)

func newTestRegistry(t *testing.T) (*request.Registry, *[]request.Stage) {
	t.Helper()
	var released []request.Stage
	var mu sync.Mutex
	reg := request.NewRegistry(50*time.Millisecond, 100, func(_ context.Context, _ *request.ScheduleInfo, stage request.Stage) {
		mu.Lock()
		released = append(released, stage)
		mu.Unlock()
	})
	t.Cleanup(reg.Close)
	return reg, &released
}

func TestAddReqRejectsDuplicateID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	req := request.NewRequest("r1", 100)
	require.NoError(t, reg.AddReq(ctx, req))
	assert.Error(t, reg.AddReq(ctx, request.NewRequest("r1", 50)))
}

func TestPullRequestMovesToScheduling(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.AddReq(ctx, request.NewRequest("r1", 100)))
	require.NoError(t, reg.AddReq(ctx, request.NewRequest("r2", 100)))

	pulled := reg.PullRequest(ctx, 1)
	require.Len(t, pulled, 1)
	assert.Equal(t, request.StateScheduling, pulled[0].State)
}

func TestStateMachineRejectsIllegalTransition(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	req := request.NewRequest("r1", 100)
	require.NoError(t, reg.AddReq(ctx, req))

	// still WAITING: UpdateReq (PREFILL_END) is illegal from WAITING.
	err := reg.UpdateReq(ctx, "r1", time.Now())
	assert.Error(t, err)
	assert.Equal(t, request.StateWaiting, req.State)
}

func TestFullLifecycleReleasesEachStageOnce(t *testing.T) {
	reg, released := newTestRegistry(t)
	ctx := context.Background()
	req := request.NewRequest("r1", 100)
	require.NoError(t, reg.AddReq(ctx, req))
	reg.PullRequest(ctx, 1)
	require.True(t, req.TryTransition(request.StateAllocated))

	require.NoError(t, reg.UpdateReq(ctx, "r1", time.Now()))
	require.NoError(t, reg.RemoveReq(ctx, "r1", time.Now(), time.Now(), 42))

	reg.ProcessRelease(ctx)
	reg.ProcessRelease(ctx) // idempotent: must not double-release

	ended := reg.ProcessEndedReq(ctx)
	require.Len(t, ended, 1)

	assert.Equal(t, []request.Stage{request.StagePrefill, request.StageDecode}, *released)
}

func TestRemoveReqOnUnknownIDIsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	err := reg.RemoveReq(ctx, "missing", time.Now(), time.Now(), 0)
	assert.Error(t, err)
}

func TestProfilerComputesRollingMeans(t *testing.T) {
	p := request.NewProfiler(2)
	p.Record(100, 10)
	p.Record(200, 20)
	p.Record(300, 30) // evicts the first sample

	s := p.Mean()
	assert.InDelta(t, 250, s.InputLength, 1e-9)
	assert.InDelta(t, 25, s.OutputLength, 1e-9)
}

func TestConcurrentProcReqThenForceEndNoDeadlock(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := idFor(i)
			_ = reg.AddReq(ctx, request.NewRequest(id, 10))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		reg.PullRequest(ctx, 1)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := idFor(i)
			_ = reg.ForceEnd(ctx, id)
		}(i)
	}
	wg.Wait()
}

func idFor(i int) string {
	return "req-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
