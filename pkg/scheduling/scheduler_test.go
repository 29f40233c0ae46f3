package scheduling_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/request"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
	"github.com/llm-d/pd-role-scheduler/pkg/scheduling"
)

func testSchema() metaresource.Attrs {
	return metaresource.DefaultAttrs()
}

func newTestRegistries(t *testing.T) (*request.Registry, *resource.Registry) {
	t.Helper()
	schema := testSchema()

	resReg := resource.NewRegistry(resource.Config{
		MetaSchema:           schema,
		ResLimitRate:         1.0,
		ResViewUpdateTimeout: time.Second,
	})

	rejected := resReg.RegisterInstance(context.Background(), []resource.StaticInfo{
		{ID: "p1", GroupID: "g1", Label: resource.LabelPrefillStatic, HardwareType: "h100", TotalSlotsNum: 4, TotalBlockNum: 100, MaxConnectionNum: 10},
		{ID: "d1", GroupID: "g1", Label: resource.LabelDecodeStatic, HardwareType: "h100", TotalSlotsNum: 4, TotalBlockNum: 100, MaxConnectionNum: 10},
	})
	require.Equal(t, 0, rejected)

	resReg.UpdateInstance(context.Background(), map[string]resource.DynamicInfo{
		"p1": {AvailSlotsNum: 4, AvailBlockNum: 100, MaxAvailBlockNum: 100},
		"d1": {AvailSlotsNum: 4, AvailBlockNum: 100, MaxAvailBlockNum: 100, Peers: []string{"p1"}},
	}, nil)

	reqReg := request.NewRegistry(time.Second, 64, func(context.Context, *request.ScheduleInfo, request.Stage) {})
	t.Cleanup(reqReg.Close)

	return reqReg, resReg
}

func TestSchedulerAllocatesAndNotifiesOneRequest(t *testing.T) {
	reqReg, resReg := newTestRegistries(t)

	var mu sync.Mutex
	var notified []*request.ScheduleInfo
	notify := func(_ context.Context, info *request.ScheduleInfo) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, info)
		return nil
	}

	sched := scheduling.New(scheduling.Config{
		MaxScheduleCount: 8,
		BlockSize:        16,
		TickInterval:     10 * time.Millisecond,
		ReorderingType:   config.ReorderFCFS,
		SelectType:       config.SelectLoadBalance,
		PoolType:         config.PoolStatic,
		MetaSchema:       testSchema(),
	}, reqReg, resReg, notify)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.NoError(t, reqReg.AddReq(ctx, request.NewRequest("req-1", 32)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	}, 400*time.Millisecond, 5*time.Millisecond, "expected exactly one notify call")

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, "p1", notified[0].PrefillInst)
	assert.Equal(t, "d1", notified[0].DecodeInst)
	assert.Equal(t, "g1", notified[0].GroupID)
}

func TestSchedulerRequeuesOnNotifyFailure(t *testing.T) {
	reqReg, resReg := newTestRegistries(t)

	var mu sync.Mutex
	attempts := 0
	notify := func(_ context.Context, _ *request.ScheduleInfo) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errNotifyFailed
		}
		return nil
	}

	sched := scheduling.New(scheduling.Config{
		MaxScheduleCount: 8,
		BlockSize:        16,
		TickInterval:     10 * time.Millisecond,
		ReorderingType:   config.ReorderFCFS,
		SelectType:       config.SelectLoadBalance,
		PoolType:         config.PoolStatic,
		MetaSchema:       testSchema(),
	}, reqReg, resReg, notify)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	require.NoError(t, reqReg.AddReq(ctx, request.NewRequest("req-1", 32)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 400*time.Millisecond, 5*time.Millisecond, "expected a retried notify after the first failure")

	require.Eventually(t, func() bool {
		for _, snap := range resReg.QueryInstanceScheduleInfo(ctx) {
			if snap.ID == "p1" && snap.AllocatedSlots == 1 {
				return true
			}
		}
		return false
	}, 400*time.Millisecond, 5*time.Millisecond, "expected p1's allocated share to settle at exactly one request's demand")

	cancel()
	<-done

	// The failed first attempt must have released its committed share
	// instead of leaving it double-booked alongside the successful retry
	// (invariant I3/demand release on notify failure).
	for _, snap := range resReg.QueryInstanceScheduleInfo(context.Background()) {
		if snap.ID == "p1" {
			assert.EqualValues(t, 1, snap.AllocatedSlots, "p1's prefill demand must not be double-committed across retries")
			assert.EqualValues(t, 2, snap.AllocatedBlocks, "p1's prefill demand must not be double-committed across retries")
		}
	}
}

var errNotifyFailed = errors.New("notify failed")
