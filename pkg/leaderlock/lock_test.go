package leaderlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
)

func TestCalculateSleepTimeHalvesTTLWithinBounds(t *testing.T) {
	l := &Lock{cfg: config.LeaderConfig{StaticLeaseTTLS: 20}}
	assert.Equal(t, 5*time.Second, l.calculateSleepTime(10))
}

func TestCalculateSleepTimeFloorsAtMinInterval(t *testing.T) {
	l := &Lock{cfg: config.LeaderConfig{StaticLeaseTTLS: 20}}
	assert.Equal(t, minInterval, l.calculateSleepTime(1))
}

func TestCalculateSleepTimeCapsAtHalfStaticTTL(t *testing.T) {
	l := &Lock{cfg: config.LeaderConfig{StaticLeaseTTLS: 10}}
	assert.Equal(t, 5*time.Second, l.calculateSleepTime(100))
}

func TestCalculateSleepTimeNonPositiveTTLUsesMinInterval(t *testing.T) {
	l := &Lock{cfg: config.LeaderConfig{StaticLeaseTTLS: 20}}
	assert.Equal(t, minInterval, l.calculateSleepTime(0))
}

func TestRpcTimeoutDefaultsWhenUnconfigured(t *testing.T) {
	l := &Lock{}
	assert.Equal(t, 5*time.Second, l.rpcTimeout())
}

func TestRpcTimeoutUsesConfiguredValue(t *testing.T) {
	l := &Lock{cfg: config.LeaderConfig{StaticRPCTimeoutS: 2}}
	assert.Equal(t, 2*time.Second, l.rpcTimeout())
}

func TestMaxRetryDefaultsWhenUnconfigured(t *testing.T) {
	l := &Lock{}
	assert.Equal(t, 3, l.maxRetry())
}

func TestWatchMaxRetryDefaultsWhenUnconfigured(t *testing.T) {
	l := &Lock{}
	assert.Equal(t, 5, l.watchMaxRetry())
}

func TestRegisterCallbackFiresOnlyOnTransition(t *testing.T) {
	l := &Lock{stopCh: make(chan struct{})}
	var calls []bool
	l.RegisterCallback(func(locked bool) { calls = append(calls, locked) })

	l.handleLockChange(true)
	l.handleLockChange(true)
	l.handleLockChange(false)

	assert.Equal(t, []bool{true, false}, calls)
	assert.False(t, l.IsLocked())
}
