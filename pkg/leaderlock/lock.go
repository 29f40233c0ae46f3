// Package leaderlock implements the etcd-backed distributed lock
// gating the role manager's and scheduler's write paths described in
// spec §4.10, grounded on original_source's EtcdDistributedLock
// (DistributedPolicy.cpp): lease-based mutual exclusion with a
// keep-alive worker while held and a polling watch worker while not.
package leaderlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/schedulererrors"
)

// minInterval is MIN_INTERVAL: the keep-alive worker never sleeps for
// less than this between renewals, however small the lease TTL.
const minInterval = 2 * time.Second

// watchGapSeconds is ETCD_WATCH_GAP_SECONDS: the poll interval the watch
// worker uses between checks of the lock key.
const watchGapSeconds = 3 * time.Second

// Callback is invoked whenever this process's held/not-held state
// changes: true on becoming leader, false on losing leadership. It is not
// invoked when an attempt leaves the state unchanged.
type Callback func(locked bool)

// Lock is one EtcdDistributedLock instance: one lock key, one client
// identity.
type Lock struct {
	cfg    config.LeaderConfig
	client *clientv3.Client

	cbMu     sync.Mutex
	callback Callback

	mu      sync.Mutex
	locked  atomic.Bool
	leaseID clientv3.LeaseID
	lastRev int64

	running     atomic.Bool
	stopOnce    sync.Once
	keepaliveWg sync.WaitGroup
	watchWg     sync.WaitGroup
	stopCh      chan struct{}
}

// New wraps an already-dialed etcd client; it opens no connection of its
// own. Credentials (TLS, KMC-
// decrypted client key) are the caller's responsibility to attach via
// clientv3.Config before calling New — the generic etcd client does not
// itself know about KMC.
func New(cfg config.LeaderConfig, client *clientv3.Client) *Lock {
	return &Lock{cfg: cfg, client: client, stopCh: make(chan struct{})}
}

// RegisterCallback sets the lock-state-change callback. Must be called
// before TryLock to observe the first transition.
func (l *Lock) RegisterCallback(cb Callback) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.callback = cb
}

// IsLocked reports whether this process currently holds the lock.
func (l *Lock) IsLocked() bool { return l.locked.Load() }

// TryLock attempts to acquire the lock once, starting the keep-alive
// worker on success, then starts the watch worker regardless of outcome
// so a follower notices when the lock frees up.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	if l.locked.Load() {
		return true, nil
	}

	acquired, err := l.tryLockOnce(ctx)
	l.startWatch(ctx)
	return acquired, err
}

// tryLockOnce is TryLockOnce: acquire, flip state, and on success start
// the keep-alive worker.
func (l *Lock) tryLockOnce(ctx context.Context) (bool, error) {
	ok, err := l.acquireLockOnce(ctx)
	if err != nil {
		return false, err
	}
	l.handleLockChange(ok)
	if ok {
		l.startLeaseKeepAlive(ctx)
	}
	return ok, nil
}

// acquireLockOnce is AcquireLockOnce: grant a lease, then CAS-put the
// lock key conditioned on it not existing yet (create revision == 0).
func (l *Lock) acquireLockOnce(ctx context.Context) (bool, error) {
	if l.locked.Load() {
		return true, nil
	}

	leaseID, err := l.createLease(ctx)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.leaseID = leaseID
	l.mu.Unlock()

	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout())
	defer cancel()

	resp, err := l.client.Txn(rpcCtx).
		If(clientv3.Compare(clientv3.CreateRevision(l.cfg.LockKey), "=", 0)).
		Then(clientv3.OpPut(l.cfg.LockKey, l.cfg.ClientID, clientv3.WithLease(leaseID))).
		Else(clientv3.OpGet(l.cfg.LockKey)).
		Commit()
	if err != nil {
		return false, schedulererrors.Wrap(schedulererrors.Timeout, "acquireLockOnce: txn", err)
	}

	if !resp.Succeeded {
		l.handleLockConflict(resp)
		return false, nil
	}
	l.handleLockAcquired(resp)
	return true, nil
}

func (l *Lock) handleLockConflict(resp *clientv3.TxnResponse) {
	if len(resp.Responses) == 0 {
		return
	}
	rangeResp := resp.Responses[0].GetResponseRange()
	if rangeResp == nil || len(rangeResp.Kvs) == 0 {
		return
	}
	l.mu.Lock()
	l.lastRev = rangeResp.Kvs[0].ModRevision
	l.mu.Unlock()
}

func (l *Lock) handleLockAcquired(resp *clientv3.TxnResponse) {
	if resp.Header == nil {
		return
	}
	l.mu.Lock()
	l.lastRev = resp.Header.Revision
	l.mu.Unlock()
}

// handleLockChange flips the observed state and fires the callback only
// on an actual transition.
func (l *Lock) handleLockChange(newState bool) {
	old := l.locked.Swap(newState)
	if old == newState {
		return
	}
	l.notifyLockChange(newState)
}

func (l *Lock) notifyLockChange(locked bool) {
	l.cbMu.Lock()
	cb := l.callback
	l.cbMu.Unlock()
	if cb != nil {
		cb(locked)
	}
}

func (l *Lock) createLease(ctx context.Context) (clientv3.LeaseID, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout())
	defer cancel()
	resp, err := l.client.Grant(rpcCtx, int64(l.cfg.StaticLeaseTTLS))
	if err != nil {
		return 0, schedulererrors.Wrap(schedulererrors.Timeout, "createLease", err)
	}
	return resp.ID, nil
}

func (l *Lock) revokeLease(ctx context.Context) {
	l.mu.Lock()
	leaseID := l.leaseID
	l.leaseID = 0
	l.mu.Unlock()
	if leaseID == 0 {
		return
	}
	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout())
	defer cancel()
	_, _ = l.client.Revoke(rpcCtx, leaseID)
}

// startLeaseKeepAlive launches leaseKeepAliveWorker, guarding against a
// previous worker still winding down.
func (l *Lock) startLeaseKeepAlive(ctx context.Context) {
	l.running.Store(true)
	l.keepaliveWg.Add(1)
	go l.leaseKeepAliveWorker(ctx)
}

// leaseKeepAliveWorker is LeaseKeepAliveWorker: renews the lease every
// CalculateSleepTime(ttl) seconds; MAX_RETRY consecutive renewal
// failures end the worker and report lease loss. A stop request or a
// cancelled ctx ends it without reporting.
func (l *Lock) leaseKeepAliveWorker(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx).WithName("leaderlock")
	defer l.keepaliveWg.Done()

	retry := 0
	ttl := l.cfg.StaticLeaseTTLS
	for l.running.Load() && retry < l.maxRetry() {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		newTTL, err := l.tryRenewLease(ctx)
		if err != nil {
			retry++
			logger.Info("lease renewal failed", "retry", retry, "error", err.Error())
			select {
			case <-time.After(time.Second):
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		retry = 0
		ttl = newTTL

		select {
		case <-time.After(l.calculateSleepTime(ttl)):
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
	l.handleLeaseLost()
}

// tryRenewLease is TryRenewLease, ported to clientv3's single-shot
// KeepAliveOnce.
func (l *Lock) tryRenewLease(ctx context.Context) (int, error) {
	l.mu.Lock()
	leaseID := l.leaseID
	l.mu.Unlock()
	if leaseID == 0 {
		return 0, errors.New("no active lease")
	}

	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout())
	defer cancel()
	resp, err := l.client.KeepAliveOnce(rpcCtx, leaseID)
	if err != nil {
		return 0, schedulererrors.Wrap(schedulererrors.Timeout, "tryRenewLease", err)
	}
	if resp.ID != leaseID || resp.TTL <= 0 {
		return 0, schedulererrors.New(schedulererrors.StateError, "tryRenewLease: invalid lease response")
	}
	return int(resp.TTL), nil
}

// calculateSleepTime is CalculateSleepTime: renew at half the remaining
// TTL, never less than minInterval nor more than half the configured
// static TTL.
func (l *Lock) calculateSleepTime(ttl int) time.Duration {
	if ttl <= 0 {
		return minInterval
	}
	d := time.Duration(ttl/2) * time.Second
	if d < minInterval {
		return minInterval
	}
	maxSleep := time.Duration(l.cfg.StaticLeaseTTLS/2) * time.Second
	if d > maxSleep {
		return maxSleep
	}
	return d
}

// startWatch launches watchWorker.
func (l *Lock) startWatch(ctx context.Context) {
	l.watchWg.Add(1)
	go l.watchWorker(ctx)
}

// watchWorker is WatchWorker: polls the lock key at watchGapSeconds. If
// it vanishes, a follower tries to acquire it; a leader that still sees
// itself recorded as locked but finds the key gone has lost its lease
// and reports the loss. Retries cap at WatchMaxRetry consecutive RPC
// failures.
func (l *Lock) watchWorker(ctx context.Context) {
	logger := logr.FromContextOrDiscard(ctx).WithName("leaderlock")
	defer l.watchWg.Done()

	retry := 0
	for retry < l.watchMaxRetry() {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		present, err := l.lockKeyPresent(ctx)
		if err != nil {
			retry++
			logger.Info("watch poll failed", "retry", retry, "error", err.Error())
			if !l.sleepOrStop(watchGapSeconds) {
				return
			}
			continue
		}
		retry = 0

		switch {
		case present:
			// Leader (or someone) is alive; nothing to do.
		case l.locked.Load():
			logger.Info("lock vanished while holding it, lease lost")
			l.notifyLockChange(false)
			l.locked.Store(false)
		default:
			acquired, err := l.tryLockOnce(ctx)
			if err != nil {
				logger.Info("follower reacquire attempt failed", "error", err.Error())
			} else {
				logger.Info("follower reacquire attempt", "acquired", acquired)
			}
		}

		if !l.sleepOrStop(watchGapSeconds) {
			return
		}
	}
	logger.Info("watch worker exiting after max retries")
}

func (l *Lock) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-l.stopCh:
		return false
	}
}

func (l *Lock) lockKeyPresent(ctx context.Context) (bool, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout())
	defer cancel()
	resp, err := l.client.Get(rpcCtx, l.cfg.LockKey, clientv3.WithLimit(1))
	if err != nil {
		return false, schedulererrors.Wrap(schedulererrors.Timeout, "lockKeyPresent", err)
	}
	return len(resp.Kvs) > 0, nil
}

func (l *Lock) handleLeaseLost() {
	if l.locked.Swap(false) {
		l.notifyLockChange(false)
	}
}

// SafePut is a mod-revision CAS primitive for values the leader derives
// (e.g. the cluster-wide (pRate, dRate) hint): it reads the key's
// current mod revision, then conditions the put on it being unchanged.
func (l *Lock) SafePut(ctx context.Context, key, value string) error {
	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout())
	defer cancel()

	getResp, err := l.client.Get(rpcCtx, key)
	if err != nil {
		return schedulererrors.Wrap(schedulererrors.Timeout, "SafePut: get", err)
	}
	var expectedRev int64
	if len(getResp.Kvs) > 0 {
		expectedRev = getResp.Kvs[0].ModRevision
	}

	txnResp, err := l.client.Txn(rpcCtx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectedRev)).
		Then(clientv3.OpPut(key, value)).
		Commit()
	if err != nil {
		return schedulererrors.Wrap(schedulererrors.Timeout, "SafePut: txn", err)
	}
	if !txnResp.Succeeded {
		return schedulererrors.New(schedulererrors.StateError, "SafePut: concurrent modification")
	}
	return nil
}

// Unlock releases the lock if held, revoking its lease.
func (l *Lock) Unlock(ctx context.Context) {
	if l.locked.Swap(false) {
		l.revokeLease(ctx)
	}
}

// Stop is Stop/~EtcdDistributedLock: idempotent teardown of both
// workers, revoking the lease if still held. Safe to call multiple
// times or defer unconditionally.
func (l *Lock) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
		l.keepaliveWg.Wait()
		l.watchWg.Wait()
		if l.locked.Load() {
			l.revokeLease(ctx)
		}
	})
}

func (l *Lock) rpcTimeout() time.Duration {
	if l.cfg.StaticRPCTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(l.cfg.StaticRPCTimeoutS) * time.Second
}

func (l *Lock) maxRetry() int {
	if l.cfg.MaxRetry <= 0 {
		return 3
	}
	return l.cfg.MaxRetry
}

func (l *Lock) watchMaxRetry() int {
	if l.cfg.WatchMaxRetry <= 0 {
		return 5
	}
	return l.cfg.WatchMaxRetry
}
