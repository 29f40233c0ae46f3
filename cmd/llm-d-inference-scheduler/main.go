// Package main wires the resource registry, request registry, role
// manager, leader lock, and global scheduler loop into one running
// process. The wire-level transport that feeds instance telemetry and
// request arrivals in, and carries role-change notifications and
// per-request allocations back out, is an external collaborator's
// concern (spec.md's Non-goals) — this binary exposes the Go surface a
// future gRPC/HTTP layer calls into and logs at the boundary in its
// place.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
	"github.com/llm-d/pd-role-scheduler/pkg/leaderlock"
	"github.com/llm-d/pd-role-scheduler/pkg/metaresource"
	"github.com/llm-d/pd-role-scheduler/pkg/request"
	"github.com/llm-d/pd-role-scheduler/pkg/resource"
	"github.com/llm-d/pd-role-scheduler/pkg/rolemanager"
	"github.com/llm-d/pd-role-scheduler/pkg/scheduling"
	"github.com/llm-d/pd-role-scheduler/pkg/simcost"
)

func main() {
	zlog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zlog.Sync() }()
	logger := zapr.NewLogger(zlog).WithName("pd-role-scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, logger)

	cfg := config.NewConfig(logger)
	cfg.LoadConfig()

	schema := metaresource.Attrs{
		Names:   cfg.Resource.MetaResourceNames,
		Values:  cfg.Resource.MetaResourceValues,
		Weights: cfg.Resource.MetaResourceWeights,
	}

	resReg := resource.NewRegistry(resource.Config{
		MetaSchema:             schema,
		ResLimitRate:           cfg.Resource.ResLimitRate,
		ResViewUpdateTimeout:   time.Duration(cfg.Resource.ResViewUpdateTimeoutMs) * time.Millisecond,
		DynamicMaxResEnable:    cfg.Resource.DynamicMaxResEnable,
		MaxDynamicResRateCount: cfg.Resource.MaxDynamicResRateCount,
		DynamicResRateUnit:     cfg.Resource.DynamicResRateUnit,
	})

	reqReg := request.NewRegistry(
		time.Duration(cfg.Request.PullRequestTimeoutMs)*time.Millisecond,
		cfg.Request.MaxSummaryCount,
		releaseFunc(resReg, logger),
	)
	defer reqReg.Close()

	sim := simcost.New(cfg.CostModel)

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.Leader.EtcdAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error(err, "failed to dial etcd, leader election disabled")
	}

	var lock *leaderlock.Lock
	if etcdClient != nil {
		lock = leaderlock.New(cfg.Leader, etcdClient)
		lock.RegisterCallback(func(locked bool) {
			logger.Info("leadership changed", "locked", locked)
		})
		defer lock.Stop(ctx)
		if _, err := lock.TryLock(ctx); err != nil {
			logger.Error(err, "initial leader lock attempt failed")
		}
	}

	roleMgr := rolemanager.New(cfg.Role, sim, rosterCollector(resReg, reqReg), roleNotifier(resReg, logger))

	sched := scheduling.New(scheduling.Config{
		MaxScheduleCount: cfg.Scheduler.MaxScheduleCount,
		BlockSize:        cfg.Scheduler.BlockSize,
		TickInterval:     time.Duration(cfg.Scheduler.TickInterval) * time.Millisecond,
		ReorderingType:   cfg.Scheduler.ReorderingType,
		SelectType:       cfg.Scheduler.SelectType,
		PoolType:         cfg.Scheduler.PoolType,
		MetaSchema:       schema,
	}, reqReg, resReg, allocationNotifier(logger))

	go roleMgr.Run(ctx)
	sched.Run(ctx)

	logger.Info("shutting down")
}

// releaseFunc returns an instance's prefill or decode demand share to the
// live resource registry, invoked by the request registry's ProcessRelease
// at most once per stage per request.
func releaseFunc(resReg *resource.Registry, logger logr.Logger) request.ReleaseFunc {
	return func(ctx context.Context, info *request.ScheduleInfo, stage request.Stage) {
		id := info.PrefillInst
		if stage == request.StageDecode {
			id = info.DecodeInst
		}
		inst, ok := resReg.Get(id)
		if !ok {
			logger.Info("release: instance no longer registered", "id", id)
			return
		}
		inst.Lock()
		defer inst.Unlock()
		if stage == request.StagePrefill {
			inst.Schedule.PrefillDemands.DecResource(info.Demand)
		} else {
			inst.Schedule.DecodeDemands.DecResource(info.Demand)
		}
	}
}

// rosterCollector adapts the live resource and request registries to the
// role manager's Collector interface.
func rosterCollector(resReg *resource.Registry, reqReg *request.Registry) rolemanager.Collector {
	return rolemanager.CollectorFunc(func(ctx context.Context) ([]rolemanager.InstanceInfo, simcost.Summary, error) {
		roster := resReg.Roster(ctx)
		infos := make([]rolemanager.InstanceInfo, 0, len(roster))
		for _, r := range roster {
			infos = append(infos, rolemanager.InstanceInfo{
				ID:              r.ID,
				GroupID:         r.GroupID,
				HardwareType:    r.HardwareType,
				Label:           string(r.Label),
				Role:            string(r.Role),
				AllocatedSlots:  r.AllocatedSlots,
				AllocatedBlocks: r.AllocatedBlocks,
				Closed:          r.Closed,
			})
		}

		mean := reqReg.Profiler().Mean()
		summary := simcost.Summary{InputLength: mean.InputLength, OutputLength: mean.OutputLength}
		return infos, summary, nil
	})
}

// roleNotifier commits the role manager's decisions back to the resource
// registry. A future transport layer also forwards these to the instances
// themselves; that wire hop is out of scope here.
func roleNotifier(resReg *resource.Registry, logger logr.Logger) rolemanager.Notifier {
	return func(ctx context.Context, decisions []rolemanager.Decision) error {
		for _, d := range decisions {
			if err := resReg.AssignRole(ctx, d.ID, resource.Role(d.Role)); err != nil {
				logger.Error(err, "failed to commit role decision", "id", d.ID, "role", d.Role)
			}
		}
		return nil
	}
}

// allocationNotifier is the scheduler's external allocation callback stand-
// in: logs the decision at the boundary a future transport layer occupies.
func allocationNotifier(logger logr.Logger) scheduling.Notifier {
	return func(ctx context.Context, info *request.ScheduleInfo) error {
		logger.V(1).Info("request scheduled",
			"groupId", info.GroupID,
			"prefillInst", info.PrefillInst,
			"decodeInst", info.DecodeInst)
		return nil
	}
}
