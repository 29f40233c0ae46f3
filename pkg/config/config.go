// Package config provides the configuration reading abilities for every
// scheduler surface. Current version reads configuration from environment
// variables, following the same pattern the prior single-surface PD config
// used: small typed getters, defaults baked in, structured logging of what
// was (and wasn't) found.
package config

import (
	"github.com/go-logr/logr"
)

// Reordering policy identifiers, matching the wire-level `reordering_type`
// values 1..4.
const (
	ReorderFCFS = 1
	ReorderSJF  = 2
	ReorderLJF  = 3
	ReorderMPRF = 4
)

// Select policy identifiers, matching `select_type` values 1..2.
const (
	SelectStaticAlloc = 1
	SelectLoadBalance = 2
)

// Pool policy identifiers, matching `pool_type` values.
const (
	PoolStatic = 1
)

// SchedulerConfig configures the global scheduler loop and its policies.
type SchedulerConfig struct {
	MaxScheduleCount int
	ReorderingType   int
	SelectType       int
	PoolType         int
	BlockSize        int
	TickInterval     int // milliseconds
}

// RequestConfig configures the request registry.
type RequestConfig struct {
	PullRequestTimeoutMs int
	MaxSummaryCount      int
}

// ResourceConfig configures the resource registry, including the
// MetaResource schema and dynamic rate adaptation.
type ResourceConfig struct {
	MaxResNum               int
	ResViewUpdateTimeoutMs  int
	ResLimitRate            float64
	MetaResourceNames       []string
	MetaResourceValues      []uint64
	MetaResourceWeights     []float64
	DynamicMaxResEnable     bool
	MaxDynamicResRateCount  int
	DynamicResRateUnit      float64
}

// RoleConfig configures the role manager.
type RoleConfig struct {
	TimePeriodS                     int
	IsSkipDecisionForCrossNodeMode  bool
	IsHeterogeneous                 bool
	IsAutoPDRoleSwitching           bool
	HasFlex                         bool
	FlexInstNum                     int

	// PinnedPRate/PinnedDRate are an operator-supplied (pRate, dRate):
	// when both are positive, decideNormal assigns labels directly from
	// this ratio instead of running the cost-model proportion search
	// (spec §4.8 step 4). Zero (the default) means no pin is in effect.
	PinnedPRate int
	PinnedDRate int
}

// ModelParams describes the served model's architecture, as consumed by the
// simulation cost model.
type ModelParams struct {
	HiddenSize         int
	IntermediateSize   int
	NumAttentionHeads  int
	NumHiddenLayers    int
	NumKeyValueHeads   int
	TorchDtype         string
}

// MachineParams describes the serving hardware, as consumed by the
// simulation cost model.
type MachineParams struct {
	BWGB               float64
	BWEff              float64
	BWRDMAGb           float64
	TFLOPS             float64
	TFLOPSEff          float64
	MBWTB              float64
	MBWTBEff           float64
	MEMCapacity        float64
	EtaOOM             float64
	Alpha              float64
	StaticTransferDelay float64
}

// CostModelConfig configures the Llama-family simulation cost model.
type CostModelConfig struct {
	PrefillSLOMs     float64
	DecodeSLOMs      float64
	TP               int
	PP               int
	HardwareCardNums int
	Model            ModelParams
	Machine          MachineParams
}

// LeaderConfig configures the etcd-backed leader lock.
type LeaderConfig struct {
	EtcdAddr          string
	LockKey           string
	ClientID          string
	StaticLeaseTTLS   int
	StaticRPCTimeoutS int
	MaxRetry          int
	WatchMaxRetry     int
}

// Config aggregates every scheduler surface.
type Config struct {
	logger logr.Logger

	Scheduler SchedulerConfig
	Request   RequestConfig
	Resource  ResourceConfig
	Role      RoleConfig
	CostModel CostModelConfig
	Leader    LeaderConfig
}

// NewConfig returns a Config populated with the reference defaults.
func NewConfig(logger logr.Logger) *Config {
	return &Config{
		logger: logger,
		Scheduler: SchedulerConfig{
			MaxScheduleCount: 256,
			ReorderingType:   ReorderFCFS,
			SelectType:       SelectLoadBalance,
			PoolType:         PoolStatic,
			BlockSize:        128,
			TickInterval:     100,
		},
		Request: RequestConfig{
			PullRequestTimeoutMs: 50,
			MaxSummaryCount:      1000,
		},
		Resource: ResourceConfig{
			MaxResNum:              10000,
			ResViewUpdateTimeoutMs: 50,
			ResLimitRate:           1.0,
			MetaResourceNames:      []string{"slots", "blocks"},
			MetaResourceValues:     []uint64{1, 0},
			MetaResourceWeights:    []float64{0, 0.22, 1024, 24, 6, 0, 1, 0, 1},
			DynamicMaxResEnable:    false,
			MaxDynamicResRateCount: 3,
			DynamicResRateUnit:     0.1,
		},
		Role: RoleConfig{
			TimePeriodS:                    30,
			IsSkipDecisionForCrossNodeMode: false,
			IsHeterogeneous:                false,
			IsAutoPDRoleSwitching:          true,
			HasFlex:                        false,
			FlexInstNum:                    0,
			PinnedPRate:                    0,
			PinnedDRate:                    0,
		},
		CostModel: CostModelConfig{
			PrefillSLOMs:     2000,
			DecodeSLOMs:      100,
			TP:               1,
			PP:               1,
			HardwareCardNums: 1,
		},
		Leader: LeaderConfig{
			EtcdAddr:          "127.0.0.1:2379",
			LockKey:           "/pd-role-scheduler/leader",
			StaticLeaseTTLS:   10,
			StaticRPCTimeoutS: 5,
			MaxRetry:          3,
			WatchMaxRetry:     5,
		},
	}
}

// LoadConfig overlays environment variables onto the defaults.
func (c *Config) LoadConfig() {
	c.Scheduler.MaxScheduleCount = getEnvInt("SCHED_MAX_SCHEDULE_COUNT", c.Scheduler.MaxScheduleCount, c.logger)
	c.Scheduler.ReorderingType = getEnvInt("SCHED_REORDERING_TYPE", c.Scheduler.ReorderingType, c.logger)
	c.Scheduler.SelectType = getEnvInt("SCHED_SELECT_TYPE", c.Scheduler.SelectType, c.logger)
	c.Scheduler.PoolType = getEnvInt("SCHED_POOL_TYPE", c.Scheduler.PoolType, c.logger)
	c.Scheduler.BlockSize = getEnvInt("SCHED_BLOCK_SIZE", c.Scheduler.BlockSize, c.logger)
	c.Scheduler.TickInterval = getEnvInt("SCHED_TICK_INTERVAL_MS", c.Scheduler.TickInterval, c.logger)

	c.Request.PullRequestTimeoutMs = getEnvInt("REQ_PULL_TIMEOUT_MS", c.Request.PullRequestTimeoutMs, c.logger)
	c.Request.MaxSummaryCount = getEnvInt("REQ_MAX_SUMMARY_COUNT", c.Request.MaxSummaryCount, c.logger)

	c.Resource.MaxResNum = getEnvInt("RES_MAX_RES_NUM", c.Resource.MaxResNum, c.logger)
	c.Resource.ResViewUpdateTimeoutMs = getEnvInt("RES_VIEW_UPDATE_TIMEOUT_MS", c.Resource.ResViewUpdateTimeoutMs, c.logger)
	c.Resource.ResLimitRate = getEnvFloat("RES_LIMIT_RATE", c.Resource.ResLimitRate, c.logger)
	c.Resource.DynamicMaxResEnable = getEnvBool("RES_DYNAMIC_MAX_RES_ENABLE", c.Resource.DynamicMaxResEnable, c.logger)
	c.Resource.MaxDynamicResRateCount = getEnvInt("RES_MAX_DYNAMIC_RATE_COUNT", c.Resource.MaxDynamicResRateCount, c.logger)
	c.Resource.DynamicResRateUnit = getEnvFloat("RES_DYNAMIC_RATE_UNIT", c.Resource.DynamicResRateUnit, c.logger)

	c.Role.TimePeriodS = getEnvInt("ROLE_TIME_PERIOD_S", c.Role.TimePeriodS, c.logger)
	c.Role.IsSkipDecisionForCrossNodeMode = getEnvBool("ROLE_SKIP_CROSS_NODE", c.Role.IsSkipDecisionForCrossNodeMode, c.logger)
	c.Role.IsHeterogeneous = getEnvBool("ROLE_HETEROGENEOUS", c.Role.IsHeterogeneous, c.logger)
	c.Role.IsAutoPDRoleSwitching = getEnvBool("ROLE_AUTO_PD_SWITCHING", c.Role.IsAutoPDRoleSwitching, c.logger)
	c.Role.HasFlex = getEnvBool("ROLE_HAS_FLEX", c.Role.HasFlex, c.logger)
	c.Role.FlexInstNum = getEnvInt("ROLE_FLEX_INST_NUM", c.Role.FlexInstNum, c.logger)
	c.Role.PinnedPRate = getEnvInt("ROLE_PINNED_P_RATE", c.Role.PinnedPRate, c.logger)
	c.Role.PinnedDRate = getEnvInt("ROLE_PINNED_D_RATE", c.Role.PinnedDRate, c.logger)

	c.CostModel.PrefillSLOMs = getEnvFloat("COST_PREFILL_SLO_MS", c.CostModel.PrefillSLOMs, c.logger)
	c.CostModel.DecodeSLOMs = getEnvFloat("COST_DECODE_SLO_MS", c.CostModel.DecodeSLOMs, c.logger)
	c.CostModel.TP = getEnvInt("COST_TP", c.CostModel.TP, c.logger)
	c.CostModel.PP = getEnvInt("COST_PP", c.CostModel.PP, c.logger)
	c.CostModel.HardwareCardNums = getEnvInt("COST_HARDWARE_CARD_NUMS", c.CostModel.HardwareCardNums, c.logger)

	c.Leader.EtcdAddr = getEnvString("LEADER_ETCD_ADDR", c.Leader.EtcdAddr, c.logger)
	c.Leader.LockKey = getEnvString("LEADER_LOCK_KEY", c.Leader.LockKey, c.logger)
	c.Leader.ClientID = getEnvString("LEADER_CLIENT_ID", c.Leader.ClientID, c.logger)
	c.Leader.StaticLeaseTTLS = getEnvInt("LEADER_LEASE_TTL_S", c.Leader.StaticLeaseTTLS, c.logger)
	c.Leader.StaticRPCTimeoutS = getEnvInt("LEADER_RPC_TIMEOUT_S", c.Leader.StaticRPCTimeoutS, c.logger)
	c.Leader.MaxRetry = getEnvInt("LEADER_MAX_RETRY", c.Leader.MaxRetry, c.logger)
	c.Leader.WatchMaxRetry = getEnvInt("LEADER_WATCH_MAX_RETRY", c.Leader.WatchMaxRetry, c.logger)

	c.logger.Info("configuration loaded",
		"maxScheduleCount", c.Scheduler.MaxScheduleCount,
		"reorderingType", c.Scheduler.ReorderingType,
		"selectType", c.Scheduler.SelectType)
}
