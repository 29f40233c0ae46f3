// Package simcost implements the Llama-family simulation cost model from
// spec §4.8/§4.9: given a model/hardware description and a rolling
// (inputLen, outputLen) request summary, it estimates the per-instance
// prefill throughput (pAbility), decode throughput (dAbility), and KV
// transfer throughput (tAbility) the Proportion Calculator searches over.
//
// Grounded on original_source's LlamaSimulator: a per-stage max batch size
// derived from an SLO budget and a memory ceiling, then compute + memory
// + communication latency summed per stage.
package simcost

import (
	"math"

	"github.com/llm-d/pd-role-scheduler/pkg/config"
)

const (
	timeChangeMsPerS = 1000
	memChangeKiB     = 1024
	tflopsToFlops    = 1e12
	gbToGbit         = 8.0
	maxTokenNum      = 128
	maxBatchSize     = 100000
	twoMatrices      = 2.0
	threeMatrices    = 3.0
	coefficient      = 2.0
)

var byteSizeByDtype = map[string]float64{
	"float16":  2,
	"bfloat16": 2,
}

// Ability is the triple the Proportion Calculator consumes: requests/s at
// SLO for prefill, tokens*req/s at SLO for decode, and transfer
// throughput for the current input length.
type Ability struct {
	PAbility float64
	DAbility float64
	TAbility float64
}

// Summary is the rolling (inputLen, outputLen) mean the role manager reads
// from the request profiler.
type Summary struct {
	InputLength  float64
	OutputLength float64
}

// LlamaSimulator evaluates CalAbility/CalTransferAbility for one
// (model, hardware) configuration, matching original_source's
// LlamaSimulator::CalAbility / CalTransferTime.
type LlamaSimulator struct {
	prefillSLOMs     float64
	decodeSLOMs      float64
	tensorParallel   float64
	pipeParallel     float64
	hardwareCardNums float64

	numHiddenLayers   float64
	hiddenSize        float64
	numAttentionHeads float64
	numKeyValueHeads  float64
	intermediateSize  float64
	byteSize          float64

	bandwidthGB         float64
	bandwidthEff        float64
	bandwidthRDMAGb     float64
	tFlops              float64
	tFlopsEff           float64
	mBandwidthTB        float64
	mBandwidthEff       float64
	memCapacity         float64
	etaOOM              float64
	alpha               float64
	staticTransferDelay float64

	seqInput  float64
	seqOutput float64
}

// New builds a LlamaSimulator from the cost-model configuration surface.
func New(cfg config.CostModelConfig) *LlamaSimulator {
	byteSize, ok := byteSizeByDtype[cfg.Model.TorchDtype]
	if !ok {
		byteSize = byteSizeByDtype["float16"]
	}
	return &LlamaSimulator{
		prefillSLOMs:     cfg.PrefillSLOMs,
		decodeSLOMs:      cfg.DecodeSLOMs,
		tensorParallel:   float64(cfg.TP),
		pipeParallel:     float64(cfg.PP),
		hardwareCardNums: float64(cfg.HardwareCardNums),

		numHiddenLayers:   float64(cfg.Model.NumHiddenLayers),
		hiddenSize:        float64(cfg.Model.HiddenSize),
		numAttentionHeads: float64(cfg.Model.NumAttentionHeads),
		numKeyValueHeads:  float64(cfg.Model.NumKeyValueHeads),
		intermediateSize:  float64(cfg.Model.IntermediateSize),
		byteSize:          byteSize,

		bandwidthGB:         cfg.Machine.BWGB,
		bandwidthEff:        cfg.Machine.BWEff,
		bandwidthRDMAGb:     cfg.Machine.BWRDMAGb,
		tFlops:              cfg.Machine.TFLOPS,
		tFlopsEff:           cfg.Machine.TFLOPSEff,
		mBandwidthTB:        cfg.Machine.MBWTB,
		mBandwidthEff:       cfg.Machine.MBWTBEff,
		memCapacity:         cfg.Machine.MEMCapacity,
		etaOOM:              cfg.Machine.EtaOOM,
		alpha:               cfg.Machine.Alpha,
		staticTransferDelay: cfg.Machine.StaticTransferDelay,
	}
}

func isZero(v float64) bool { return math.Abs(v) < 1e-12 }

// CalAbility computes pAbility/dAbility for summary, following
// LlamaSimulator::CalAbility: the max batch size each stage can run within
// its SLO, divided by the realized latency at that batch size.
func (s *LlamaSimulator) CalAbility(summary Summary) Ability {
	s.seqInput = summary.InputLength
	s.seqOutput = summary.OutputLength

	prefillBatch := s.calBatchSize(false)
	decodeBatch := s.calBatchSize(true)
	prefillTime := s.calTime(prefillBatch, false)
	decodeTime := s.calTime(decodeBatch, true)

	if isZero(prefillTime) || isZero(decodeTime) || summary.OutputLength == 0 {
		return Ability{}
	}

	return Ability{
		PAbility: float64(prefillBatch) / prefillTime * timeChangeMsPerS,
		DAbility: float64(decodeBatch) / decodeTime / summary.OutputLength * timeChangeMsPerS,
	}
}

// CalTransferAbility is the reciprocal of CalTransferTime for the given
// input token length, i.e. transfers/s for a prefill->decode handoff of
// that length.
func (s *LlamaSimulator) CalTransferAbility(tokenLength float64) float64 {
	t := s.CalTransferTime(tokenLength)
	if isZero(t) {
		return 0
	}
	return 1.0 / (t / timeChangeMsPerS)
}

// CalTransferTime estimates the KV-cache transfer latency (ms) for moving
// tokenLength tokens' worth of KV cache from a prefill to a decode
// instance over RDMA, following LlamaSimulator::CalTransferTime.
func (s *LlamaSimulator) CalTransferTime(tokenLength float64) float64 {
	memRDMAGB := s.bandwidthRDMAGb * s.bandwidthEff / gbToGbit
	staticDelay := s.staticTransferDelay * timeChangeMsPerS
	if s.tensorParallel == 0 || s.pipeParallel == 0 || isZero(s.numAttentionHeads) || isZero(memRDMAGB) {
		return 0
	}

	transferTime := coefficient * s.numHiddenLayers * tokenLength * s.byteSize * s.hiddenSize *
		s.numKeyValueHeads / s.numAttentionHeads / memRDMAGB / s.tensorParallel / s.pipeParallel *
		timeChangeMsPerS / memChangeKiB / memChangeKiB / memChangeKiB
	staticComponent := coefficient * staticDelay * s.numHiddenLayers * tokenLength / maxTokenNum
	return transferTime + staticComponent
}

func (s *LlamaSimulator) calComputeLatency(batchSize float64, isDecode bool) float64 {
	if isZero(s.numAttentionHeads) {
		return 0
	}
	size := s.seqInput
	allTokens := s.seqInput
	if isDecode {
		size = batchSize
		allTokens = s.seqInput + s.seqOutput
	}
	attention := twoMatrices*s.hiddenSize*s.hiddenSize*s.numHiddenLayers*size +
		twoMatrices*s.hiddenSize*s.hiddenSize*s.numHiddenLayers*s.numKeyValueHeads/s.numAttentionHeads*size +
		coefficient*s.hiddenSize*s.numHiddenLayers*size*allTokens
	ffn := twoMatrices * s.hiddenSize * s.intermediateSize * s.numHiddenLayers * size
	calPower := s.tFlops * s.tFlopsEff
	if s.tensorParallel == 0 || s.pipeParallel == 0 || isZero(calPower) {
		return 0
	}
	return coefficient * (attention + ffn) / s.tensorParallel / s.pipeParallel / (calPower * tflopsToFlops) * timeChangeMsPerS
}

func (s *LlamaSimulator) calFetchLatency(batchSize float64, isDecode bool) float64 {
	if isZero(s.numAttentionHeads) {
		return 0
	}
	attention := twoMatrices*s.hiddenSize*s.hiddenSize*s.numHiddenLayers +
		twoMatrices*s.hiddenSize*s.hiddenSize*s.numHiddenLayers*s.numKeyValueHeads/s.numAttentionHeads
	ffn := twoMatrices * s.hiddenSize * s.intermediateSize * s.numHiddenLayers
	fetchBandwidth := s.mBandwidthTB * s.mBandwidthEff
	if s.tensorParallel == 0 || s.pipeParallel == 0 || isZero(fetchBandwidth) {
		return 0
	}
	var kvCache float64
	if isDecode {
		allTokenLength := s.seqInput*batchSize + s.seqOutput*batchSize
		kvCache = twoMatrices * allTokenLength * s.hiddenSize * s.numHiddenLayers * s.numKeyValueHeads / s.numAttentionHeads
	}
	return s.byteSize * (attention + ffn + kvCache) / s.tensorParallel / s.pipeParallel /
		(fetchBandwidth * memChangeKiB * memChangeKiB * memChangeKiB * memChangeKiB) * timeChangeMsPerS
}

func (s *LlamaSimulator) calCommunicateLatency(batchSize float64, isDecode bool) float64 {
	commBandwidth := s.bandwidthEff * s.bandwidthGB
	commRDMABandwidth := s.bandwidthEff * s.bandwidthRDMAGb
	if s.hardwareCardNums == 0 || isZero(commRDMABandwidth) || isZero(commBandwidth) {
		return 0
	}

	var tpInter, tpInterStatic float64
	hostNum := math.Ceil(s.tensorParallel / s.hardwareCardNums)
	if hostNum > 0 {
		tpInter = coefficient * (hostNum - 1) * twoMatrices * s.byteSize * s.hiddenSize *
			s.numHiddenLayers / hostNum / (commRDMABandwidth / gbToGbit * memChangeKiB * memChangeKiB * memChangeKiB)
		tpInterStatic = twoMatrices * s.byteSize * (hostNum - 1) * s.alpha * s.numHiddenLayers / timeChangeMsPerS
	}

	size := s.seqInput
	if isDecode {
		size = 1
	}
	tpIntra := twoMatrices * s.byteSize * size * s.hiddenSize * s.numHiddenLayers /
		(commBandwidth * memChangeKiB * memChangeKiB * memChangeKiB) * timeChangeMsPerS
	tpIntraStatic := twoMatrices * twoMatrices * s.alpha * s.numHiddenLayers / timeChangeMsPerS

	var ppIntra, ppStatic float64
	if s.pipeParallel > 0 {
		ppIntra = (s.pipeParallel - 1) * size * s.hiddenSize * s.byteSize /
			(commRDMABandwidth / gbToGbit * memChangeKiB * memChangeKiB * memChangeKiB) * timeChangeMsPerS
		ppStatic = (s.pipeParallel - 1) * s.alpha / timeChangeMsPerS
	}

	comm := tpInter + tpIntra + ppIntra
	commStatic := tpInterStatic + tpIntraStatic + ppStatic
	return batchSize*comm + commStatic
}

func (s *LlamaSimulator) calTime(batchSize float64, isDecode bool) float64 {
	var batchCompute float64
	if isDecode {
		batchCompute = s.calComputeLatency(batchSize, true)
	} else {
		batchCompute = batchSize * s.calComputeLatency(batchSize, false)
	}
	return batchCompute + s.calFetchLatency(batchSize, isDecode) + s.calCommunicateLatency(batchSize, isDecode)
}

func (s *LlamaSimulator) calBatchSize(isDecode bool) float64 {
	batchSize := 1.0
	sloMs := s.prefillSLOMs
	if isDecode {
		sloMs = s.decodeSLOMs
	}
	for batchSize < maxBatchSize && sloMs >= s.calTime(batchSize+1, isDecode) {
		batchSize++
	}

	limitForOOM := s.memCapacity * s.etaOOM
	for limitForOOM <= s.calMemUsage(batchSize, isDecode) {
		if batchSize == 1 {
			break
		}
		batchSize--
	}
	return batchSize
}

func (s *LlamaSimulator) calModelWeightMem() float64 {
	if s.tensorParallel == 0 || s.pipeParallel == 0 || isZero(s.numAttentionHeads) {
		return 0
	}
	attention := s.byteSize * (twoMatrices*s.numHiddenLayers*s.hiddenSize*s.hiddenSize +
		twoMatrices*s.numHiddenLayers*s.hiddenSize*s.hiddenSize*s.numKeyValueHeads/s.numAttentionHeads)
	ffn := s.byteSize * threeMatrices * s.hiddenSize * s.intermediateSize * s.numHiddenLayers
	return (attention + ffn) / s.tensorParallel / s.pipeParallel / memChangeKiB / memChangeKiB / memChangeKiB
}

func (s *LlamaSimulator) calPerTokenMem() float64 {
	if s.tensorParallel == 0 || s.pipeParallel == 0 || isZero(s.numAttentionHeads) {
		return 0
	}
	return coefficient * s.byteSize * s.hiddenSize * s.numHiddenLayers * s.numKeyValueHeads / s.numAttentionHeads /
		s.tensorParallel / s.pipeParallel / memChangeKiB / memChangeKiB
}

func (s *LlamaSimulator) calMemUsage(batchSize float64, isDecode bool) float64 {
	modelMem := s.calModelWeightMem()
	perTokenMem := s.calPerTokenMem() / memChangeKiB
	tokenLength := batchSize * s.seqInput
	if isDecode {
		tokenLength += batchSize * s.seqOutput
	}
	return modelMem + perTokenMem*tokenLength
}
