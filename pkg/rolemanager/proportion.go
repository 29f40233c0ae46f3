package rolemanager

import (
	"math"

	"github.com/llm-d/pd-role-scheduler/pkg/schedulererrors"
	"github.com/llm-d/pd-role-scheduler/pkg/simcost"
)

// Tuning constants for the flex-ratio bisection search and the
// operator-pinned-rate grid search, named after ProportionCalculator.cpp's
// CRUISES_SPACE/FLEX_*/STEP_LENGTH/CONVERGENCE_THR constants.
const (
	cruisesSpace        = 16
	flexChangeLossAlpha = 1.0
	flexXLowerBound     = 0.0
	flexXUpperBound     = 1.0
	flexInitStepSize    = (flexXUpperBound - flexXLowerBound) / 10.0
	flexStepDecay       = 0.99
	flexConvergenceThr  = 1e-8
	flexMaxIterations   = 1000
)

// Calculator ports ProportionCalculator: given the simulated per-instance
// throughput of one group, it derives how many instances should run each
// stage, remembering the previous call's ratio and throughput so repeated
// calls can damp unnecessary PD switches.
type Calculator struct {
	sim *simcost.LlamaSimulator

	ratio          GroupRatio
	ratioPrev      GroupRatio
	throughput     float64
	throughputPrev float64
}

// NewCalculator returns a Calculator driven by sim.
func NewCalculator(sim *simcost.LlamaSimulator) *Calculator {
	return &Calculator{sim: sim}
}

// CalBestRatio computes the proportion for one scheduling pass and
// remembers it as the new "previous" ratio for the next call's switch
// damping. Ability cannot be zero or negative: the cost model failed or
// the served request shape is degenerate, which the caller should treat
// as "leave the previous assignment alone".
func (c *Calculator) CalBestRatio(input Input) (GroupRatio, error) {
	ratio, err := c.abilityRatio(input.Summary)
	if err != nil {
		return c.fallbackSplit(input), err
	}

	switch input.Type {
	case PDRatio:
		ratio, err = c.calPdRatio(input, ratio)
	case PDFlexRatio:
		ratio, err = c.calPdflexRatio(input, ratio)
	default:
		return GroupRatio{}, schedulererrors.New(schedulererrors.IllegalParameter, "CalBestRatio: unknown ratio type")
	}
	if err != nil {
		return ratio, err
	}

	c.saveRatio(ratio, input.Type)
	return ratio, nil
}

// abilityRatio runs the cost model for summary and validates the result.
func (c *Calculator) abilityRatio(summary simcost.Summary) (GroupRatio, error) {
	ability := c.sim.CalAbility(summary)
	tAbility := c.sim.CalTransferAbility(summary.InputLength)

	ratio := GroupRatio{PAbility: ability.PAbility, DAbility: ability.DAbility, TAbility: tAbility}
	if ratio.PAbility <= 0 || ratio.DAbility <= 0 || ratio.TAbility <= 0 {
		return ratio, schedulererrors.New(schedulererrors.IllegalParameter, "CalBestRatio: non-positive ability")
	}
	return ratio, nil
}

// fallbackSplit is the degenerate-ability response: split the group in
// half so neither stage starves outright.
func (c *Calculator) fallbackSplit(input Input) GroupRatio {
	half := input.InstanceNum / 2
	return GroupRatio{PNum: input.InstanceNum - half, DNum: half}
}

// calPdRatio greedily grows whichever stage currently has less aggregate
// ability, one instance at a time, until the group is exhausted. This is
// CalPdRatio's bin-fill loop.
func (c *Calculator) calPdRatio(input Input, ratio GroupRatio) (GroupRatio, error) {
	var pInst, dInst uint64
	for pInst+dInst < input.InstanceNum {
		pRate := ratio.PAbility * float64(pInst)
		dRate := ratio.DAbility * float64(dInst)
		if pRate <= dRate {
			pInst++
		} else {
			dInst++
		}
	}
	ratio.PNum = pInst
	ratio.DNum = dInst
	ratio.PDRatio = ratio.DAbility / ratio.PAbility
	return ratio, nil
}

// calPdflexRatio is CalPdflexRatio: it picks the flex split via
// calPdflexNum, then — unless this is the group's first decision —
// checks whether the new split is actually worth switching away from the
// previous one, damping flapping between near-equal ratios.
func (c *Calculator) calPdflexRatio(input Input, ratio GroupRatio) (GroupRatio, error) {
	ratio.FlexNum = input.FlexInstNum
	best, err := c.calPdflexNum(input.InstanceNum, input.FlexInstNum, ratio)
	if err != nil {
		return best, err
	}

	if !input.IsFirst && !c.judgeNeedPdSwitch(best) {
		best.PNum = c.ratio.PNum
		best.DNum = c.ratio.DNum
		c.calFlexPRatioX(&best)
	}
	return best, nil
}

// calPdflexNum is CalPdflexNum: it tries both the floor and ceiling
// split of instanceNum proportional to each stage's effective (transfer-
// capped) throughput share, optimizes the flex instances' split fraction
// for each, and keeps whichever achieves the higher bottleneck
// throughput.
func (c *Calculator) calPdflexNum(instanceNum, flexNum uint64, ratio GroupRatio) (GroupRatio, error) {
	pOutput := math.Min(ratio.PAbility, ratio.TAbility)
	dOutput := math.Min(ratio.DAbility, ratio.TAbility)
	sumAbility := pOutput + dOutput
	if sumAbility <= 0 {
		return ratio, schedulererrors.New(schedulererrors.StatisticalError, "calPdflexNum: zero combined ability")
	}

	pShare := float64(instanceNum) * dOutput / sumAbility

	down := ratio
	down.FlexNum = flexNum
	down.PNum = uint64(math.Floor(pShare))
	tDown := c.fitFlexSplit(&down, instanceNum, flexNum)

	up := ratio
	up.FlexNum = flexNum
	up.PNum = uint64(math.Ceil(pShare))
	tUp := c.fitFlexSplit(&up, instanceNum, flexNum)

	if tDown >= tUp {
		return down, nil
	}
	return up, nil
}

// fitFlexSplit fills in DNum as what remains of instanceNum after PNum
// and the flex instances, and runs calFlexPRatioX, returning the
// resulting bottleneck throughput, or 0 if PNum plus flexNum already
// exceeds instanceNum.
func (c *Calculator) fitFlexSplit(ratio *GroupRatio, instanceNum, flexNum uint64) float64 {
	if ratio.PNum+flexNum > instanceNum {
		ratio.DNum = 0
		ratio.FlexPRatio = 0
		return 0
	}
	ratio.DNum = instanceNum - ratio.PNum - flexNum
	return c.calFlexPRatioX(ratio)
}

// calFlexPRatioX is CalFlexPRatioX: a decreasing-step bisection search
// over x in [0,1], the fraction of a flex instance's ability devoted to
// prefill, that balances prefill and decode throughput as closely as
// possible. It writes the chosen x into ratio.FlexPRatio (raised to 0.5
// when PNum is 0, lowered to 0.5 when DNum is 0) and returns the
// achieved min(prefill throughput, decode throughput) at the searched x.
func (c *Calculator) calFlexPRatioX(ratio *GroupRatio) float64 {
	pNum, dNum := float64(ratio.PNum), float64(ratio.DNum)
	pAbility, dAbility, tAbility := ratio.PAbility, ratio.DAbility, ratio.TAbility

	x := 0.5
	step := flexInitStepSize
	var pThroughput, dThroughput float64
	for i := 0; i < flexMaxIterations; i++ {
		pThroughput = pNum*math.Min(pAbility, tAbility) + flexChangeLossAlpha*float64(ratio.FlexNum)*math.Min(x*pAbility, tAbility)
		dThroughput = dNum*math.Min(dAbility, tAbility) + flexChangeLossAlpha*float64(ratio.FlexNum)*math.Min((1.0-x)*dAbility, tAbility)

		if math.Abs(pThroughput-dThroughput) < flexConvergenceThr {
			break
		}
		if pThroughput > dThroughput {
			x -= step
		} else {
			x += step
		}
		x = clampFloat(x, flexXLowerBound, flexXUpperBound)
		step *= flexStepDecay
	}

	ratio.FlexPRatio = x
	if ratio.PNum == 0 && ratio.FlexPRatio < 0.5 {
		ratio.FlexPRatio = 0.5
	}
	if ratio.DNum == 0 && ratio.FlexPRatio > 0.5 {
		ratio.FlexPRatio = 0.5
	}
	return math.Min(pThroughput, dThroughput)
}

// judgeNeedPdSwitch is JudgeNeedPdSwtichUseThrput: compares the candidate
// ratio against the previous one only along the dimension that changed
// (PNum shrank, or DNum shrank), and allows the switch only if it
// actually improves the bottleneck throughput.
func (c *Calculator) judgeNeedPdSwitch(ratio GroupRatio) bool {
	switch {
	case ratio.PNum < c.ratio.PNum:
		probe := ratio
		probe.DNum = c.ratio.DNum
		pT, dT := c.calPdflexThroughput(probe)
		return pT > dT
	case ratio.DNum < c.ratio.DNum:
		probe := ratio
		probe.PNum = c.ratio.PNum
		pT, dT := c.calPdflexThroughput(probe)
		return dT > pT
	default:
		return false
	}
}

// calPdflexThroughput evaluates the prefill/decode throughput a ratio
// would achieve without re-optimizing FlexPRatio, using its already-set
// value.
func (c *Calculator) calPdflexThroughput(ratio GroupRatio) (pThroughput, dThroughput float64) {
	pAbility := math.Min(ratio.PAbility, ratio.TAbility)
	dAbility := math.Min(ratio.DAbility, ratio.TAbility)
	pThroughput = pAbility*float64(ratio.PNum) + flexChangeLossAlpha*float64(ratio.FlexNum)*pAbility*ratio.FlexPRatio
	dThroughput = dAbility*float64(ratio.DNum) + flexChangeLossAlpha*float64(ratio.FlexNum)*dAbility*(1.0-ratio.FlexPRatio)
	return pThroughput, dThroughput
}

// saveRatio is SaveRatio: it rolls ratio/throughput into "previous"
// before recording the new values, so the next call's switch damping
// compares against what was actually assigned last time.
func (c *Calculator) saveRatio(ratio GroupRatio, ratioType RatioType) {
	c.ratioPrev = c.ratio
	c.ratio = ratio

	if ratioType == PDFlexRatio {
		pT, dT := c.calPdflexThroughput(ratio)
		c.throughputPrev = c.throughput
		c.throughput = math.Min(pT, dT)
	}
}

// CalDefiniteRatio is AssignRoleByDefiniteRatio/InitBestRatioWithExternInput:
// when an operator has pinned a (pRate, dRate), the group's P/D split is
// taken directly from that ratio instead of the cost-model search. flexNum
// instances are reserved first (capped at instanceNum); the remainder is
// split proportionally to pRate:dRate, trying both the floor and ceiling
// candidate for PNum and keeping whichever balances
// PNum*dRate against DNum*pRate most closely — the same bestLoss
// tie-break ClusterExpectPdRatio uses to pick an integer ratio. It does
// not consult or update the calculator's cost-model switch-damping state;
// an operator pin always takes immediate effect.
func (c *Calculator) CalDefiniteRatio(instanceNum, flexNum, pRate, dRate uint64) GroupRatio {
	if flexNum > instanceNum {
		flexNum = instanceNum
	}
	nonFlex := instanceNum - flexNum

	ratio := GroupRatio{FlexNum: flexNum}
	if pRate == 0 || dRate == 0 || nonFlex == 0 {
		ratio.PNum = nonFlex
		ratio.FlexPRatio = 0.5
		return ratio
	}

	share := float64(nonFlex) * float64(pRate) / float64(pRate+dRate)

	downP := uint64(math.Floor(share))
	upP := uint64(math.Ceil(share))
	if upP > nonFlex {
		upP = nonFlex
	}

	ratio.PNum, ratio.DNum = downP, nonFlex-downP
	if definiteRatioLoss(upP, nonFlex-upP, pRate, dRate) < definiteRatioLoss(downP, nonFlex-downP, pRate, dRate) {
		ratio.PNum, ratio.DNum = upP, nonFlex-upP
	}

	ratio.FlexPRatio = float64(pRate) / float64(pRate+dRate)
	if flexNum == 0 {
		ratio.FlexPRatio = 0
	}
	return ratio
}

// definiteRatioLoss is how closely a (pNum, dNum) split matches the
// pinned (pRate, dRate) ratio: zero when pNum*dRate == dNum*pRate.
func definiteRatioLoss(pNum, dNum, pRate, dRate uint64) float64 {
	return math.Abs(float64(pNum)*float64(dRate) - float64(dNum)*float64(pRate))
}

// ClusterExpectRatio derives an initial small-integer (pRate, dRate)
// operator hint from one request summary, for use at startup before any
// group has been assigned a ratio. It is ClusterExpectRatio/
// ClusterExpectPdRatio: both RatioType variants resolve to the same
// integer-grid search over the reference's CRUISES_SPACE.
func (c *Calculator) ClusterExpectRatio(input Input) (pRate, dRate uint64, err error) {
	ratio, err := c.abilityRatio(input.Summary)
	if err != nil {
		return 1, 1, err
	}
	pRate, dRate = clusterExpectPdRatio(ratio.PAbility, ratio.DAbility)
	return pRate, dRate, nil
}

// clusterExpectPdRatio searches prefill/decode instance counts up to
// cruisesSpace for the pair whose abilities balance most closely,
// mirroring ClusterExpectPdRatio's nested loop.
func clusterExpectPdRatio(pAbility, dAbility float64) (pRate, dRate uint64) {
	bestLoss := math.Inf(1)
	pRate, dRate = 1, 1
	for prefill := uint64(1); prefill < cruisesSpace; prefill++ {
		maxDecode := cruisesSpace - prefill
		for decode := uint64(1); decode <= maxDecode; decode++ {
			loss := math.Abs(float64(prefill)*pAbility - float64(decode)*dAbility)
			if loss < bestLoss {
				bestLoss = loss
				pRate, dRate = prefill, decode
			}
		}
	}
	return pRate, dRate
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
