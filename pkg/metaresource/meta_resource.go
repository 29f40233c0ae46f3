// Package metaresource implements the fixed-length resource-capacity vector
// shared by every instance and request demand in the scheduler: a small,
// ordered set of unsigned counters (slots, blocks, ...) with component-wise
// comparison, saturation-checked arithmetic, and the compute-aware load
// score used by the decode select policy.
package metaresource

import (
	"math"
	"sort"
)

// Default attribute names and starting values, matching the reference
// scheduler's defaults: one concurrent-request slot, zero KV blocks.
var (
	defaultAttrNames  = []string{"slots", "blocks"}
	defaultAttrValues = []uint64{1, 0}
)

// Weight vector indices. The first 7 entries are fixed-purpose (A, unused,
// O, N, K, M, R); entries from index 7 on pair one-to-one with the attribute
// at the same offset (weight[7+i] is the coefficient for attribute i).
const (
	weightA = 0
	weightO = 2
	weightN = 3
	weightK = 4
	weightM = 5
	weightR = 6
	// specWeightsOffset is where per-attribute coefficients begin.
	specWeightsOffset = 7
)

// DefaultWeights mirrors the reference scheduler's default weight vector:
// A, unused, O, N, K, M, R, then one coefficient per default attribute.
var DefaultWeights = []float64{0, 0.22, 1024, 24, 6, 0, 1, 0, 1}

// Attrs is the process-wide attribute schema (name + default value) shared
// by every MetaResource created without an explicit vector. It plays the
// role the reference implementation gives its process-wide statics, but is
// held as an explicit value passed around at construction time rather than
// mutated globally after startup (see DESIGN.md).
type Attrs struct {
	Names   []string
	Values  []uint64
	Weights []float64
}

// DefaultAttrs returns the scheduler's built-in two-attribute schema.
func DefaultAttrs() Attrs {
	names := append([]string(nil), defaultAttrNames...)
	values := append([]uint64(nil), defaultAttrValues...)
	weights := append([]float64(nil), DefaultWeights...)
	return Attrs{Names: names, Values: values, Weights: weights}
}

// MetaResource is a fixed-length vector of unsigned counters plus the
// multiset of per-sequence token lengths ("compute attributes") currently
// contributing to the owning instance's load score.
type MetaResource struct {
	schema     Attrs
	attributes []uint64
	// compute holds per-request sequence lengths, duplicates included,
	// the way a C++ std::multiset would.
	compute []uint64
}

// New creates a MetaResource from the given schema, zero-valued.
func New(schema Attrs) *MetaResource {
	return &MetaResource{
		schema:     schema,
		attributes: make([]uint64, len(schema.Values)),
	}
}

// NewWithDefault creates a MetaResource under schema with every
// attribute set to defaultValue.
func NewWithDefault(schema Attrs, defaultValue uint64) *MetaResource {
	attrs := make([]uint64, len(schema.Values))
	for i := range attrs {
		attrs[i] = defaultValue
	}
	return &MetaResource{schema: schema, attributes: attrs}
}

// FromValues builds a MetaResource from an explicit attribute vector.
func FromValues(schema Attrs, values []uint64) *MetaResource {
	return &MetaResource{schema: schema, attributes: append([]uint64(nil), values...)}
}

// Clone returns an independent copy.
func (m *MetaResource) Clone() *MetaResource {
	return &MetaResource{
		schema:     m.schema,
		attributes: append([]uint64(nil), m.attributes...),
		compute:    append([]uint64(nil), m.compute...),
	}
}

// Size returns the number of tracked attributes.
func (m *MetaResource) Size() int { return len(m.attributes) }

// At returns the value of attribute idx.
func (m *MetaResource) At(idx int) uint64 { return m.attributes[idx] }

// Slots returns attribute 0 ("slots" under the default schema).
func (m *MetaResource) Slots() uint64 {
	if len(m.attributes) == 0 {
		return 0
	}
	return m.attributes[0]
}

// Blocks returns attribute 1 ("blocks" under the default schema).
func (m *MetaResource) Blocks() uint64 {
	if len(m.attributes) < 2 {
		return 0
	}
	return m.attributes[1]
}

// UpdateBlocks overwrites attribute 1 and returns the previous value.
func (m *MetaResource) UpdateBlocks(v uint64) uint64 {
	prev := m.Blocks()
	if len(m.attributes) < 2 {
		return prev
	}
	m.attributes[1] = v
	return prev
}

// UpdateTokens records one more sequence length in the compute-attribute
// multiset (used by the compute-aware load score).
func (m *MetaResource) UpdateTokens(length uint64) {
	m.compute = append(m.compute, length)
	sort.Slice(m.compute, func(i, j int) bool { return m.compute[i] < m.compute[j] })
}

// ComputeAttrs returns a copy of the current compute-attribute multiset
// (per-sequence token lengths contributing to the load score).
func (m *MetaResource) ComputeAttrs() []uint64 {
	return append([]uint64(nil), m.compute...)
}

// CompareTo reports whether m has, in every component, at least as much as
// other — i.e. other's demand is satisfiable from m's capacity.
func (m *MetaResource) CompareTo(other *MetaResource) bool {
	if len(m.attributes) != len(other.attributes) {
		return false
	}
	for i := range m.attributes {
		if m.attributes[i] < other.attributes[i] {
			return false
		}
	}
	return true
}

// IncResource adds other's attributes component-wise and merges its compute
// attributes into m's multiset.
func (m *MetaResource) IncResource(other *MetaResource) bool {
	if len(m.attributes) != len(other.attributes) {
		return false
	}
	for i := range m.attributes {
		m.attributes[i] += other.attributes[i]
	}
	m.compute = append(m.compute, other.compute...)
	sort.Slice(m.compute, func(i, j int) bool { return m.compute[i] < m.compute[j] })
	return true
}

// DecResource subtracts other's attributes component-wise, failing (and
// leaving m unchanged) if any component would underflow. On success it also
// removes one occurrence of each of other's compute attributes from m.
func (m *MetaResource) DecResource(other *MetaResource) bool {
	if !m.CompareTo(other) {
		return false
	}
	for i := range m.attributes {
		m.attributes[i] -= other.attributes[i]
	}
	for _, v := range other.compute {
		for i, have := range m.compute {
			if have == v {
				m.compute = append(m.compute[:i], m.compute[i+1:]...)
				break
			}
		}
	}
	return true
}

// ResMul returns a scaled copy of src. A non-finite, negative, or
// overflowing product zeroes that component and reports false (the caller
// should surface ILLEGAL_PARAMETER).
func ResMul(src *MetaResource, mul float64) (*MetaResource, bool) {
	out := src.Clone()
	const eps = 1e-9
	if math.Abs(mul-1) <= eps {
		return out, true
	}
	ok := true
	for i, v := range out.attributes {
		product := float64(v) * mul
		if math.IsInf(product, 0) || math.IsNaN(product) || product < 0 || product >= float64(math.MaxUint64) {
			out.attributes[i] = 0
			ok = false
			continue
		}
		out.attributes[i] = uint64(product)
	}
	return out, ok
}

// TotalLoad sums every attribute component.
func TotalLoad(res *MetaResource) uint64 {
	var sum uint64
	for _, v := range res.attributes {
		sum += v
	}
	return sum
}

// ComputeAwareLoad is the decode select policy's ranking score: a weighted
// sum of the instance's in-flight token volume, its batch-size ceiling
// proximity, its reported KV-block residency, and the per-resource linear
// terms from the demand and current load vectors.
func ComputeAwareLoad(res *MetaResource, maxSlots uint64, reportedBlocks uint64, demand *MetaResource) float64 {
	weights := res.schema.Weights
	tokenSum := GetTokenSum(res, maxSlots, demand)
	tokensScore := float64(tokenSum) * weightAt(weights, weightA)

	adjMaxSlots := maxSlots
	if res.Slots() == maxSlots {
		adjMaxSlots++
	}
	maxSlotsScore := float64(adjMaxSlots) * weightAt(weights, weightM)

	blocksScore := float64(reportedBlocks) * weightAt(weights, weightR)

	var load float64
	for i := range res.attributes {
		w := weightAt(weights, specWeightsOffset+i)
		load += float64(res.attributes[i]) * w
		load += float64(demand.attributes[i]) * w
	}

	return tokensScore + maxSlotsScore + blocksScore + load
}

func weightAt(weights []float64, idx int) float64 {
	if idx < 0 || idx >= len(weights) {
		return 0
	}
	return weights[idx]
}

// GetTokenSum implements the three-regime token-sum formula used by
// ComputeAwareLoad:
//
//	(a) when the A coefficient is ~0, the sum degenerates to 1 (load is
//	    dominated by the other terms, token volume is ignored);
//	(b) below the n/2 batch-size threshold, it's the plain sum of every
//	    in-flight sequence length (offset by O) plus the incoming demand;
//	(c) at or above the threshold, sequences are grouped into buckets of
//	    size n (ascending order), each complete bucket contributing
//	    last*n, and the trailing partial bucket of size K contributing
//	    last*K/2 when K<=k, else last*K.
func GetTokenSum(res *MetaResource, maxSlots uint64, demand *MetaResource) uint64 {
	weights := res.schema.Weights
	a := weightAt(weights, weightA)

	o := int64(weightAt(weights, weightO))
	if o < 0 {
		o = 0
	}
	n := int64(weightAt(weights, weightN))
	if n <= 0 {
		n = 1
	}
	k := uint64(weightAt(weights, weightK))

	var demandSeqInput uint64
	if len(demand.compute) == 1 {
		demandSeqInput = demand.compute[0]
	}

	if math.Abs(a) < 1e-12 {
		return 1
	}

	if maxSlots < uint64(n)/2 {
		var sum uint64
		for _, v := range res.compute {
			sum += v + uint64(o)
		}
		sum += demandSeqInput
		return sum
	}

	tmp := make([]uint64, 0, len(res.compute)+1)
	for _, v := range res.compute {
		tmp = append(tmp, v+uint64(o))
	}
	tmp = append(tmp, demandSeqInput)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })

	seqNum := uint64(len(tmp))
	groupNum := seqNum / uint64(n)
	tailSeqNum := seqNum % uint64(n)

	var tokenSum uint64
	var groupIdx, innerCount uint64
	for _, v := range tmp {
		if groupNum > 0 && groupIdx < groupNum {
			innerCount++
			if innerCount%uint64(n) == 0 {
				tokenSum += v * uint64(n)
				groupIdx++
			}
		} else {
			innerCount++
			if innerCount == seqNum {
				if tailSeqNum <= k {
					tokenSum += v / 2 * tailSeqNum
				} else {
					tokenSum += v * tailSeqNum
				}
			}
		}
	}
	return tokenSum
}
