package evaluator

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	SamplingDeterministic = "deterministic"
	SamplingRandom        = "random"
)

// Sampler decides whether a trace is evaluated at the given rate.
type Sampler interface {
	Sample(traceID, evaluatorName string, rate float64) bool
}

func NewSampler(policy string) (Sampler, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", SamplingDeterministic:
		return DeterministicSampler{}, nil
	case SamplingRandom:
		return RandomSampler{}, nil
	default:
		return nil, fmt.Errorf("unknown sampling policy %q", policy)
	}
}

// DeterministicSampler hashes "trace_id:evaluator" into [0,1) so repeated
// runs make the same decision.
type DeterministicSampler struct{}

func (DeterministicSampler) Sample(traceID, evaluatorName string, rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return SampleFraction(traceID, evaluatorName) < rate
}

// SampleFraction is the stable position of a trace and evaluator pair in
// [0,1).
func SampleFraction(traceID, evaluatorName string) float64 {
	sum := sha256.Sum256([]byte(traceID + ":" + evaluatorName))
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// RandomSampler draws a fresh uniform number per decision.
type RandomSampler struct{}

func (RandomSampler) Sample(_, _ string, rate float64) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return rand.Float64() < rate
}
