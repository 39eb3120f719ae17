package evaluator

import (
	"math"
	"sort"
)

// Outcome is the result of calling one ensemble deployment.
type Outcome struct {
	Deployment     string
	Score          *float64
	Classification string
	Output         string
	Err            error
}

// Aggregate is the combined view of every outcome for one trace.
type Aggregate struct {
	EnsembleScore  *float64
	Variance       *float64
	Agreement      *float64
	Classification string
	Unstable       bool
	Scored         int
}

// AggregateOutcomes combines the numeric outcomes. Failed or unparseable
// deployments are excluded from every denominator, agreement included. With
// no numeric scores the aggregate carries nil values and the failed
// classification.
func AggregateOutcomes(outcomes []Outcome, varianceThreshold float64) Aggregate {
	scores := make([]float64, 0, len(outcomes))
	labels := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.Err != nil || outcome.Score == nil {
			continue
		}
		scores = append(scores, *outcome.Score)
		labels = append(labels, outcome.Classification)
	}
	if len(scores) == 0 {
		return Aggregate{Classification: ClassificationFailed}
	}

	agg := Aggregate{Scored: len(scores)}
	mean := 0.0
	for _, score := range scores {
		mean += score
	}
	mean /= float64(len(scores))
	ensemble := round(mean, 2)
	agg.EnsembleScore = &ensemble

	if len(scores) >= 2 {
		sum := 0.0
		for _, score := range scores {
			sum += (score - mean) * (score - mean)
		}
		variance := round(sum/float64(len(scores)), 4)
		agg.Variance = &variance
		agg.Unstable = variance > varianceThreshold
	}

	agg.Classification, agg.Agreement = aggregateClassifications(labels)
	return agg
}

func aggregateClassifications(labels []string) (string, *float64) {
	counts := make(map[string]int, len(labels))
	for _, label := range labels {
		counts[label]++
	}
	if len(counts) == 1 {
		one := 1.0
		return labels[0], &one
	}
	top := 0
	for _, count := range counts {
		if count > top {
			top = count
		}
	}
	agreement := round(float64(top)/float64(len(labels)), 2)
	return ClassificationDisagreement, &agreement
}

// Status maps an aggregate to the record status.
func (a Aggregate) Status() string {
	switch {
	case a.EnsembleScore == nil:
		return RecordFailed
	case a.Unstable:
		return RecordUnstable
	default:
		return RecordCompleted
	}
}

func round(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
