package extract

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/interfaces"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// DefaultSyntheticDecision is the ensemble confidence above which an image is
// labeled synthetic. Admission uses its own, stricter threshold.
const DefaultSyntheticDecision = 0.5

var (
	ErrInvalidWeights   = goerr.New("ensemble weights must be positive and sum to 1.0")
	ErrAllMethodsFailed = goerr.New("all synthetic detection methods failed")
)

// WeightedMethod is a method together with its share of the final confidence
type WeightedMethod struct {
	Method interfaces.SyntheticMethod
	Weight float64
}

// Ensemble combines independently fallible methods into one judgment. A
// failed method contributes 0.0 and is left out of MethodsUsed.
type Ensemble struct {
	methods  []WeightedMethod
	decision float64
}

type EnsembleOption func(*Ensemble)

func WithDecisionThreshold(v float64) EnsembleOption {
	return func(e *Ensemble) {
		e.decision = v
	}
}

func NewEnsemble(methods []WeightedMethod, opts ...EnsembleOption) (*Ensemble, error) {
	if len(methods) == 0 {
		return nil, goerr.Wrap(ErrInvalidWeights, "no methods")
	}

	var sum float64
	for _, m := range methods {
		if m.Method == nil || m.Weight <= 0 {
			return nil, goerr.Wrap(ErrInvalidWeights, "invalid method entry")
		}
		sum += m.Weight
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, goerr.Wrap(ErrInvalidWeights, "weights do not sum to 1.0", goerr.V("sum", sum))
	}

	e := &Ensemble{
		methods:  methods,
		decision: DefaultSyntheticDecision,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type methodScore struct {
	name   string
	weight float64
	score  float64
	err    error
}

// DetectSynthetic runs all methods concurrently and combines their scores
func (e *Ensemble) DetectSynthetic(ctx context.Context, img *model.Image) (*model.SyntheticDetectionResult, error) {
	scores := make([]methodScore, len(e.methods))

	var wg sync.WaitGroup
	for i, m := range e.methods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Method.Score(ctx, img)
			scores[i] = methodScore{
				name:   m.Method.Name(),
				weight: m.Weight,
				score:  clamp01(s),
				err:    err,
			}
		}()
	}
	wg.Wait()

	result := &model.SyntheticDetectionResult{
		Scores: make(map[string]float64, len(scores)),
	}

	for _, s := range scores {
		if s.err != nil {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[s.name] = s.err.Error()
			result.Scores[s.name] = 0
			logging.From(ctx).Warn("synthetic detection method failed", "method", s.name, "error", s.err)
			continue
		}
		result.Scores[s.name] = s.score
		result.MethodsUsed = append(result.MethodsUsed, s.name)
		result.Confidence += s.weight * s.score
	}

	if len(result.MethodsUsed) == 0 {
		return nil, goerr.Wrap(ErrAllMethodsFailed, "no method produced a score", goerr.V("errors", result.Errors))
	}

	sort.Strings(result.MethodsUsed)
	result.Confidence = clamp01(result.Confidence)
	result.IsSynthetic = result.Confidence > e.decision
	return result, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
