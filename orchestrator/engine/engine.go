package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
	"github.com/autoflow/orchestrator-api/orchestrator/registry"
)

var logger = logc.Logger("engine")

// ErrNoEligibleNode is returned when no online node satisfies the
// requirements within budget.
var ErrNoEligibleNode = errors.New("no eligible node for requirements")

const (
	weightSumTolerance = 1e-9
	scoreEpsilon       = 1e-6
)

// Weights combine the four sub-scores. They must be non-negative and sum
// to 1.
type Weights struct {
	Latency    float64
	Cost       float64
	Load       float64
	Reputation float64
}

func DefaultWeights() Weights {
	return Weights{Latency: 0.30, Cost: 0.20, Load: 0.25, Reputation: 0.25}
}

func (w Weights) Validate() error {
	if w.Latency < 0 || w.Cost < 0 || w.Load < 0 || w.Reputation < 0 {
		return fmt.Errorf("scoring weights must be non-negative: %+v", w)
	}
	sum := w.Latency + w.Cost + w.Load + w.Reputation
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}
	return nil
}

type Options struct {
	Weights Weights
	// DurationHours scales estimated cost; duration estimation itself is
	// a fixed policy constant here.
	DurationHours float64
}

// Engine scores and ranks candidate nodes. It only reads the registry and
// never mutates node or task state. Selection is fully deterministic.
type Engine struct {
	reg      registry.Registry
	weights  Weights
	duration float64
}

func New(reg registry.Registry, opts Options) (*Engine, error) {
	w := opts.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	duration := opts.DurationHours
	if duration <= 0 {
		duration = 1
	}
	return &Engine{reg: reg, weights: w, duration: duration}, nil
}

func (e *Engine) Weights() Weights {
	return e.weights
}

// EstimatedCost prices the requirements on a node for the configured
// duration.
func (e *Engine) EstimatedCost(n model.Node, req model.ComputeRequirements) float64 {
	cost := float64(req.CPUCores)*n.PricePerCPUHour + float64(req.RAMGb)*n.PricePerGbHour
	if req.GPURequired {
		cost += n.PricePerGPUHour
	}
	return cost * e.duration
}

type candidate struct {
	node model.Node
	cost float64
}

// SelectNode filters online nodes able to run the requirements within
// maxBudget, scores the survivors and returns the winner with its full
// score breakdown for audit.
func (e *Engine) SelectNode(ctx context.Context, req model.ComputeRequirements, maxBudget float64) (*model.OrchestrationDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	nodes := e.reg.ListEligible(registry.Filter{
		Status:      model.NodeOnline,
		MinCPUCores: req.CPUCores,
		MinRAMGb:    req.RAMGb,
		GPURequired: req.GPURequired,
	})

	cands := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		cost := e.EstimatedCost(n, req)
		if cost > maxBudget {
			continue
		}
		cands = append(cands, candidate{node: n, cost: cost})
	}
	if len(cands) == 0 {
		return nil, ErrNoEligibleNode
	}

	minLat, maxLat := minMax(cands, func(c candidate) float64 { return c.node.AvgLatencyMs })
	minCost, maxCost := minMax(cands, func(c candidate) float64 { return c.cost })

	scored := make([]scoredCandidate, 0, len(cands))
	topScore := math.Inf(-1)
	for _, c := range cands {
		bd := model.ScoreBreakdown{
			Latency:    inverseNormalize(c.node.AvgLatencyMs, minLat, maxLat),
			Cost:       inverseNormalize(c.cost, minCost, maxCost),
			Load:       100 - clamp(c.node.CurrentLoad, 0, 100),
			Reputation: clamp(c.node.ReputationScore, 0, 100),
		}
		total := e.weights.Latency*bd.Latency +
			e.weights.Cost*bd.Cost +
			e.weights.Load*bd.Load +
			e.weights.Reputation*bd.Reputation

		scored = append(scored, scoredCandidate{
			candidate: c,
			decision: &model.OrchestrationDecision{
				NodeID:             c.node.ID,
				NodeAddress:        c.node.OperatorAddress,
				TotalScore:         total,
				Breakdown:          bd,
				EstimatedCost:      c.cost,
				EstimatedLatencyMs: c.node.AvgLatencyMs,
			},
		})
		if total > topScore {
			topScore = total
		}
	}

	// all candidates within epsilon of the top score are tied; the
	// tie-break among them is a total order, so the winner does not
	// depend on registry iteration order
	var best *scoredCandidate
	for i := range scored {
		sc := &scored[i]
		if topScore-sc.decision.TotalScore > scoreEpsilon {
			continue
		}
		if best == nil || tieBreak(sc, best) {
			best = sc
		}
	}

	logger.Infof("selected node %s score %.2f cost %.4f", best.decision.NodeID, best.decision.TotalScore, best.decision.EstimatedCost)
	return best.decision, nil
}

type scoredCandidate struct {
	candidate
	decision *model.OrchestrationDecision
}

// tieBreak orders candidates whose totals are within epsilon of the best:
// lower cost, then lower latency, then the lexicographically smaller node
// id.
func tieBreak(a, b *scoredCandidate) bool {
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	if a.node.AvgLatencyMs != b.node.AvgLatencyMs {
		return a.node.AvgLatencyMs < b.node.AvgLatencyMs
	}
	return a.node.ID < b.node.ID
}

// inverseNormalize maps v within [min,max] to 0..100 with lower values
// scoring higher. A degenerate range scores 100 for every candidate.
func inverseNormalize(v, min, max float64) float64 {
	if max <= min {
		return 100
	}
	return (max - v) / (max - min) * 100
}

func minMax(cands []candidate, get func(candidate) float64) (float64, float64) {
	lo, hi := get(cands[0]), get(cands[0])
	for _, c := range cands[1:] {
		v := get(c)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
