package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var ErrNotFound = errors.New("node not found")

// Filter narrows ListEligible to nodes able to run a task. Budget checks
// are the engine's concern since they depend on estimated cost.
type Filter struct {
	Status      model.NodeStatus
	MinCPUCores int
	MinRAMGb    int
	GPURequired bool
}

func (f Filter) matches(n *model.Node) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if n.Specs.CPUCores < f.MinCPUCores {
		return false
	}
	if n.Specs.RAMGb < f.MinRAMGb {
		return false
	}
	if f.GPURequired && !n.Specs.GPUAvailable {
		return false
	}
	return true
}

type OutcomeResult string

const (
	ResultNone    OutcomeResult = ""
	ResultSuccess OutcomeResult = "success"
	ResultFailure OutcomeResult = "failure"
)

// Outcome carries the load/reputation deltas applied after a task
// concludes. Deltas are applied as atomic increments on the live record,
// never as whole-record overwrites. Result "" adjusts load/reputation
// without counting a task (used at assignment time).
type Outcome struct {
	LoadDelta       float64
	ReputationDelta float64
	Result          OutcomeResult
}

type Registry interface {
	Register(n model.Node) error
	Get(id string) (model.Node, error)
	List() []model.Node
	ListEligible(f Filter) []model.Node
	UpdateHealth(id string, h model.NodeHealth) error
	ApplyOutcome(id string, o Outcome) error
	SetStatus(id string, s model.NodeStatus) error
}

// MemoryRegistry is the in-process registry implementation.
type MemoryRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{nodes: make(map[string]*model.Node)}
}

func (r *MemoryRegistry) Register(n model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.nodes[n.ID]; ok {
		// re-registration refreshes specs and pricing, keeps history
		n.TasksCompleted = existing.TasksCompleted
		n.TasksFailed = existing.TasksFailed
		n.ReputationScore = existing.ReputationScore
		n.RegisteredAt = existing.RegisteredAt
	} else {
		n.RegisteredAt = now
	}
	if n.Status == "" {
		n.Status = model.NodeOnline
	}
	n.ReputationScore = clamp(n.ReputationScore, 0, 100)
	n.UpdatedAt = now
	cp := n
	r.nodes[n.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(id string) (model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.Node{}, ErrNotFound
	}
	return *n, nil
}

func (r *MemoryRegistry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sortNodes(out)
	return out
}

func (r *MemoryRegistry) ListEligible(f Filter) []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if f.matches(n) {
			out = append(out, *n)
		}
	}
	sortNodes(out)
	return out
}

// sortNodes keeps listings in id order so callers never see map
// iteration order.
func sortNodes(nodes []model.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func (r *MemoryRegistry) UpdateHealth(id string, h model.NodeHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if h.Status != "" {
		n.Status = h.Status
	}
	n.CurrentLoad = clamp(h.CurrentLoad, 0, 100)
	if h.AvgLatencyMs >= 0 {
		n.AvgLatencyMs = h.AvgLatencyMs
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) ApplyOutcome(id string, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.CurrentLoad = clamp(n.CurrentLoad+o.LoadDelta, 0, 100)
	n.ReputationScore = clamp(n.ReputationScore+o.ReputationDelta, 0, 100)
	switch o.Result {
	case ResultSuccess:
		n.TasksCompleted++
	case ResultFailure:
		n.TasksFailed++
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) SetStatus(id string, s model.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = s
	n.UpdatedAt = time.Now().UTC()
	return nil
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
