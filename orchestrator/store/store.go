package store

import (
	"errors"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// TaskStore is the pluggable task repository. Implementations must return
// copies; callers never share memory with the store.
type TaskStore interface {
	Create(t model.Task) error
	Get(id string) (model.Task, error)
	Update(t model.Task) error
	ListByAgent(agentID string) []model.Task
	List() []model.Task
}

type EscrowStore interface {
	Create(e model.Escrow) error
	Get(id string) (model.Escrow, error)
	GetByTask(taskID string) (model.Escrow, error)
	Update(e model.Escrow) error
	// ListOpen returns escrows still in the locked state, for the
	// timeout sweep.
	ListOpen() []model.Escrow
	// ListByAgent returns every escrow an agent ever locked, for the
	// payment audit surface.
	ListByAgent(agentID string) []model.Escrow
}

type AgentStore interface {
	Create(a model.Agent) error
	Get(id string) (model.Agent, error)
	GetByAPIKey(key string) (model.Agent, error)
	Update(a model.Agent) error
}
