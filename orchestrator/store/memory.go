package store

import (
	"sync"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]model.Task)}
}

func (s *MemoryTaskStore) Create(t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrExists
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryTaskStore) Get(id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryTaskStore) Update(t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryTaskStore) ListByAgent(agentID string) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0)
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemoryTaskStore) List() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

type MemoryEscrowStore struct {
	mu      sync.RWMutex
	escrows map[string]model.Escrow
	byTask  map[string]string
}

func NewMemoryEscrowStore() *MemoryEscrowStore {
	return &MemoryEscrowStore{
		escrows: make(map[string]model.Escrow),
		byTask:  make(map[string]string),
	}
}

func (s *MemoryEscrowStore) Create(e model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return ErrExists
	}
	// one escrow per task
	if _, ok := s.byTask[e.TaskID]; ok {
		return ErrExists
	}
	s.escrows[e.ID] = e
	s.byTask[e.TaskID] = e.ID
	return nil
}

func (s *MemoryEscrowStore) Get(id string) (model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return model.Escrow{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryEscrowStore) GetByTask(taskID string) (model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTask[taskID]
	if !ok {
		return model.Escrow{}, ErrNotFound
	}
	return s.escrows[id], nil
}

func (s *MemoryEscrowStore) Update(e model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	s.escrows[e.ID] = e
	return nil
}

func (s *MemoryEscrowStore) ListOpen() []model.Escrow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Escrow, 0)
	for _, e := range s.escrows {
		if !e.Status.Settled() {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryEscrowStore) ListByAgent(agentID string) []model.Escrow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Escrow, 0)
	for _, e := range s.escrows {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]model.Agent
	byKey  map[string]string
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[string]model.Agent),
		byKey:  make(map[string]string),
	}
}

func (s *MemoryAgentStore) Create(a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ErrExists
	}
	s.agents[a.ID] = a
	if a.APIKey != "" {
		s.byKey[a.APIKey] = a.ID
	}
	return nil
}

func (s *MemoryAgentStore) Get(id string) (model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryAgentStore) GetByAPIKey(key string) (model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return model.Agent{}, ErrNotFound
	}
	return s.agents[id], nil
}

func (s *MemoryAgentStore) Update(a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	if old.APIKey != a.APIKey {
		delete(s.byKey, old.APIKey)
		if a.APIKey != "" {
			s.byKey[a.APIKey] = a.ID
		}
	}
	s.agents[a.ID] = a
	return nil
}
