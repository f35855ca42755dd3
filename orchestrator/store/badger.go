package store

import (
	"github.com/autoflow/orchestrator-api/lib/kv"
	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var logger = logc.Logger("store")

const (
	taskPrefix   = "task/"
	escrowPrefix = "escrow/"
	agentPrefix  = "agent/"
)

// KVTaskStore layers lib/kv persistence under the memory store so reads
// stay cheap and records survive a restart.
type KVTaskStore struct {
	*MemoryTaskStore
	db *kv.Database
}

func NewKVTaskStore(db *kv.Database) (*KVTaskStore, error) {
	s := &KVTaskStore{MemoryTaskStore: NewMemoryTaskStore(), db: db}
	vals, err := db.Scan([]byte(taskPrefix))
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		var t model.Task
		if err := t.Decode(v); err != nil {
			logger.Error("skip undecodable task record, err: ", err)
			continue
		}
		s.MemoryTaskStore.tasks[t.ID] = t
	}
	return s, nil
}

func (s *KVTaskStore) put(t model.Task) error {
	b, err := t.Encode()
	if err != nil {
		return err
	}
	return s.db.Put([]byte(taskPrefix+t.ID), b)
}

func (s *KVTaskStore) Create(t model.Task) error {
	if err := s.MemoryTaskStore.Create(t); err != nil {
		return err
	}
	return s.put(t)
}

func (s *KVTaskStore) Update(t model.Task) error {
	if err := s.MemoryTaskStore.Update(t); err != nil {
		return err
	}
	return s.put(t)
}

type KVEscrowStore struct {
	*MemoryEscrowStore
	db *kv.Database
}

func NewKVEscrowStore(db *kv.Database) (*KVEscrowStore, error) {
	s := &KVEscrowStore{MemoryEscrowStore: NewMemoryEscrowStore(), db: db}
	vals, err := db.Scan([]byte(escrowPrefix))
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		var e model.Escrow
		if err := e.Decode(v); err != nil {
			logger.Error("skip undecodable escrow record, err: ", err)
			continue
		}
		s.MemoryEscrowStore.escrows[e.ID] = e
		s.MemoryEscrowStore.byTask[e.TaskID] = e.ID
	}
	return s, nil
}

func (s *KVEscrowStore) put(e model.Escrow) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	return s.db.Put([]byte(escrowPrefix+e.ID), b)
}

func (s *KVEscrowStore) Create(e model.Escrow) error {
	if err := s.MemoryEscrowStore.Create(e); err != nil {
		return err
	}
	return s.put(e)
}

func (s *KVEscrowStore) Update(e model.Escrow) error {
	if err := s.MemoryEscrowStore.Update(e); err != nil {
		return err
	}
	return s.put(e)
}

type KVAgentStore struct {
	*MemoryAgentStore
	db *kv.Database
}

func NewKVAgentStore(db *kv.Database) (*KVAgentStore, error) {
	s := &KVAgentStore{MemoryAgentStore: NewMemoryAgentStore(), db: db}
	vals, err := db.Scan([]byte(agentPrefix))
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		var a model.Agent
		if err := a.Decode(v); err != nil {
			logger.Error("skip undecodable agent record, err: ", err)
			continue
		}
		s.MemoryAgentStore.agents[a.ID] = a
		if a.APIKey != "" {
			s.MemoryAgentStore.byKey[a.APIKey] = a.ID
		}
	}
	return s, nil
}

func (s *KVAgentStore) put(a model.Agent) error {
	b, err := a.Encode()
	if err != nil {
		return err
	}
	return s.db.Put([]byte(agentPrefix+a.ID), b)
}

func (s *KVAgentStore) Create(a model.Agent) error {
	if err := s.MemoryAgentStore.Create(a); err != nil {
		return err
	}
	return s.put(a)
}

func (s *KVAgentStore) Update(a model.Agent) error {
	if err := s.MemoryAgentStore.Update(a); err != nil {
		return err
	}
	return s.put(a)
}
