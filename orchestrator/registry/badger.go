package registry

import (
	"github.com/autoflow/orchestrator-api/lib/kv"
	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

var logger = logc.Logger("registry")

const nodePrefix = "node/"

// KVRegistry persists node records through lib/kv so the fleet survives a
// restart. It wraps a MemoryRegistry for reads; writes go through to disk.
type KVRegistry struct {
	*MemoryRegistry
	db *kv.Database
}

func NewKVRegistry(db *kv.Database) (*KVRegistry, error) {
	r := &KVRegistry{MemoryRegistry: NewMemoryRegistry(), db: db}
	vals, err := db.Scan([]byte(nodePrefix))
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		var n model.Node
		if err := n.Decode(v); err != nil {
			logger.Error("skip undecodable node record, err: ", err)
			continue
		}
		r.MemoryRegistry.nodes[n.ID] = &n
	}
	return r, nil
}

func (r *KVRegistry) persist(id string) error {
	n, err := r.MemoryRegistry.Get(id)
	if err != nil {
		return err
	}
	b, err := n.Encode()
	if err != nil {
		return err
	}
	return r.db.Put([]byte(nodePrefix+id), b)
}

func (r *KVRegistry) Register(n model.Node) error {
	if err := r.MemoryRegistry.Register(n); err != nil {
		return err
	}
	return r.persist(n.ID)
}

func (r *KVRegistry) UpdateHealth(id string, h model.NodeHealth) error {
	if err := r.MemoryRegistry.UpdateHealth(id, h); err != nil {
		return err
	}
	return r.persist(id)
}

func (r *KVRegistry) ApplyOutcome(id string, o Outcome) error {
	if err := r.MemoryRegistry.ApplyOutcome(id, o); err != nil {
		return err
	}
	return r.persist(id)
}

func (r *KVRegistry) SetStatus(id string, s model.NodeStatus) error {
	if err := r.MemoryRegistry.SetStatus(id, s); err != nil {
		return err
	}
	return r.persist(id)
}
