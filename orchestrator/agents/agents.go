package agents

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autoflow/orchestrator-api/keystore"
	"github.com/autoflow/orchestrator-api/lib/logc"
	"github.com/autoflow/orchestrator-api/orchestrator/model"
	"github.com/autoflow/orchestrator-api/orchestrator/store"
)

var logger = logc.Logger("agents")

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrInactiveAgent = errors.New("agent is inactive")
)

const apiKeyPrefix = "ak_"

// Service manages task submitters. Each agent gets a fresh wallet key
// held in the keystore and an API key for request authentication.
type Service struct {
	agents store.AgentStore
	keys   keystore.KeyStore
}

func NewService(agents store.AgentStore, keys keystore.KeyStore) *Service {
	return &Service{agents: agents, keys: keys}
}

type CreateResult struct {
	Agent  model.Agent
	APIKey string
}

func (s *Service) Create(name string) (*CreateResult, error) {
	ki, err := keystore.NewKey()
	if err != nil {
		return nil, err
	}
	addr := ki.Address()
	if name == "" {
		name = "Agent-" + addr[:10]
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return nil, err
	}

	if s.keys != nil {
		// agent keys are stored under the agent's own api key as auth
		if err := s.keys.Put(addr, apiKey, *ki); err != nil {
			return nil, fmt.Errorf("store agent key: %w", err)
		}
	}

	a := model.Agent{
		ID:              uuid.NewString(),
		Name:            name,
		WalletAddress:   addr,
		APIKey:          apiKey,
		ReputationScore: 50,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.agents.Create(a); err != nil {
		return nil, err
	}
	logger.Infof("agent created: %s (%s)", a.ID, addr)
	return &CreateResult{Agent: a, APIKey: apiKey}, nil
}

// Authenticate resolves an API key to an active agent.
func (s *Service) Authenticate(apiKey string) (model.Agent, error) {
	if apiKey == "" {
		return model.Agent{}, ErrInvalidAPIKey
	}
	a, err := s.agents.GetByAPIKey(apiKey)
	if err != nil {
		return model.Agent{}, ErrInvalidAPIKey
	}
	if !a.Active {
		return model.Agent{}, ErrInactiveAgent
	}
	return a, nil
}

func (s *Service) Get(id string) (model.Agent, error) {
	return s.agents.Get(id)
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}
