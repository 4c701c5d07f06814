package registry

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"claw_council/internal/domain"
)

type Store interface {
	CreateAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error)
	GetAgent(ctx context.Context, agentID int64) (domain.Agent, error)
	GetAgentByName(ctx context.Context, name string) (domain.Agent, error)
	GetAgentByAPIKey(ctx context.Context, apiKey string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
}

// Registry issues agent identities. Agents are never renamed or deleted, so
// lookups need no locking beyond what the store provides.
type Registry struct {
	store  Store
	logger *log.Logger
}

func New(store Store, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Register creates a new agent. The name is trimmed and compared exactly, so
// "Alice" and "alice" are different agents.
func (r *Registry) Register(ctx context.Context, name string) (domain.Agent, error) {
	name, err := normalizeName(name)
	if err != nil {
		return domain.Agent{}, err
	}
	agent, err := r.store.CreateAgent(ctx, domain.Agent{
		Name:      name,
		APIKey:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Agent{}, err
	}
	r.logger.Printf("agent registered id=%d name=%q", agent.ID, agent.Name)
	return agent, nil
}

// Resolve returns the public view of an agent.
func (r *Registry) Resolve(ctx context.Context, agentID int64) (domain.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	return agent.Public(), nil
}

func (r *Registry) ResolveName(ctx context.Context, name string) (domain.Agent, error) {
	name, err := normalizeName(name)
	if err != nil {
		return domain.Agent{}, err
	}
	agent, err := r.store.GetAgentByName(ctx, name)
	if err != nil {
		return domain.Agent{}, err
	}
	return agent.Public(), nil
}

// ResolveKey authenticates an API key and returns the public view of its
// owner. Unknown or blank keys are NotFound.
func (r *Registry) ResolveKey(ctx context.Context, apiKey string) (domain.Agent, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return domain.Agent{}, domain.Errorf(domain.KindNotFound, "api key is required")
	}
	agent, err := r.store.GetAgentByAPIKey(ctx, apiKey)
	if err != nil {
		return domain.Agent{}, err
	}
	return agent.Public(), nil
}

// Ensure returns the agent with the given name, registering it first when it
// does not exist yet. A concurrent registration of the same name is resolved
// by reading the winner back.
func (r *Registry) Ensure(ctx context.Context, name string) (domain.Agent, error) {
	agent, err := r.ResolveName(ctx, name)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Agent{}, err
	}
	created, err := r.Register(ctx, name)
	if err == nil {
		return created.Public(), nil
	}
	if errors.Is(err, domain.ErrConflict) {
		return r.ResolveName(ctx, name)
	}
	return domain.Agent{}, err
}

func (r *Registry) List(ctx context.Context) ([]domain.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Public())
	}
	return out, nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.Errorf(domain.KindInvalidInput, "agent name is required")
	}
	if utf8.RuneCountInString(name) > domain.MaxAgentNameChars {
		return "", domain.Errorf(domain.KindInvalidInput, "agent name exceeds %d characters", domain.MaxAgentNameChars)
	}
	return name, nil
}
