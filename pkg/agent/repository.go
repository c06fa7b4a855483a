package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAgentNotFound is returned when no agent has the requested id
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentExists is returned when registering a duplicate id
	ErrAgentExists = errors.New("agent already exists")
)

// Repository stores agents
type Repository interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	Update(ctx context.Context, a *Agent) error
	Delete(ctx context.Context, id string) error
	// RecordDelegation increments the delegation count and sets last_used
	RecordDelegation(ctx context.Context, id string, at time.Time) error
}

// InMemoryRepository is a Repository held in process memory
type InMemoryRepository struct {
	mutex  sync.RWMutex
	agents map[string]*Agent
}

// NewInMemoryRepository creates an empty in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		agents: make(map[string]*Agent),
	}
}

func (r *InMemoryRepository) Create(ctx context.Context, a *Agent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.create(a)
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Agent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a.clone(), nil
}

func (r *InMemoryRepository) List(ctx context.Context) ([]*Agent, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.list(), nil
}

func (r *InMemoryRepository) Update(ctx context.Context, a *Agent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.update(a)
}

func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.delete(id)
}

func (r *InMemoryRepository) RecordDelegation(ctx context.Context, id string, at time.Time) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.recordDelegation(id, at)
}

// The unexported helpers assume the caller holds the lock. FileRepository
// reuses them.

func (r *InMemoryRepository) create(a *Agent) error {
	if _, ok := r.agents[a.ID]; ok {
		return ErrAgentExists
	}
	r.agents[a.ID] = a.clone()
	return nil
}

func (r *InMemoryRepository) list() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *InMemoryRepository) update(a *Agent) error {
	if _, ok := r.agents[a.ID]; !ok {
		return ErrAgentNotFound
	}
	r.agents[a.ID] = a.clone()
	return nil
}

func (r *InMemoryRepository) delete(id string) error {
	if _, ok := r.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	return nil
}

func (r *InMemoryRepository) recordDelegation(id string, at time.Time) error {
	a, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.DelegationCount++
	t := at
	a.LastUsed = &t
	return nil
}
