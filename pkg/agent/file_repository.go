package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const agentsFile = "agents.json"

// FileRepository is an InMemoryRepository persisted to a JSON file after
// every change
type FileRepository struct {
	mem     *InMemoryRepository
	dataDir string
}

type agentsFileData struct {
	Agents []*Agent `json:"agents"`
}

// NewFileRepository creates a file-based repository under dataDir, loading
// any existing agents
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	repo := &FileRepository{
		mem:     NewInMemoryRepository(),
		dataDir: dataDir,
	}
	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	return repo, nil
}

func (r *FileRepository) Create(ctx context.Context, a *Agent) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(a.ID, func() error { return r.mem.create(a) })
}

func (r *FileRepository) Get(ctx context.Context, id string) (*Agent, error) {
	return r.mem.Get(ctx, id)
}

func (r *FileRepository) List(ctx context.Context) ([]*Agent, error) {
	return r.mem.List(ctx)
}

func (r *FileRepository) Update(ctx context.Context, a *Agent) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(a.ID, func() error { return r.mem.update(a) })
}

func (r *FileRepository) Delete(ctx context.Context, id string) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(id, func() error { return r.mem.delete(id) })
}

func (r *FileRepository) RecordDelegation(ctx context.Context, id string, at time.Time) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(id, func() error { return r.mem.recordDelegation(id, at) })
}

// commit runs apply and saves, restoring agent id when the save fails.
// The caller holds the lock.
func (r *FileRepository) commit(id string, apply func() error) error {
	prev, existed := r.mem.agents[id]
	if existed {
		prev = prev.clone()
	}
	if err := apply(); err != nil {
		return err
	}
	if err := r.save(); err != nil {
		if existed {
			r.mem.agents[id] = prev
		} else {
			delete(r.mem.agents, id)
		}
		return err
	}
	return nil
}

func (r *FileRepository) load() error {
	data, err := os.ReadFile(filepath.Join(r.dataDir, agentsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var contents agentsFileData
	if err := json.Unmarshal(data, &contents); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	for _, a := range contents.Agents {
		r.mem.agents[a.ID] = a
	}
	return nil
}

// save writes the agents atomically. The caller holds the lock.
func (r *FileRepository) save() error {
	data, err := json.MarshalIndent(agentsFileData{Agents: r.mem.list()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tempFile := filepath.Join(r.dataDir, agentsFile+".tmp")
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, filepath.Join(r.dataDir, agentsFile)); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
