package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const requestsFile = "delegations.json"

// FileRepository is an InMemoryRepository persisted to a JSON file after
// every change. The file is rewritten atomically via a temp file and rename.
type FileRepository struct {
	mem     *InMemoryRepository
	dataDir string
}

type requestsFileData struct {
	Requests []*Request `json:"requests"`
}

// NewFileRepository creates a file-based repository under dataDir, loading
// any existing requests
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo := &FileRepository{mem: NewInMemoryRepository(), dataDir: dataDir}
	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load delegation requests: %w", err)
	}
	return repo, nil
}

func (r *FileRepository) Create(ctx context.Context, req *Request) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(req.ID, func() error {
		return r.mem.create(req)
	})
}

func (r *FileRepository) Get(ctx context.Context, id string) (*Request, error) {
	return r.mem.Get(ctx, id)
}

func (r *FileRepository) List(ctx context.Context, filter Filter) ([]*Request, error) {
	return r.mem.List(ctx, filter)
}

func (r *FileRepository) Transition(ctx context.Context, id string, from, to Status, mutate func(*Request) error) (*Request, error) {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	var updated *Request
	err := r.commit(id, func() error {
		var err error
		updated, err = r.mem.transition(id, from, to, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *FileRepository) ConsumePKCE(ctx context.Context, id string) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(id, func() error {
		return r.mem.consumePKCE(id)
	})
}

func (r *FileRepository) MarkExchanged(ctx context.Context, id, tokenID string) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(id, func() error {
		return r.mem.markExchanged(id, tokenID)
	})
}

func (r *FileRepository) RecordAccessToken(ctx context.Context, id string, ref TokenRef) error {
	r.mem.mutex.Lock()
	defer r.mem.mutex.Unlock()
	return r.commit(id, func() error {
		return r.mem.recordAccessToken(id, ref)
	})
}

// commit applies a change to request id and persists it. If the file cannot
// be written the in-memory entry is restored, so a failed call leaves no
// trace. The caller holds the lock.
func (r *FileRepository) commit(id string, apply func() error) error {
	prev, existed := r.mem.requests[id]
	if existed {
		prev = prev.clone()
	}
	if err := apply(); err != nil {
		return err
	}
	if err := r.save(); err != nil {
		if existed {
			r.mem.requests[id] = prev
		} else {
			delete(r.mem.requests, id)
		}
		return err
	}
	return nil
}

func (r *FileRepository) load() error {
	data, err := os.ReadFile(filepath.Join(r.dataDir, requestsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var contents requestsFileData
	if err := json.Unmarshal(data, &contents); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	for _, req := range contents.Requests {
		r.mem.requests[req.ID] = req
	}
	return nil
}

// save writes all requests atomically. The caller holds the lock.
func (r *FileRepository) save() error {
	data, err := json.MarshalIndent(requestsFileData{Requests: r.mem.list(Filter{})}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tempFile := filepath.Join(r.dataDir, requestsFile+".tmp")
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, filepath.Join(r.dataDir, requestsFile)); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
