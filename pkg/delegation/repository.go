package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrRequestNotFound  = errors.New("delegation request not found")
	ErrRequestExists    = errors.New("delegation request already exists")
	ErrPKCEConsumed     = errors.New("pkce challenge already consumed")
	ErrAlreadyExchanged = errors.New("delegation token already exchanged")
)

// StatusConflictError is returned when a compare-and-swap finds the request
// in a different status than expected
type StatusConflictError struct {
	ID       string
	Expected Status
	Current  Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("delegation request %s is %s, expected %s", e.ID, e.Current, e.Expected)
}

// Repository stores delegation requests. Every mutating method is atomic
// with respect to the others for the same request.
type Repository interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, filter Filter) ([]*Request, error)

	// Transition moves the request from `from` to `to` if and only if its
	// current status is `from`. mutate runs under the same guard and may
	// abort the transition by returning an error. Returns the updated copy.
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Request) error) (*Request, error)

	// ConsumePKCE marks the challenge used. Fails with ErrPKCEConsumed if
	// it already was.
	ConsumePKCE(ctx context.Context, id string) error

	// MarkExchanged sets the one-time exchange marker for the delegation
	// token. Fails with ErrAlreadyExchanged if it is already set.
	MarkExchanged(ctx context.Context, id, tokenID string) error

	// RecordAccessToken appends an access token to an APPROVED or EXPIRED
	// request and extends expires_at to cover it. Fails with
	// *StatusConflictError for any other status.
	RecordAccessToken(ctx context.Context, id string, ref TokenRef) error
}

// InMemoryRepository is a Repository held in process memory. A single mutex
// guards all requests; every critical section is short and does no I/O.
type InMemoryRepository struct {
	mutex    sync.RWMutex
	requests map[string]*Request
}

// NewInMemoryRepository creates an empty repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		requests: make(map[string]*Request),
	}
}

func (r *InMemoryRepository) Create(ctx context.Context, req *Request) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.create(req)
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Request, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.clone(), nil
}

func (r *InMemoryRepository) List(ctx context.Context, filter Filter) ([]*Request, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.list(filter), nil
}

func (r *InMemoryRepository) Transition(ctx context.Context, id string, from, to Status, mutate func(*Request) error) (*Request, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.transition(id, from, to, mutate)
}

func (r *InMemoryRepository) ConsumePKCE(ctx context.Context, id string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.consumePKCE(id)
}

func (r *InMemoryRepository) MarkExchanged(ctx context.Context, id, tokenID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.markExchanged(id, tokenID)
}

func (r *InMemoryRepository) RecordAccessToken(ctx context.Context, id string, ref TokenRef) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.recordAccessToken(id, ref)
}

// The unexported helpers assume the caller holds the write lock.

func (r *InMemoryRepository) create(req *Request) error {
	if _, ok := r.requests[req.ID]; ok {
		return ErrRequestExists
	}
	r.requests[req.ID] = req.clone()
	return nil
}

func (r *InMemoryRepository) list(filter Filter) []*Request {
	out := make([]*Request, 0)
	for _, req := range r.requests {
		if filter.matches(req) {
			out = append(out, req.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *InMemoryRepository) transition(id string, from, to Status, mutate func(*Request) error) (*Request, error) {
	current, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if current.Status != from {
		return nil, &StatusConflictError{ID: id, Expected: from, Current: current.Status}
	}
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}

	next := current.clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.Status = to
	r.requests[id] = next
	return next.clone(), nil
}

func (r *InMemoryRepository) consumePKCE(id string) error {
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.PKCEConsumed {
		return ErrPKCEConsumed
	}
	req.PKCEConsumed = true
	return nil
}

func (r *InMemoryRepository) markExchanged(id, tokenID string) error {
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.ExchangedTokenID != "" {
		return ErrAlreadyExchanged
	}
	req.ExchangedTokenID = tokenID
	return nil
}

func (r *InMemoryRepository) recordAccessToken(id string, ref TokenRef) error {
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	// the sweep may have expired the request while a token issued inside
	// the clock skew window was being exchanged
	if req.Status != StatusApproved && req.Status != StatusExpired {
		return &StatusConflictError{ID: id, Expected: StatusApproved, Current: req.Status}
	}
	req.AccessTokens = append(req.AccessTokens, ref)
	if ref.ExpiresAt.After(req.ExpiresAt) {
		req.ExpiresAt = ref.ExpiresAt
	}
	return nil
}
