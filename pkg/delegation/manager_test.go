package delegation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-delegation/pkg/agent"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
	"github.com/tendant/simple-delegation/pkg/pkce"
	"github.com/tendant/simple-delegation/pkg/revocation"
	"github.com/tendant/simple-delegation/pkg/scope"
	"github.com/tendant/simple-delegation/pkg/token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager   *Manager
	agents    *agent.Service
	repo      *InMemoryRepository
	revoked   *revocation.MemoryStore
	validator *token.Validator
	clock     *testClock
	verifier  *pkce.CodeVerifier
}

func mustSigningConfig(t *testing.T) token.SigningConfig {
	t.Helper()
	cfg, err := token.NewSigningConfig([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	clock := &testClock{now: time.Now().Truncate(time.Second)}
	cfg := mustSigningConfig(t)

	agents := agent.NewService(agent.NewInMemoryRepository())
	_, err := agents.Register(ctx, agent.RegisterInput{
		ID:     "calendar-agent",
		Name:   "Calendar Assistant",
		Scopes: []string{"calendar:read", "calendar:write"},
	})
	require.NoError(t, err)

	repo := NewInMemoryRepository()
	revoked := revocation.NewMemoryStore()
	issuer := token.NewIssuer(cfg, token.WithIssuerClock(clock.Now))
	manager := NewManager(repo, agents, issuer, revoked, WithClock(clock.Now))
	agents.SetReferenceChecker(manager)

	verifier, err := pkce.GenerateCodeVerifier()
	require.NoError(t, err)

	return &fixture{
		manager:   manager,
		agents:    agents,
		repo:      repo,
		revoked:   revoked,
		validator: token.NewValidator(cfg, revoked, token.WithValidatorClock(clock.Now)),
		clock:     clock,
		verifier:  verifier,
	}
}

func (f *fixture) create(t *testing.T, scopes ...string) *Request {
	t.Helper()
	req, err := f.manager.Create(context.Background(), CreateInput{
		AgentID:             "calendar-agent",
		Delegator:           "alice",
		Scopes:              scopes,
		CodeChallenge:       f.verifier.S256Challenge().Value,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	return req
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("Pending", func(t *testing.T) {
		req := f.create(t, "calendar:read")
		assert.Equal(t, StatusPending, req.Status)
		assert.Equal(t, scope.New("calendar:read"), req.Scopes)
		assert.Contains(t, req.ID, "req-")
		assert.True(t, req.ExpiresAt.After(req.CreatedAt))
		assert.False(t, req.PKCEConsumed)
	})

	base := CreateInput{
		AgentID:             "calendar-agent",
		Delegator:           "alice",
		Scopes:              []string{"calendar:read"},
		CodeChallenge:       f.verifier.S256Challenge().Value,
		CodeChallengeMethod: "S256",
	}

	tests := []struct {
		name   string
		modify func(*CreateInput)
		code   apperrors.ErrorCode
	}{
		{"UnknownAgent", func(in *CreateInput) { in.AgentID = "ghost" }, apperrors.ErrCodeNotFound},
		{"ScopeNotRegistered", func(in *CreateInput) { in.Scopes = []string{"calendar:read", "mail:send"} }, apperrors.ErrCodeScope},
		{"PlainMethod", func(in *CreateInput) { in.CodeChallengeMethod = "plain" }, apperrors.ErrCodePKCE},
		{"UnknownMethod", func(in *CreateInput) { in.CodeChallengeMethod = "S512" }, apperrors.ErrCodePKCE},
		{"ShortChallenge", func(in *CreateInput) { in.CodeChallenge = "abc" }, apperrors.ErrCodePKCE},
		{"NoScopes", func(in *CreateInput) { in.Scopes = nil }, apperrors.ErrCodeValidation},
		{"NoDelegator", func(in *CreateInput) { in.Delegator = " " }, apperrors.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.modify(&in)
			_, err := f.manager.Create(ctx, in)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}

	t.Run("InactiveAgent", func(t *testing.T) {
		inactive := agent.StatusInactive
		_, err := f.agents.Update(ctx, "calendar-agent", agent.UpdateInput{Status: &inactive})
		require.NoError(t, err)
		_, err = f.manager.Create(ctx, base)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.create(t, "calendar:read")

	approval, err := f.manager.Approve(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approval.Request.Status)
	require.NotNil(t, approval.Request.ApprovedAt)
	assert.Equal(t, int64(600), approval.ExpiresIn)

	claims, err := f.validator.ValidateDelegation(ctx, approval.DelegationToken)
	require.NoError(t, err)
	assert.Equal(t, "calendar-agent", claims.Subject)
	assert.Equal(t, "alice", claims.Delegator)
	assert.Equal(t, scope.New("calendar:read"), claims.Scope)
	assert.Equal(t, req.ID, claims.DelegationID)
	assert.Equal(t, claims.ID, approval.Request.DelegationToken.ID)

	a, err := f.agents.Get(ctx, "calendar-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, a.DelegationCount)

	t.Run("SecondApproveConflicts", func(t *testing.T) {
		_, err := f.manager.Approve(ctx, req.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	})

	t.Run("DenyAfterApproveConflicts", func(t *testing.T) {
		_, err := f.manager.Deny(ctx, req.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	})

	t.Run("UnknownRequest", func(t *testing.T) {
		_, err := f.manager.Approve(ctx, "req-missing")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("ApprovedScopeFollowsRegisteredScopes", func(t *testing.T) {
		req := f.create(t, "calendar:read", "calendar:write")
		_, err := f.agents.Update(ctx, "calendar-agent", agent.UpdateInput{Scopes: []string{"calendar:read"}})
		require.NoError(t, err)

		approval, err := f.manager.Approve(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, scope.New("calendar:read"), approval.Request.ApprovedScopes)
	})
}

func TestConcurrentApproveMintsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.create(t, "calendar:read")

	var (
		wg        sync.WaitGroup
		successes int32
		conflicts int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Approve(ctx, req.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case apperrors.IsCode(err, apperrors.ErrCodeInvalidState):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	assert.Equal(t, int32(49), conflicts)

	a, err := f.agents.Get(ctx, "calendar-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, a.DelegationCount)
}

func TestDeny(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.create(t, "calendar:read")

	denied, err := f.manager.Deny(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, denied.Status)

	_, err = f.manager.Approve(ctx, req.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	_, err = f.manager.Deny(ctx, req.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	_, err = f.manager.Revoke(ctx, req.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("PendingCannotBeRevoked", func(t *testing.T) {
		req := f.create(t, "calendar:read")
		_, err := f.manager.Revoke(ctx, req.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	})

	t.Run("RevokesDelegationAndAccessTokens", func(t *testing.T) {
		req := f.create(t, "calendar:read")
		approval, err := f.manager.Approve(ctx, req.ID)
		require.NoError(t, err)

		accessRef := TokenRef{ID: "acc-1", ExpiresAt: f.clock.Now().Add(5 * time.Minute)}
		require.NoError(t, f.repo.RecordAccessToken(ctx, req.ID, accessRef))

		revoked, err := f.manager.Revoke(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRevoked, revoked.Status)

		for _, jti := range []string{approval.Request.DelegationToken.ID, "acc-1"} {
			ok, err := f.revoked.Contains(ctx, jti)
			require.NoError(t, err)
			assert.True(t, ok, jti)
		}

		_, err = f.validator.ValidateDelegation(ctx, approval.DelegationToken)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRevokedToken))

		_, err = f.manager.Revoke(ctx, req.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))

		err = f.repo.RecordAccessToken(ctx, req.ID, TokenRef{ID: "acc-late"})
		var conflict *StatusConflictError
		assert.ErrorAs(t, err, &conflict)
	})
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("ApproveExpiredRequest", func(t *testing.T) {
		f := newFixture(t)
		req := f.create(t, "calendar:read")
		f.clock.Advance(11 * time.Minute)

		_, err := f.manager.Approve(ctx, req.ID)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))

		got, err := f.manager.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
	})

	t.Run("Sweep", func(t *testing.T) {
		f := newFixture(t)
		pending := f.create(t, "calendar:read")
		approved := f.create(t, "calendar:read")
		_, err := f.manager.Approve(ctx, approved.ID)
		require.NoError(t, err)
		denied := f.create(t, "calendar:read")
		_, err = f.manager.Deny(ctx, denied.ID)
		require.NoError(t, err)

		n, err := f.manager.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		f.clock.Advance(11 * time.Minute)
		n, err = f.manager.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for id, want := range map[string]Status{
			pending.ID:  StatusExpired,
			approved.ID: StatusExpired,
			denied.ID:   StatusDenied,
		} {
			got, err := f.manager.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, got.Status)
		}

		open, err := f.manager.HasOpenDelegations(ctx, "calendar-agent")
		require.NoError(t, err)
		assert.False(t, open)
	})
}

func TestListAndCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.create(t, "calendar:read")
	f.clock.Advance(time.Second)
	b := f.create(t, "calendar:write")
	_, err := f.manager.Deny(ctx, b.ID)
	require.NoError(t, err)

	all, err := f.manager.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	pending, err := f.manager.List(ctx, Filter{Status: StatusPending, Delegator: "alice"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	counts, err := f.manager.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusDenied])
	assert.Equal(t, 0, counts[StatusRevoked])

	t.Run("AgentDeleteBlockedByOpenRequest", func(t *testing.T) {
		err := f.agents.Delete(ctx, "calendar-agent")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	})
}

type flakyStore struct {
	*revocation.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *flakyStore) Add(ctx context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.MemoryStore.Add(ctx, jti, exp)
}

func TestRevokeStoreFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.revoked}
	issuer := token.NewIssuer(mustSigningConfig(t), token.WithIssuerClock(f.clock.Now))
	manager := NewManager(f.repo, f.agents, issuer, store, WithClock(f.clock.Now))

	req := f.create(t, "calendar:read")
	approval, err := manager.Approve(ctx, req.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.RecordAccessToken(ctx, req.ID, TokenRef{ID: "acc-1", ExpiresAt: f.clock.Now().Add(5 * time.Minute)}))

	store.setFail(true)
	_, err = manager.Revoke(ctx, req.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInternal))

	got, err := manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	store.setFail(false)
	revoked, err := manager.Revoke(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	for _, jti := range []string{approval.Request.DelegationToken.ID, "acc-1"} {
		ok, err := store.Contains(ctx, jti)
		require.NoError(t, err)
		assert.True(t, ok, jti)
	}
}

func TestDerivedTokensKeepRequestRevocable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.create(t, "calendar:read")
	approval, err := f.manager.Approve(ctx, req.ID)
	require.NoError(t, err)

	// exchanged a minute before the delegation token expired
	accessExp := approval.Request.ExpiresAt.Add(4 * time.Minute)
	require.NoError(t, f.repo.RecordAccessToken(ctx, req.ID, TokenRef{ID: "acc-1", ExpiresAt: accessExp}))

	got, err := f.manager.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(accessExp))

	f.clock.Advance(11 * time.Minute)
	n, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.manager.Revoke(ctx, req.ID)
	require.NoError(t, err)
	ok, err := f.revoked.Contains(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordAccessTokenOnExpiredRequest(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, &Request{ID: "req-1", Status: StatusPending, ExpiresAt: now}))
	_, err := repo.Transition(ctx, "req-1", StatusPending, StatusApproved, nil)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "req-1", StatusApproved, StatusExpired, nil)
	require.NoError(t, err)

	require.NoError(t, repo.RecordAccessToken(ctx, "req-1", TokenRef{ID: "acc-1", ExpiresAt: now.Add(time.Minute)}))
	got, err := repo.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Minute)))

	require.NoError(t, repo.Create(ctx, &Request{ID: "req-2", Status: StatusPending}))
	_, err = repo.Transition(ctx, "req-2", StatusPending, StatusDenied, nil)
	require.NoError(t, err)
	var conflict *StatusConflictError
	require.ErrorAs(t, repo.RecordAccessToken(ctx, "req-2", TokenRef{ID: "acc-2"}), &conflict)
	assert.Equal(t, StatusDenied, conflict.Current)
}

func TestCreateWithStoredUnsortedScopes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stored := `{"agents":[{"id":"calendar-agent","name":"Calendar Assistant","status":"active",` +
		`"scopes":["calendar:write","calendar:read"]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.json"), []byte(stored), 0644))

	agentRepo, err := agent.NewFileRepository(dir)
	require.NoError(t, err)
	agents := agent.NewService(agentRepo)
	manager := NewManager(NewInMemoryRepository(), agents, token.NewIssuer(mustSigningConfig(t)), revocation.NewMemoryStore())

	verifier, err := pkce.GenerateCodeVerifier()
	require.NoError(t, err)
	for _, requested := range [][]string{{"calendar:read"}, {"calendar:write"}} {
		req, err := manager.Create(ctx, CreateInput{
			AgentID:             "calendar-agent",
			Delegator:           "alice",
			Scopes:              requested,
			CodeChallenge:       verifier.S256Challenge().Value,
			CodeChallengeMethod: "S256",
		})
		require.NoError(t, err, requested)
		assert.Equal(t, scope.New(requested...), req.Scopes)
	}
}

func TestDeleteWaitsForCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	created := make(chan error, 1)
	go func() {
		created <- f.agents.WithActive(ctx, "calendar-agent", func(a *agent.Agent) error {
			close(entered)
			<-release
			return f.repo.Create(ctx, &Request{ID: "req-racing", AgentID: a.ID, Status: StatusPending})
		})
	}()
	<-entered

	deleted := make(chan error, 1)
	go func() { deleted <- f.agents.Delete(ctx, "calendar-agent") }()

	select {
	case err := <-deleted:
		t.Fatalf("delete finished while a create was in progress: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-created)
	err := <-deleted
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
}
