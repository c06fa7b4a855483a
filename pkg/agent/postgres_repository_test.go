package agent

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-delegation/pkg/scope"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	repo, err := NewPostgresRepository(pool)
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.EnsureSchema(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	agent := &Agent{
		ID:        "calendar-agent",
		Name:      "Calendar Assistant",
		Status:    StatusActive,
		Scopes:    scope.New("calendar:read", "calendar:write"),
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.Run("CreateGet", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, agent))
		assert.ErrorIs(t, repo.Create(ctx, agent), ErrAgentExists)

		got, err := repo.Get(ctx, "calendar-agent")
		require.NoError(t, err)
		assert.Equal(t, agent.Name, got.Name)
		assert.Equal(t, agent.Scopes, got.Scopes)
		assert.Nil(t, got.LastUsed)

		_, err = repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("UpdateAndRecord", func(t *testing.T) {
		agent.Status = StatusSuspended
		require.NoError(t, repo.Update(ctx, agent))
		require.NoError(t, repo.RecordDelegation(ctx, agent.ID, now))

		got, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSuspended, got.Status)
		assert.Equal(t, 1, got.DelegationCount)
		require.NotNil(t, got.LastUsed)

		assert.ErrorIs(t, repo.Update(ctx, &Agent{ID: "missing"}), ErrAgentNotFound)
	})

	t.Run("ListDelete", func(t *testing.T) {
		agents, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, agents, 1)

		require.NoError(t, repo.Delete(ctx, agent.ID))
		assert.ErrorIs(t, repo.Delete(ctx, agent.ID), ErrAgentNotFound)
	})
}
