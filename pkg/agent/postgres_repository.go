package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-delegation/pkg/scope"
)

const agentsSchema = `
CREATE TABLE IF NOT EXISTS delegation_agents (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	scopes           TEXT[] NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_used        TIMESTAMPTZ,
	delegation_count INTEGER NOT NULL DEFAULT 0
)`

const agentColumns = `id, name, description, status, scopes, created_at, updated_at, last_used, delegation_count`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgreSQL agent repository
func NewPostgresRepository(db *pgxpool.Pool) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &PostgresRepository{db: db}, nil
}

// EnsureSchema creates the agents table if it does not exist
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, agentsSchema); err != nil {
		return fmt.Errorf("failed to create agents table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, a *Agent) error {
	query := `INSERT INTO delegation_agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(ctx, query,
		a.ID, a.Name, a.Description, string(a.Status), []string(a.Scopes),
		a.CreatedAt, a.UpdatedAt, a.LastUsed, a.DelegationCount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAgentExists
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM delegation_agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+agentColumns+` FROM delegation_agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

func (r *PostgresRepository) Update(ctx context.Context, a *Agent) error {
	query := `UPDATE delegation_agents
		SET name = $2, description = $3, status = $4, scopes = $5, updated_at = $6
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		a.ID, a.Name, a.Description, string(a.Status), []string(a.Scopes), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM delegation_agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *PostgresRepository) RecordDelegation(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delegation_agents SET delegation_count = delegation_count + 1, last_used = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to record delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var (
		a      Agent
		status string
		scopes []string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &status, &scopes,
		&a.CreatedAt, &a.UpdatedAt, &a.LastUsed, &a.DelegationCount); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.Scopes = scope.New(scopes...)
	return &a, nil
}
