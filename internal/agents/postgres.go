package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the agent_definitions table. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    voice           TEXT NOT NULL DEFAULT '',
    instructions    TEXT NOT NULL DEFAULT '',
    supported_modes JSONB NOT NULL DEFAULT '[]',
    is_test_agent   BOOLEAN NOT NULL DEFAULT false,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_definitions_name ON agent_definitions(name);
`

// DB is the database interface used by [Postgres]. *pgxpool.Pool satisfies
// it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Postgres is a [Source] backed by PostgreSQL. The server only reads from
// it; [Postgres.Upsert] exists for seeding.
type Postgres struct {
	db DB
}

var _ Source = (*Postgres)(nil)

// NewPostgres returns a source reading through db.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes [Schema].
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agents: migrate: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, name, description, voice, instructions,
	       supported_modes, is_test_agent, created_at, updated_at
	FROM agent_definitions`

// Get implements [Source].
func (s *Postgres) Get(ctx context.Context, id string) (*Agent, error) {
	var (
		a     Agent
		modes []byte
	)
	err := s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id).Scan(
		&a.ID, &a.Name, &a.Description, &a.Voice, &a.Instructions,
		&modes, &a.IsTestAgent, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("agents: get %q: %w", id, err)
	}
	if err := json.Unmarshal(modes, &a.SupportedModes); err != nil {
		return nil, fmt.Errorf("agents: unmarshal supported_modes: %w", err)
	}
	return &a, nil
}

// List implements [Source].
func (s *Postgres) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.Query(ctx, selectColumns+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	defer rows.Close()

	out := []Agent{}
	for rows.Next() {
		var (
			a     Agent
			modes []byte
		)
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Description, &a.Voice, &a.Instructions,
			&modes, &a.IsTestAgent, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("agents: list scan: %w", err)
		}
		if err := json.Unmarshal(modes, &a.SupportedModes); err != nil {
			return nil, fmt.Errorf("agents: unmarshal supported_modes: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return out, nil
}

// Ping implements [Source].
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("agents: ping: %w", err)
	}
	return nil
}

// Upsert creates or replaces a. Timestamps on a are updated from the row.
func (s *Postgres) Upsert(ctx context.Context, a *Agent) error {
	if a.ID == "" || a.Name == "" {
		return errors.New("agents: upsert: id and name are required")
	}
	modes := a.SupportedModes
	if modes == nil {
		modes = []string{}
	}
	modesJSON, err := json.Marshal(modes)
	if err != nil {
		return fmt.Errorf("agents: marshal supported_modes: %w", err)
	}

	const query = `
		INSERT INTO agent_definitions (
			id, name, description, voice, instructions, supported_modes, is_test_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			voice = EXCLUDED.voice,
			instructions = EXCLUDED.instructions,
			supported_modes = EXCLUDED.supported_modes,
			is_test_agent = EXCLUDED.is_test_agent,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		a.ID, a.Name, a.Description, a.Voice, a.Instructions, modesJSON, a.IsTestAgent,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agents: upsert %q: %w", a.ID, err)
	}
	return nil
}
