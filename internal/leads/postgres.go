package leads

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id              TEXT         PRIMARY KEY,
    call_id         TEXT         NOT NULL,
    flow_id         TEXT         NOT NULL DEFAULT '',
    name            TEXT         NOT NULL DEFAULT '',
    email           TEXT         NOT NULL DEFAULT '',
    phone           TEXT         NOT NULL DEFAULT '',
    consent_granted BOOLEAN      NOT NULL DEFAULT false,
    captured_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_call_id
    ON leads (call_id);

CREATE INDEX IF NOT EXISTS idx_leads_captured_at
    ON leads (captured_at);
`

// PostgresStore is a PostgreSQL-backed [Store]. All operations are safe for
// concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// Migrate creates or ensures the leads table exists. Idempotent and safe to
// call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlLeads); err != nil {
		return fmt.Errorf("leads: migrate: %w", err)
	}
	return nil
}

// NewPostgresStore establishes a connection pool to the database at dsn and
// runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("leads: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("leads: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, lead Lead) error {
	const q = `
		INSERT INTO leads
		    (id, call_id, flow_id, name, email, phone, consent_granted, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    call_id         = EXCLUDED.call_id,
		    flow_id         = EXCLUDED.flow_id,
		    name            = EXCLUDED.name,
		    email           = EXCLUDED.email,
		    phone           = EXCLUDED.phone,
		    consent_granted = EXCLUDED.consent_granted`

	_, err := s.pool.Exec(ctx, q,
		lead.ID,
		lead.CallID,
		lead.FlowID,
		lead.Name,
		lead.Email,
		lead.Phone,
		lead.ConsentGranted,
		lead.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("leads: save: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Lead, error) {
	const q = `
		SELECT id, call_id, flow_id, name, email, phone, consent_granted, captured_at
		FROM   leads
		WHERE  id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	var lead Lead
	err := row.Scan(
		&lead.ID,
		&lead.CallID,
		&lead.FlowID,
		&lead.Name,
		&lead.Email,
		&lead.Phone,
		&lead.ConsentGranted,
		&lead.CapturedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	if err != nil {
		return Lead{}, fmt.Errorf("leads: get: %w", err)
	}
	return lead, nil
}

// ByCall implements Store.
func (s *PostgresStore) ByCall(ctx context.Context, callID string) ([]Lead, error) {
	const q = `
		SELECT id, call_id, flow_id, name, email, phone, consent_granted, captured_at
		FROM   leads
		WHERE  call_id = $1
		ORDER  BY captured_at`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("leads: by call: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Lead, error) {
		var lead Lead
		err := row.Scan(
			&lead.ID,
			&lead.CallID,
			&lead.FlowID,
			&lead.Name,
			&lead.Email,
			&lead.Phone,
			&lead.ConsentGranted,
			&lead.CapturedAt,
		)
		return lead, err
	})
	if err != nil {
		return nil, fmt.Errorf("leads: scan rows: %w", err)
	}
	if out == nil {
		out = []Lead{}
	}
	return out, nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
