package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed [Recorder].
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Recorder = (*Postgres)(nil)

// NewPostgres wraps an existing pool. Call EnsureSchema once at startup.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the audit tables when they do not exist. There are no
// updates or deletes anywhere; both tables are append-only.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS delay_audit (
	id             TEXT PRIMARY KEY,
	appointment_id TEXT        NOT NULL,
	old_start      TIMESTAMPTZ NOT NULL,
	new_start      TIMESTAMPTZ NOT NULL,
	teammate_name  TEXT        NOT NULL,
	teammate_phone TEXT        NOT NULL,
	reason         TEXT        NOT NULL,
	status         TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS customer_responses (
	id             TEXT PRIMARY KEY,
	appointment_id TEXT        NOT NULL,
	response       TEXT        NOT NULL,
	new_start      TIMESTAMPTZ,
	status         TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// RecordDelay implements [Recorder].
func (p *Postgres) RecordDelay(ctx context.Context, rec DelayRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO delay_audit
		(id, appointment_id, old_start, new_start, teammate_name, teammate_phone, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := p.pool.Exec(ctx, q,
		rec.ID, rec.AppointmentID, rec.OldStart, rec.NewStart,
		rec.TeammateName, rec.TeammatePhone, rec.Reason, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: record delay: %w", err)
	}
	return nil
}

// RecordCustomerResponse implements [Recorder].
func (p *Postgres) RecordCustomerResponse(ctx context.Context, rec CustomerResponse) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO customer_responses
		(id, appointment_id, response, new_start, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.pool.Exec(ctx, q,
		rec.ID, rec.AppointmentID, rec.Response, rec.NewStart, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: record customer response: %w", err)
	}
	return nil
}
