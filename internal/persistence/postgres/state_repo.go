package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/hedgerun/internal/domain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS hedge_states (
		asset                TEXT PRIMARY KEY,
		current_state        TEXT NOT NULL,
		last_hedge_time      TIMESTAMPTZ NOT NULL,
		last_hedge_size      DOUBLE PRECISION NOT NULL DEFAULT 0,
		accumulated_exposure DOUBLE PRECISION NOT NULL DEFAULT 0,
		cooldown_until       TIMESTAMPTZ NOT NULL,
		pending_action_id    TEXT NOT NULL DEFAULT '',
		deferrals            INTEGER NOT NULL DEFAULT 0,
		updated_at           TIMESTAMPTZ NOT NULL
	);
	ALTER TABLE hedge_states ADD COLUMN IF NOT EXISTS last_hedge_instrument TEXT NOT NULL DEFAULT '';
	ALTER TABLE hedge_states ADD COLUMN IF NOT EXISTS positions JSONB NOT NULL DEFAULT '{}'`

const selectColumns = `
		SELECT asset, current_state, last_hedge_time, last_hedge_size, last_hedge_instrument,
		       accumulated_exposure, positions, cooldown_until, pending_action_id, deferrals, updated_at
		FROM hedge_states`

// StateRepo stores HedgeState rows in PostgreSQL
type StateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStateRepo creates a repository on an open connection
func NewStateRepo(db *sqlx.DB, timeout time.Duration) *StateRepo {
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &StateRepo{db: db, timeout: timeout}
}

// Migrate creates the hedge_states table when missing
func (r *StateRepo) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create hedge_states: %w", err)
	}
	return nil
}

// Save inserts or updates the state of s.Asset
func (r *StateRepo) Save(ctx context.Context, s domain.HedgeState) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to store: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO hedge_states
		(asset, current_state, last_hedge_time, last_hedge_size, last_hedge_instrument,
		 accumulated_exposure, positions, cooldown_until, pending_action_id, deferrals, updated_at)
		VALUES (:asset, :current_state, :last_hedge_time, :last_hedge_size, :last_hedge_instrument,
		 :accumulated_exposure, :positions, :cooldown_until, :pending_action_id, :deferrals, :updated_at)
		ON CONFLICT (asset) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			last_hedge_time = EXCLUDED.last_hedge_time,
			last_hedge_size = EXCLUDED.last_hedge_size,
			last_hedge_instrument = EXCLUDED.last_hedge_instrument,
			accumulated_exposure = EXCLUDED.accumulated_exposure,
			positions = EXCLUDED.positions,
			cooldown_until = EXCLUDED.cooldown_until,
			pending_action_id = EXCLUDED.pending_action_id,
			deferrals = EXCLUDED.deferrals,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		return fmt.Errorf("failed to upsert hedge state: %w", err)
	}
	return nil
}

// Load returns the state of asset, found=false when no row exists
func (r *StateRepo) Load(ctx context.Context, asset string) (domain.HedgeState, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s domain.HedgeState
	err := r.db.GetContext(ctx, &s, selectColumns+` WHERE asset = $1`, asset)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HedgeState{}, false, nil
	}
	if err != nil {
		return domain.HedgeState{}, false, fmt.Errorf("failed to load hedge state: %w", err)
	}
	return normalize(s), true, nil
}

// LoadAll returns every row ordered by asset
func (r *StateRepo) LoadAll(ctx context.Context) ([]domain.HedgeState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var states []domain.HedgeState
	if err := r.db.SelectContext(ctx, &states, selectColumns+` ORDER BY asset`); err != nil {
		return nil, fmt.Errorf("failed to list hedge states: %w", err)
	}
	for i := range states {
		states[i] = normalize(states[i])
	}
	return states, nil
}

// Delete removes the row of asset
func (r *StateRepo) Delete(ctx context.Context, asset string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM hedge_states WHERE asset = $1`, asset); err != nil {
		return fmt.Errorf("failed to delete hedge state: %w", err)
	}
	return nil
}

// Ping tests connectivity
func (r *StateRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close closes the connection pool
func (r *StateRepo) Close() error { return r.db.Close() }

// normalize returns timestamps in UTC so states compare equal regardless of
// the session time zone
func normalize(s domain.HedgeState) domain.HedgeState {
	s.LastHedgeTime = s.LastHedgeTime.UTC()
	s.CooldownUntil = s.CooldownUntil.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s
}
