package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type stateRepoPG struct{ pool *pgxpool.Pool }

// NewStateRepoPG creates a PostgreSQL-backed state repository.
func NewStateRepoPG(pool *pgxpool.Pool) StateRepository {
	return &stateRepoPG{pool: pool}
}

func (r *stateRepoPG) Create(ctx context.Context, st *State) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO authorization_state (id, provider_id, code_verifier, return_url, widget_token_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		st.ID, st.ProviderID, st.CodeVerifier, st.ReturnURL, st.WidgetTokenID, st.CreatedAt, st.ExpiresAt)
	return err
}

// Consume claims the state row with a conditional update, so two concurrent
// callbacks presenting the same token race for a single row and exactly one
// wins.
func (r *stateRepoPG) Consume(ctx context.Context, id uuid.UUID, now time.Time) (*State, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE authorization_state
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING id, provider_id, code_verifier, return_url, widget_token_id, created_at, expires_at, consumed_at`,
		id, now)

	var st State
	err := row.Scan(&st.ID, &st.ProviderID, &st.CodeVerifier, &st.ReturnURL,
		&st.WidgetTokenID, &st.CreatedAt, &st.ExpiresAt, &st.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidOrExpiredState
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *stateRepoPG) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM authorization_state WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
