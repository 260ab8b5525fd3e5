package linktoken

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type widgetRepoPG struct{ pool *pgxpool.Pool }

// NewWidgetRepoPG creates a PostgreSQL-backed widget token repository.
func NewWidgetRepoPG(pool *pgxpool.Pool) WidgetTokenRepository {
	return &widgetRepoPG{pool: pool}
}

func (r *widgetRepoPG) Create(ctx context.Context, wt *WidgetToken) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO widget_tokens (id, token_hash, subject, products, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		wt.ID, wt.TokenHash, wt.Subject, wt.Products, wt.ExpiresAt, wt.CreatedAt)
	return err
}

func (r *widgetRepoPG) GetByHash(ctx context.Context, hash string) (*WidgetToken, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, token_hash, subject, products, expires_at, consumed_at, created_at
		FROM widget_tokens WHERE token_hash = $1`, hash)
	return scanWidgetToken(row)
}

func (r *widgetRepoPG) Consume(ctx context.Context, id uuid.UUID, now time.Time) (*WidgetToken, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE widget_tokens
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING id, token_hash, subject, products, expires_at, consumed_at, created_at`,
		id, now)
	return scanWidgetToken(row)
}

func (r *widgetRepoPG) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM widget_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanWidgetToken(row pgx.Row) (*WidgetToken, error) {
	var wt WidgetToken
	err := row.Scan(&wt.ID, &wt.TokenHash, &wt.Subject, &wt.Products, &wt.ExpiresAt, &wt.ConsumedAt, &wt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &wt, nil
}

type publicRepoPG struct{ pool *pgxpool.Pool }

// NewPublicRepoPG creates a PostgreSQL-backed public token repository.
func NewPublicRepoPG(pool *pgxpool.Pool) PublicTokenRepository {
	return &publicRepoPG{pool: pool}
}

func (r *publicRepoPG) Create(ctx context.Context, pt *PublicToken) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO public_tokens (id, token_hash, connection_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		pt.ID, pt.TokenHash, pt.ConnectionID, pt.ExpiresAt, pt.CreatedAt)
	return err
}

func (r *publicRepoPG) Consume(ctx context.Context, hash string, now time.Time) (*PublicToken, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE public_tokens
		SET consumed_at = $2
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING id, token_hash, connection_id, expires_at, consumed_at, created_at`,
		hash, now)

	var pt PublicToken
	err := row.Scan(&pt.ID, &pt.TokenHash, &pt.ConnectionID, &pt.ExpiresAt, &pt.ConsumedAt, &pt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

func (r *publicRepoPG) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM public_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
