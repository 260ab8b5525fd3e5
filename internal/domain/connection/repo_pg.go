package connection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const connectionColumns = `
	id, subject, provider_id, external_patient_id, scope, products, status,
	access_token_ciphertext, refresh_token_ciphertext,
	token_expires_at, last_refreshed_at, created_at, updated_at`

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed connection repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Upsert(ctx context.Context, conn *Connection) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO connections (
			id, subject, provider_id, external_patient_id, scope, products, status,
			access_token_ciphertext, refresh_token_ciphertext,
			token_expires_at, last_refreshed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (subject, provider_id, external_patient_id) DO UPDATE SET
			scope = EXCLUDED.scope,
			products = EXCLUDED.products,
			status = EXCLUDED.status,
			access_token_ciphertext = EXCLUDED.access_token_ciphertext,
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			token_expires_at = EXCLUDED.token_expires_at,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		conn.ID, conn.Subject, conn.ProviderID, conn.ExternalPatientID, conn.Scope, conn.Products, conn.Status,
		conn.AccessTokenCiphertext, conn.RefreshTokenCiphertext,
		conn.TokenExpiresAt, conn.LastRefreshedAt, conn.CreatedAt, conn.UpdatedAt)

	// An upsert that hit an existing row keeps the original id; reflect it
	// back so the caller refers to the surviving connection.
	return row.Scan(&conn.ID, &conn.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	return scanConnection(row)
}

func (r *repoPG) ListBySubject(ctx context.Context, subject string) ([]*Connection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE subject = $1
		ORDER BY created_at DESC`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *repoPG) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Connection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE status = $1
		  AND token_expires_at < $2
		  AND refresh_token_ciphertext <> ''
		ORDER BY token_expires_at`, StatusActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *repoPG) UpdateTokens(ctx context.Context, id uuid.UUID, accessCiphertext, refreshCiphertext string, expiresAt, refreshedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connections
		SET access_token_ciphertext = $2,
		    refresh_token_ciphertext = $3,
		    token_expires_at = $4,
		    last_refreshed_at = $5,
		    status = $6,
		    updated_at = $5
		WHERE id = $1`,
		id, accessCiphertext, refreshCiphertext, expiresAt, refreshedAt, StatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connections SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.Subject, &c.ProviderID, &c.ExternalPatientID, &c.Scope, &c.Products, &c.Status,
		&c.AccessTokenCiphertext, &c.RefreshTokenCiphertext,
		&c.TokenExpiresAt, &c.LastRefreshedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectConnections(rows pgx.Rows) ([]*Connection, error) {
	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
