package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed webhook repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const webhookColumns = `id, subject, url, secret, event_types, active, created_at`

func (r *repoPG) Create(ctx context.Context, wh *Webhook) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		wh.ID, wh.Subject, wh.URL, wh.Secret, wh.EventTypes, wh.Active, wh.CreatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks WHERE id = $1`, id)
	return scanWebhook(row)
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Webhook, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE active ORDER BY created_at`)
}

func (r *repoPG) ListBySubject(ctx context.Context, subject string) ([]*Webhook, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE subject = $1 ORDER BY created_at`, subject)
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Webhook, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var wh Webhook
	err := row.Scan(&wh.ID, &wh.Subject, &wh.URL, &wh.Secret, &wh.EventTypes, &wh.Active, &wh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

type deliveryRepoPG struct{ pool *pgxpool.Pool }

// NewDeliveryRepoPG creates a PostgreSQL-backed delivery repository.
func NewDeliveryRepoPG(pool *pgxpool.Pool) DeliveryRepository {
	return &deliveryRepoPG{pool: pool}
}

const deliveryColumns = `
	id, webhook_id, event_id, event_type, payload, status, attempts,
	response_status, response_excerpt, last_error, next_retry_at, created_at, updated_at`

func (r *deliveryRepoPG) Create(ctx context.Context, d *Delivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.WebhookID, d.EventID, d.EventType, d.Payload, d.Status, d.Attempts,
		d.ResponseStatus, d.ResponseExcerpt, d.LastError, d.NextRetryAt, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *deliveryRepoPG) Update(ctx context.Context, d *Delivery) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, response_status = $4, response_excerpt = $5,
		    last_error = $6, next_retry_at = $7, updated_at = $8
		WHERE id = $1`,
		d.ID, d.Status, d.Attempts, d.ResponseStatus, d.ResponseExcerpt,
		d.LastError, d.NextRetryAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDue clears next_retry_at inside the claiming update, so a delivery
// claimed by one worker is invisible to the next tick until the attempt
// writes its outcome back.
func (r *deliveryRepoPG) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = NULL
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (r *deliveryRepoPG) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*Delivery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]*Delivery, error) {
	var out []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Payload,
			&d.Status, &d.Attempts, &d.ResponseStatus, &d.ResponseExcerpt,
			&d.LastError, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
