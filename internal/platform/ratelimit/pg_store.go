package ratelimit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore backs the limiter with the rate_limit_events table so the window
// is shared across instances. The prune, count, and conditional insert run
// as one statement, making the check-and-increment atomic per round trip.
//
// Under READ COMMITTED, concurrent statements for the same key can each
// count the window before seeing the other's insert, so the budget can be
// exceeded by roughly the number of in-flight requests. The limit is an
// approximation, not a hard cap.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const takeSQL = `
WITH pruned AS (
    DELETE FROM rate_limit_events
    WHERE identity_key = $1 AND ts <= $2
),
current AS (
    SELECT count(*) AS n, min(ts) AS oldest
    FROM rate_limit_events
    WHERE identity_key = $1 AND ts > $2
),
inserted AS (
    INSERT INTO rate_limit_events (identity_key, ts)
    SELECT $1, $3 FROM current WHERE current.n < $4
    RETURNING ts
)
SELECT
    current.n + (SELECT count(*) FROM inserted),
    (SELECT count(*) FROM inserted) > 0,
    current.oldest
FROM current`

// Take implements Store.
func (s *PGStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, int, time.Time, error) {
	cutoff := now.Add(-window)

	var (
		count   int
		allowed bool
		oldest  *time.Time
	)
	err := s.pool.QueryRow(ctx, takeSQL, key, cutoff, now, max).Scan(&count, &allowed, &oldest)
	if err != nil {
		return false, 0, time.Time{}, err
	}

	var oldestTS time.Time
	if oldest != nil {
		oldestTS = *oldest
	} else if allowed {
		oldestTS = now
	}
	return allowed, count, oldestTS, nil
}
