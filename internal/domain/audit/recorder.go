package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Recorder persists audit entries. Recording must never fail the audited
// operation; implementations log and swallow storage errors.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// ---- PostgreSQL recorder ----

type recorderPG struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewRecorderPG creates a PostgreSQL-backed audit recorder. Storage failures
// are logged, never propagated.
func NewRecorderPG(pool *pgxpool.Pool, logger zerolog.Logger) Recorder {
	return &recorderPG{pool: pool, logger: logger.With().Str("component", "audit").Logger()}
}

func (r *recorderPG) Record(ctx context.Context, entry Entry) {
	fill(&entry)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, action, outcome, subject, provider_id, connection_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.Action, entry.Outcome, entry.Subject, entry.ProviderID, entry.ConnectionID, entry.Detail, entry.CreatedAt)
	if err != nil {
		r.logger.Error().Err(err).Str("action", string(entry.Action)).Msg("audit write failed; entry logged only")
		logEntry(r.logger, entry)
	}
}

// ---- log-only recorder ----

type recorderLog struct{ logger zerolog.Logger }

// NewRecorderLog creates a recorder that writes entries to the structured
// log. Used in development and as a fallback when no database is available.
func NewRecorderLog(logger zerolog.Logger) Recorder {
	return &recorderLog{logger: logger.With().Str("component", "audit").Logger()}
}

func (r *recorderLog) Record(_ context.Context, entry Entry) {
	fill(&entry)
	logEntry(r.logger, entry)
}

// ---- in-memory recorder for tests ----

// MemoryRecorder keeps entries in memory for assertions.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Record(_ context.Context, entry Entry) {
	fill(&entry)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

// Entries returns a copy of everything recorded so far.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func fill(entry *Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}

func logEntry(logger zerolog.Logger, entry Entry) {
	ev := logger.Info().
		Str("audit_id", entry.ID.String()).
		Str("action", string(entry.Action)).
		Str("outcome", string(entry.Outcome))
	if entry.Subject != "" {
		ev = ev.Str("subject", entry.Subject)
	}
	if entry.ProviderID != "" {
		ev = ev.Str("provider_id", entry.ProviderID)
	}
	if entry.ConnectionID != nil {
		ev = ev.Str("connection_id", entry.ConnectionID.String())
	}
	if entry.Detail != "" {
		ev = ev.Str("detail", entry.Detail)
	}
	ev.Msg("audit")
}
