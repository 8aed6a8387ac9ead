package outbox

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxAttempts is the per-entry retry budget.
	DefaultMaxAttempts = 5

	// maxBackoff caps the exponential retry delay.
	maxBackoff = 300 * time.Second
)

// Repository persists outbox entries. Claiming is a single atomic UPDATE so
// two pollers can never hand the same entry to two workers.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger

	// MaxAttempts overrides the per-entry retry budget when positive.
	MaxAttempts int
}

// NewRepository creates an outbox repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "outbox").Logger(),
	}
}

// EnqueueTx inserts a pending entry inside the caller's transaction. A
// conflicting idempotency key means the work already exists; that is success,
// and the function reports whether a new entry was actually created.
func (r *Repository) EnqueueTx(tx *sql.Tx, kind Kind, idempotencyKey string, payload []byte) (bool, error) {
	now := time.Now().UTC()
	id := ulid.Make().String()

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	res, err := tx.Exec(`
		INSERT INTO job_outbox (id, idempotency_key, kind, payload_json, status, attempts, max_attempts, next_run_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		id, idempotencyKey, string(kind), string(payload),
		maxAttempts, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue outbox entry %s: %w", idempotencyKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// ReviveTx resets a failed entry with the given idempotency key back to
// pending. Used by the revival check when a session needs a next-stage entry
// that permanently failed earlier.
func (r *Repository) ReviveTx(tx *sql.Tx, idempotencyKey string) (bool, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := tx.Exec(`
		UPDATE job_outbox
		SET status = 'pending', attempts = 0, next_run_at = ?, processing_at = NULL, last_error = NULL
		WHERE idempotency_key = ? AND status = 'failed'`,
		now, idempotencyKey)
	if err != nil {
		return false, fmt.Errorf("failed to revive outbox entry %s: %w", idempotencyKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// Claim atomically moves up to batch due pending entries to processing, with
// an incremented attempt counter, and returns them. SQLite executes the whole
// statement atomically, which gives the same partition guarantee Postgres
// gets from FOR UPDATE SKIP LOCKED. Counting the attempt at claim time means
// a worker that dies mid-job still consumed budget, so a poison entry cannot
// crash-loop forever.
func (r *Repository) Claim(batch int) ([]*Entry, error) {
	now := time.Now().UTC().UnixMilli()
	rows, err := r.db.Query(`
		UPDATE job_outbox
		SET status = 'processing', processing_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM job_outbox
			WHERE status = 'pending' AND next_run_at <= ? AND attempts < max_attempts
			ORDER BY next_run_at, created_at
			LIMIT ?
		)
		RETURNING id, idempotency_key, kind, payload_json, status, attempts, max_attempts, next_run_at, processing_at, last_error, created_at`,
		now, now, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkEnqueued records that the entry's stage finished with its effects
// durably stored. Terminal success state; completed entries stay enqueued.
func (r *Repository) MarkEnqueued(id string) error {
	_, err := r.db.Exec(`UPDATE job_outbox SET status = 'enqueued' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %s enqueued: %w", id, err)
	}
	return nil
}

// Reschedule returns a processing entry to pending with exponential backoff,
// or marks it failed once the attempt budget is exhausted. The attempt was
// already counted by Claim; this only reads it. Reports whether the entry is
// now permanently failed.
func (r *Repository) Reschedule(id string, cause error) (bool, error) {
	var attempts, maxAttempts int
	err := r.db.QueryRow(`SELECT attempts, max_attempts FROM job_outbox WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to load outbox entry %s for reschedule: %w", id, err)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts >= maxAttempts {
		_, err = r.db.Exec(`
			UPDATE job_outbox SET status = 'failed', last_error = ? WHERE id = ?`,
			msg, id)
		if err != nil {
			return false, fmt.Errorf("failed to mark outbox entry %s failed: %w", id, err)
		}
		return true, nil
	}

	nextRun := time.Now().UTC().Add(backoff(attempts)).UnixMilli()
	_, err = r.db.Exec(`
		UPDATE job_outbox
		SET status = 'pending', next_run_at = ?, processing_at = NULL, last_error = ?
		WHERE id = ?`,
		nextRun, msg, id)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule outbox entry %s: %w", id, err)
	}
	return false, nil
}

// MarkFailed terminally fails an entry regardless of remaining attempts.
// Used when the handler hit a permanent error that retrying cannot fix.
func (r *Repository) MarkFailed(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.Exec(`UPDATE job_outbox SET status = 'failed', last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %s failed: %w", id, err)
	}
	return nil
}

// ReapStale returns processing entries older than staleAfter to pending so a
// crashed worker's jobs are retried, and terminally fails entries whose
// attempt budget those crashes already consumed. Returns how many were reset
// to pending.
func (r *Repository) ReapStale(staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).UnixMilli()
	res, err := r.db.Exec(`
		UPDATE job_outbox
		SET status = 'pending', processing_at = NULL
		WHERE status = 'processing' AND processing_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale outbox entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	// Pending rows at the budget only exist after crash-loop reaps; Claim
	// refuses them, so without this they would sit pending forever.
	failed, err := r.db.Exec(`
		UPDATE job_outbox
		SET status = 'failed', last_error = 'worker lost and attempt budget exhausted'
		WHERE status = 'pending' AND attempts >= max_attempts`)
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted outbox entries: %w", err)
	}
	if n, err := failed.RowsAffected(); err == nil && n > 0 {
		r.log.Warn().Int64("failed", n).Msg("Terminally failed crash-looped outbox entries")
	}
	return int(affected), nil
}

// GetByKey returns the entry with the given idempotency key, or (nil, nil).
func (r *Repository) GetByKey(idempotencyKey string) (*Entry, error) {
	row := r.db.QueryRow(`
		SELECT id, idempotency_key, kind, payload_json, status, attempts, max_attempts, next_run_at, processing_at, last_error, created_at
		FROM job_outbox WHERE idempotency_key = ?`, idempotencyKey)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entry %s: %w", idempotencyKey, err)
	}
	return e, nil
}

// backoff is min(2^attempts, 300) seconds.
func backoff(attempts int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e            Entry
		kind         string
		payload      string
		status       string
		nextRunAt    int64
		processingAt sql.NullInt64
		lastError    sql.NullString
		createdAt    int64
	)
	err := row.Scan(&e.ID, &e.IdempotencyKey, &kind, &payload, &status,
		&e.Attempts, &e.MaxAttempts, &nextRunAt, &processingAt, &lastError, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Payload = []byte(payload)
	e.Status = EntryStatus(status)
	e.NextRunAt = time.UnixMilli(nextRunAt).UTC()
	if processingAt.Valid {
		t := time.UnixMilli(processingAt.Int64).UTC()
		e.ProcessingAt = &t
	}
	e.LastError = lastError.String
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}
