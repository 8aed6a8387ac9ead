package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/optimizer"
)

// ErrStaleTransition is returned when a guarded status update matched zero
// rows, meaning another dispatch already moved the session past that state.
var ErrStaleTransition = errors.New("session is no longer in the expected status")

// Repository persists optimization sessions. All status transitions are
// guarded by the expected current status so concurrent dispatches of the
// same job cannot double-apply a step.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a session repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "session").Logger(),
	}
}

const sessionColumns = `id, matrix_key, config_json, status, allocation_json,
	solver_meta_json, validation_json, error_reason, created_at,
	matrix_ready_at, optimized_at, validated_at, completed_at, updated_at`

// CreateTx inserts a new REQUESTED session inside the caller's transaction.
func (r *Repository) CreateTx(tx *sql.Tx, s *Session) error {
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal session config: %w", err)
	}

	now := time.Now().UTC()
	s.Status = StatusRequested
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO optimization_sessions (id, matrix_key, config_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.MatrixKey, string(configJSON), string(s.Status),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}
	return nil
}

// GetByID returns the session, or (nil, nil) when it does not exist.
func (r *Repository) GetByID(id string) (*Session, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM optimization_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return s, nil
}

// ListByStatus returns sessions in the given status, oldest first.
func (r *Repository) ListByStatus(status Status) ([]*Session, error) {
	rows, err := r.db.Query(`SELECT `+sessionColumns+`
		FROM optimization_sessions WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MarkMatrixGeneratingTx moves REQUESTED -> MATRIX_GENERATING.
func (r *Repository) MarkMatrixGeneratingTx(tx *sql.Tx, id string) error {
	return r.guardedUpdate(tx, id, StatusRequested, `
		UPDATE optimization_sessions
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusMatrixGenerating), nowMilli(), id, string(StatusRequested))
}

// MarkOptimizingTx moves MATRIX_GENERATING -> OPTIMIZING and records when the
// matrix became available.
func (r *Repository) MarkOptimizingTx(tx *sql.Tx, id string) error {
	now := nowMilli()
	return r.guardedUpdate(tx, id, StatusMatrixGenerating, `
		UPDATE optimization_sessions
		SET status = ?, matrix_ready_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusOptimizing), now, now, id, string(StatusMatrixGenerating))
}

// MarkValidatingTx moves OPTIMIZING -> VALIDATING and stores the solver output.
func (r *Repository) MarkValidatingTx(tx *sql.Tx, id string, allocations []domain.BucketAllocation, meta *optimizer.SolverMetadata) error {
	allocJSON, err := json.Marshal(allocations)
	if err != nil {
		return fmt.Errorf("failed to marshal allocations: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal solver metadata: %w", err)
	}

	now := nowMilli()
	return r.guardedUpdate(tx, id, StatusOptimizing, `
		UPDATE optimization_sessions
		SET status = ?, allocation_json = ?, solver_meta_json = ?, optimized_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusValidating), string(allocJSON), string(metaJSON), now, now,
		id, string(StatusOptimizing))
}

// MarkCompletedTx moves VALIDATING -> COMPLETED with the validation metrics.
func (r *Repository) MarkCompletedTx(tx *sql.Tx, id string, metrics *domain.ValidationMetrics) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal validation metrics: %w", err)
	}

	now := nowMilli()
	return r.guardedUpdate(tx, id, StatusValidating, `
		UPDATE optimization_sessions
		SET status = ?, validation_json = ?, validated_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), string(metricsJSON), now, now, now,
		id, string(StatusValidating))
}

// MarkFailedTx moves any non-terminal status to FAILED with a reason.
func (r *Repository) MarkFailedTx(tx *sql.Tx, id, reason string) error {
	now := nowMilli()
	res, err := tx.Exec(`
		UPDATE optimization_sessions
		SET status = ?, error_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusFailed), reason, now, now,
		id, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to mark session %s failed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *Repository) guardedUpdate(tx *sql.Tx, id string, expected Status, query string, args ...interface{}) error {
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session %s from %s: %w", id, expected, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s           Session
		status      string
		configJSON  string
		allocJSON   sql.NullString
		metaJSON    sql.NullString
		validJSON   sql.NullString
		errorReason sql.NullString
		createdAt   int64
		matrixReady sql.NullInt64
		optimized   sql.NullInt64
		validated   sql.NullInt64
		completed   sql.NullInt64
		updatedAt   int64
	)

	err := row.Scan(&s.ID, &s.MatrixKey, &configJSON, &status, &allocJSON,
		&metaJSON, &validJSON, &errorReason, &createdAt,
		&matrixReady, &optimized, &validated, &completed, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	if err := json.Unmarshal([]byte(configJSON), &s.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session config: %w", err)
	}
	if allocJSON.Valid {
		if err := json.Unmarshal([]byte(allocJSON.String), &s.Allocations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allocations: %w", err)
		}
	}
	if metaJSON.Valid {
		s.SolverMeta = &optimizer.SolverMetadata{}
		if err := json.Unmarshal([]byte(metaJSON.String), s.SolverMeta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal solver metadata: %w", err)
		}
	}
	if validJSON.Valid {
		s.Validation = &domain.ValidationMetrics{}
		if err := json.Unmarshal([]byte(validJSON.String), s.Validation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation metrics: %w", err)
		}
	}
	s.ErrorReason = errorReason.String
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.MatrixReadyAt = nullTime(matrixReady)
	s.OptimizedAt = nullTime(optimized)
	s.ValidatedAt = nullTime(validated)
	s.CompletedAt = nullTime(completed)
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nowMilli() int64 {
	return time.Now().UTC().UnixMilli()
}
