package matrixcache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/scenario"
)

// Repository handles scenario_matrices database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new matrix repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "matrixcache").Logger(),
	}
}

// BeginGeneration ensures a row exists for the key in 'generating' status.
// It returns alreadyComplete=true when a finished matrix is already stored,
// in which case the caller should treat the generation as a cache hit.
//
// The unique primary key plus the status precondition below is the only
// in-flight-generation state in the system: any number of stateless
// orchestrators can race on this safely.
func (r *Repository) BeginGeneration(key string) (alreadyComplete bool, err error) {
	now := time.Now().Unix()

	_, err = r.db.Exec(`
		INSERT INTO scenario_matrices (matrix_key, status, created_at)
		VALUES (?, 'generating', ?)
		ON CONFLICT(matrix_key) DO UPDATE
			SET status = 'generating', error_reason = NULL
			WHERE scenario_matrices.status = 'failed'`,
		key, now)
	if err != nil {
		return false, fmt.Errorf("failed to begin matrix generation for %s: %w", key, err)
	}

	var status string
	if err := r.db.QueryRow(`SELECT status FROM scenario_matrices WHERE matrix_key = ?`, key).Scan(&status); err != nil {
		return false, fmt.Errorf("failed to read matrix status for %s: %w", key, err)
	}

	return MatrixStatus(status) == StatusComplete, nil
}

// StoreComplete transitions a generating row to complete and writes the full
// payload in the same statement. The transition is only legal from
// 'generating'; if another process already completed the row the call is an
// idempotent no-op.
func (r *Repository) StoreComplete(key string, m *scenario.Matrix) error {
	payload, err := EncodeValues(m.Values)
	if err != nil {
		return fmt.Errorf("failed to encode matrix %s: %w", key, err)
	}
	bucketsJSON, err := json.Marshal(m.Buckets)
	if err != nil {
		return fmt.Errorf("failed to serialize bucket list for %s: %w", key, err)
	}
	scenariosJSON, err := json.Marshal(m.Scenarios)
	if err != nil {
		return fmt.Errorf("failed to serialize scenario list for %s: %w", key, err)
	}

	now := time.Now().Unix()
	res, err := r.db.Exec(`
		UPDATE scenario_matrices
		SET status = 'complete',
		    bucket_count = ?,
		    scenario_count = ?,
		    buckets_json = ?,
		    scenarios_json = ?,
		    payload = ?,
		    codec = ?,
		    error_reason = NULL,
		    completed_at = ?
		WHERE matrix_key = ? AND status = 'generating'`,
		m.BucketCount(), m.ScenarioCount(), string(bucketsJSON), string(scenariosJSON),
		payload, CodecF32, now, key)
	if err != nil {
		return fmt.Errorf("failed to store matrix %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read store result for %s: %w", key, err)
	}
	if affected == 0 {
		var status string
		if err := r.db.QueryRow(`SELECT status FROM scenario_matrices WHERE matrix_key = ?`, key).Scan(&status); err != nil {
			return fmt.Errorf("matrix %s not in generating status and unreadable: %w", key, err)
		}
		if MatrixStatus(status) == StatusComplete {
			// A concurrent generation won the race. Identical inputs produce
			// identical matrices, so this is success.
			r.log.Debug().Str("matrix_key", key).Msg("Matrix already complete, skipping store")
			return nil
		}
		return fmt.Errorf("cannot complete matrix %s from status %s", key, status)
	}

	return nil
}

// MarkFailed transitions a generating row to failed and clears the payload.
func (r *Repository) MarkFailed(key, reason string) error {
	_, err := r.db.Exec(`
		UPDATE scenario_matrices
		SET status = 'failed',
		    payload = NULL,
		    codec = NULL,
		    bucket_count = NULL,
		    scenario_count = NULL,
		    buckets_json = NULL,
		    scenarios_json = NULL,
		    completed_at = NULL,
		    error_reason = ?
		WHERE matrix_key = ? AND status = 'generating'`,
		reason, key)
	if err != nil {
		return fmt.Errorf("failed to mark matrix %s failed: %w", key, err)
	}
	return nil
}

// StatusOf returns the stored status for a key without touching the payload.
// A missing row reports the empty status.
func (r *Repository) StatusOf(key string) (MatrixStatus, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM scenario_matrices WHERE matrix_key = ?`, key).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read matrix status for %s: %w", key, err)
	}
	return MatrixStatus(status), nil
}

// Get loads a cache entry. Returns (nil, nil) when no row exists. The matrix
// payload is only decoded for complete rows.
func (r *Repository) Get(key string) (*StoredMatrix, error) {
	var (
		status        string
		codec         sql.NullString
		payload       []byte
		bucketsJSON   sql.NullString
		scenariosJSON sql.NullString
		errorReason   sql.NullString
		createdAt     int64
		completedAt   sql.NullInt64
	)

	err := r.db.QueryRow(`
		SELECT status, codec, payload, buckets_json, scenarios_json, error_reason, created_at, completed_at
		FROM scenario_matrices WHERE matrix_key = ?`, key).
		Scan(&status, &codec, &payload, &bucketsJSON, &scenariosJSON, &errorReason, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load matrix %s: %w", key, err)
	}

	entry := &StoredMatrix{
		Key:         key,
		Status:      MatrixStatus(status),
		Codec:       codec.String,
		ErrorReason: errorReason.String,
		CreatedAt:   time.Unix(createdAt, 0).UTC(),
	}
	if completedAt.Valid {
		entry.CompletedAt = time.Unix(completedAt.Int64, 0).UTC()
	}

	if entry.Status != StatusComplete {
		return entry, nil
	}

	values, err := DecodeValues(payload, codec.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decode matrix %s: %w", key, err)
	}

	var buckets []domain.BucketParams
	if err := json.Unmarshal([]byte(bucketsJSON.String), &buckets); err != nil {
		return nil, fmt.Errorf("failed to parse bucket list for %s: %w", key, err)
	}
	var scenarios []scenario.ScenarioState
	if err := json.Unmarshal([]byte(scenariosJSON.String), &scenarios); err != nil {
		return nil, fmt.Errorf("failed to parse scenario list for %s: %w", key, err)
	}

	entry.Matrix = &scenario.Matrix{
		Buckets:   buckets,
		Scenarios: scenarios,
		Values:    values,
	}
	return entry, nil
}
