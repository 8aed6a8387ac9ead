package session

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/database"
	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/matrixcache"
	"github.com/foliofund/allocator/internal/modules/optimizer"
	"github.com/foliofund/allocator/internal/outbox"
)

// Service drives the session state machine. Every forward transition writes
// the new status and the next stage's outbox entry in one transaction, so a
// crash between the two cannot strand a session.
type Service struct {
	db       *sql.DB
	sessions *Repository
	outbox   *outbox.Repository
	cache    *matrixcache.Cache
	log      zerolog.Logger
}

// NewService creates a session service.
func NewService(db *sql.DB, sessions *Repository, ob *outbox.Repository, cache *matrixcache.Cache, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		sessions: sessions,
		outbox:   ob,
		cache:    cache,
		log:      log.With().Str("component", "session").Logger(),
	}
}

// Create registers a new session and immediately starts its pipeline. The
// config arrives frozen and validated from the API layer; the only derivation
// done here is the canonical matrix key.
func (s *Service) Create(cfg domain.SessionConfig) (*Session, error) {
	key, err := matrixcache.CanonicalKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive matrix key: %w", err)
	}

	sess := &Session{
		ID:        uuid.New().String(),
		MatrixKey: key,
		Config:    cfg,
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.sessions.CreateTx(tx, sess); err != nil {
			return err
		}
		return s.startPipelineTx(tx, sess)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("session_id", sess.ID).
		Str("matrix_key", key).
		Str("fund_id", cfg.FundID).
		Msg("Session created")
	return sess, nil
}

// Get returns a session by id, or (nil, nil) when unknown.
func (s *Service) Get(id string) (*Session, error) {
	return s.sessions.GetByID(id)
}

// startPipelineTx moves REQUESTED -> MATRIX_GENERATING and enqueues the
// matrix-generation job. When the matrix is already complete in the durable
// cache the generation stage is satisfied immediately and the session skips
// straight on to OPTIMIZING within the same transaction.
func (s *Service) startPipelineTx(tx *sql.Tx, sess *Session) error {
	if err := s.sessions.MarkMatrixGeneratingTx(tx, sess.ID); err != nil {
		return err
	}
	sess.Status = StatusMatrixGenerating

	hit, err := s.cache.HasComplete(sess.MatrixKey)
	if err != nil {
		return fmt.Errorf("failed to probe matrix cache: %w", err)
	}
	if hit {
		return s.AdvanceToOptimizingTx(tx, sess.ID)
	}

	payload, err := json.Marshal(outbox.MatrixGenerationPayload{
		MatrixKey: sess.MatrixKey,
		SessionID: sess.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal matrix-generation payload: %w", err)
	}

	key := outbox.MatrixGenerationKey(sess.MatrixKey)
	created, err := s.outbox.EnqueueTx(tx, outbox.KindMatrixGeneration, key, payload)
	if err != nil {
		return err
	}
	if !created {
		// Another session is already generating this matrix, or a previous
		// generation failed permanently. The revival check resurrects the
		// failed case; the in-flight case advances us on its completion.
		if _, err := s.outbox.ReviveTx(tx, key); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceToOptimizingTx moves one session past the matrix stage and enqueues
// its solve job. Safe to call for sessions that already advanced; the stale
// transition is swallowed because the work it guards was already done.
func (s *Service) AdvanceToOptimizingTx(tx *sql.Tx, sessionID string) error {
	if err := s.sessions.MarkOptimizingTx(tx, sessionID); err != nil {
		if err == ErrStaleTransition {
			return nil
		}
		return err
	}
	payload, err := json.Marshal(outbox.SessionPayload{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal optimization payload: %w", err)
	}
	if _, err := s.outbox.EnqueueTx(tx, outbox.KindOptimization, outbox.OptimizationKey(sessionID), payload); err != nil {
		return err
	}
	return nil
}

// AdvanceToValidating stores the solver result and enqueues validation.
func (s *Service) AdvanceToValidating(sessionID string, allocations []domain.BucketAllocation, meta *optimizer.SolverMetadata) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if err := s.sessions.MarkValidatingTx(tx, sessionID, allocations, meta); err != nil {
			if err == ErrStaleTransition {
				return nil
			}
			return err
		}
		payload, err := json.Marshal(outbox.SessionPayload{SessionID: sessionID})
		if err != nil {
			return fmt.Errorf("failed to marshal validation payload: %w", err)
		}
		if _, err := s.outbox.EnqueueTx(tx, outbox.KindValidation, outbox.ValidationKey(sessionID), payload); err != nil {
			return err
		}
		return nil
	})
}

// Complete stores the validation metrics and finishes the session.
func (s *Service) Complete(sessionID string, metrics *domain.ValidationMetrics) error {
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		err := s.sessions.MarkCompletedTx(tx, sessionID, metrics)
		if err == ErrStaleTransition {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("session_id", sessionID).Msg("Session completed")
	return nil
}

// Fail terminally fails a session with a reason. Failing an already-terminal
// session is a no-op.
func (s *Service) Fail(sessionID, reason string) error {
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		err := s.sessions.MarkFailedTx(tx, sessionID, reason)
		if err == ErrStaleTransition {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	s.log.Warn().Str("session_id", sessionID).Str("reason", reason).Msg("Session failed")
	return nil
}

// AdvanceWaitingForMatrix moves every session blocked on the given matrix key
// past the generation stage. Called by the matrix-generation worker once the
// matrix is durably complete.
func (s *Service) AdvanceWaitingForMatrix(matrixKey string) error {
	waiting, err := s.sessions.ListByStatus(StatusMatrixGenerating)
	if err != nil {
		return err
	}
	for _, sess := range waiting {
		if sess.MatrixKey != matrixKey {
			continue
		}
		err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
			return s.AdvanceToOptimizingTx(tx, sess.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to advance session %s: %w", sess.ID, err)
		}
	}
	return nil
}

// FailWaitingForMatrix terminally fails every session blocked on a matrix
// whose generation permanently failed.
func (s *Service) FailWaitingForMatrix(matrixKey, reason string) error {
	waiting, err := s.sessions.ListByStatus(StatusMatrixGenerating)
	if err != nil {
		return err
	}
	for _, sess := range waiting {
		if sess.MatrixKey != matrixKey {
			continue
		}
		if err := s.Fail(sess.ID, reason); err != nil {
			return err
		}
	}
	return nil
}
