package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/modules/matrixcache"
	"github.com/foliofund/allocator/internal/modules/optimizer"
	"github.com/foliofund/allocator/internal/modules/scenario"
	"github.com/foliofund/allocator/internal/modules/session"
	"github.com/foliofund/allocator/internal/modules/validation"
	"github.com/foliofund/allocator/internal/outbox"
)

// Handlers implements the three pipeline stages executed on the worker pool.
// Each handler is idempotent: re-running it after a crash or duplicate
// dispatch converges on the same durable state.
type Handlers struct {
	cache     *matrixcache.Cache
	generator *scenario.Generator
	engine    *optimizer.Engine
	validator validation.Validator
	sessions  *session.Service
	log       zerolog.Logger
}

// NewHandlers wires the stage handlers.
func NewHandlers(
	cache *matrixcache.Cache,
	generator *scenario.Generator,
	engine *optimizer.Engine,
	validator validation.Validator,
	sessions *session.Service,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		cache:     cache,
		generator: generator,
		engine:    engine,
		validator: validator,
		sessions:  sessions,
		log:       log.With().Str("component", "job_handlers").Logger(),
	}
}

// Handle runs the stage matching the entry's kind. A nil return means the
// stage's effects are durably stored; permanent errors have already failed
// the affected sessions by the time they are returned.
func (h *Handlers) Handle(e *outbox.Entry) error {
	switch e.Kind {
	case outbox.KindMatrixGeneration:
		return h.handleMatrixGeneration(e)
	case outbox.KindOptimization:
		return h.handleOptimization(e)
	case outbox.KindValidation:
		return h.handleValidation(e)
	default:
		return fmt.Errorf("unknown job kind %q", e.Kind)
	}
}

// failFor terminally fails the sessions an exhausted entry was serving.
func (h *Handlers) failFor(e *outbox.Entry, reason string) error {
	switch e.Kind {
	case outbox.KindMatrixGeneration:
		var p outbox.MatrixGenerationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode matrix-generation payload: %w", err)
		}
		if err := h.cache.MarkFailed(p.MatrixKey, reason); err != nil {
			return err
		}
		return h.sessions.FailWaitingForMatrix(p.MatrixKey, reason)
	case outbox.KindOptimization, outbox.KindValidation:
		var p outbox.SessionPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode session payload: %w", err)
		}
		return h.sessions.Fail(p.SessionID, reason)
	default:
		return fmt.Errorf("unknown job kind %q", e.Kind)
	}
}

func (h *Handlers) handleMatrixGeneration(e *outbox.Entry) error {
	var p outbox.MatrixGenerationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode matrix-generation payload: %w", err)
	}

	alreadyComplete, err := h.cache.BeginGeneration(p.MatrixKey)
	if err != nil {
		return err
	}
	if alreadyComplete {
		return h.sessions.AdvanceWaitingForMatrix(p.MatrixKey)
	}

	sess, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		reason := fmt.Sprintf("originating session %s no longer exists", p.SessionID)
		if err := h.cache.MarkFailed(p.MatrixKey, reason); err != nil {
			return err
		}
		return h.sessions.FailWaitingForMatrix(p.MatrixKey, reason)
	}

	seed, err := matrixcache.SeedFromKey(p.MatrixKey)
	if err != nil {
		return err
	}

	matrix, err := h.generator.Generate(sess.Config.Buckets, sess.Config.Scenario, seed)
	if err != nil {
		if isPermanent(err) {
			if mfErr := h.cache.MarkFailed(p.MatrixKey, err.Error()); mfErr != nil {
				return mfErr
			}
			if failErr := h.sessions.FailWaitingForMatrix(p.MatrixKey, err.Error()); failErr != nil {
				return failErr
			}
		}
		return err
	}

	if err := h.cache.StoreMatrix(p.MatrixKey, matrix); err != nil {
		return err
	}

	h.log.Info().
		Str("matrix_key", p.MatrixKey).
		Int("buckets", matrix.BucketCount()).
		Int("scenarios", matrix.ScenarioCount()).
		Msg("Matrix generated")
	return h.sessions.AdvanceWaitingForMatrix(p.MatrixKey)
}

func (h *Handlers) handleOptimization(e *outbox.Entry) error {
	var p outbox.SessionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode optimization payload: %w", err)
	}

	sess, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found for optimization", p.SessionID)
	}
	if sess.Status != session.StatusOptimizing {
		// Duplicate dispatch after the session already moved on.
		h.log.Debug().Str("session_id", p.SessionID).Str("status", string(sess.Status)).
			Msg("Skipping optimization for session past OPTIMIZING")
		return nil
	}

	matrix, hit, err := h.cache.CheckMatrix(sess.MatrixKey)
	if err != nil {
		return err
	}
	if !hit {
		// A session only reaches OPTIMIZING after its matrix is durably
		// complete, so a miss here is a transient read problem.
		return fmt.Errorf("matrix %s not readable for session %s", sess.MatrixKey, p.SessionID)
	}

	result, err := h.engine.Solve(matrix, sess.Config.Risk)
	if err != nil {
		if isPermanent(err) {
			if failErr := h.sessions.Fail(p.SessionID, err.Error()); failErr != nil {
				return failErr
			}
		}
		return err
	}

	return h.sessions.AdvanceToValidating(p.SessionID, result.Allocations, &result.Metadata)
}

func (h *Handlers) handleValidation(e *outbox.Entry) error {
	var p outbox.SessionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode validation payload: %w", err)
	}

	sess, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found for validation", p.SessionID)
	}
	if sess.Status != session.StatusValidating {
		h.log.Debug().Str("session_id", p.SessionID).Str("status", string(sess.Status)).
			Msg("Skipping validation for session past VALIDATING")
		return nil
	}

	matrix, hit, err := h.cache.CheckMatrix(sess.MatrixKey)
	if err != nil {
		return err
	}
	if !hit {
		return fmt.Errorf("matrix %s not readable for session %s", sess.MatrixKey, p.SessionID)
	}

	metrics, err := h.validator.Validate(matrix, sess.Allocations, sess.Config)
	if err != nil {
		if isPermanent(err) {
			if failErr := h.sessions.Fail(p.SessionID, err.Error()); failErr != nil {
				return failErr
			}
		}
		return err
	}

	return h.sessions.Complete(p.SessionID, metrics)
}
