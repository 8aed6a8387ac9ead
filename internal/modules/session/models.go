package session

import (
	"time"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/optimizer"
)

// Status is the lifecycle state of an optimization session.
type Status string

const (
	StatusRequested        Status = "REQUESTED"
	StatusMatrixGenerating Status = "MATRIX_GENERATING"
	StatusOptimizing       Status = "OPTIMIZING"
	StatusValidating       Status = "VALIDATING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// IsTerminal reports whether the session can never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions is the forward edge set of the state machine. FAILED is
// reachable from every non-terminal state and is handled separately.
var validTransitions = map[Status]Status{
	StatusRequested:        StatusMatrixGenerating,
	StatusMatrixGenerating: StatusOptimizing,
	StatusOptimizing:       StatusValidating,
	StatusValidating:       StatusCompleted,
}

// CanTransition reports whether moving from -> to is a legal step.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.IsTerminal()
	}
	return validTransitions[from] == to
}

// Session is the aggregate for one optimization request. All timestamps are
// UTC; the nullable ones are set exactly when the matching stage finishes.
type Session struct {
	ID            string                     `json:"id"`
	MatrixKey     string                     `json:"matrixKey"`
	Config        domain.SessionConfig       `json:"config"`
	Status        Status                     `json:"status"`
	Allocations   []domain.BucketAllocation  `json:"allocations,omitempty"`
	SolverMeta    *optimizer.SolverMetadata  `json:"solverMeta,omitempty"`
	Validation    *domain.ValidationMetrics  `json:"validation,omitempty"`
	ErrorReason   string                     `json:"errorReason,omitempty"`
	CreatedAt     time.Time                  `json:"createdAt"`
	MatrixReadyAt *time.Time                 `json:"matrixReadyAt,omitempty"`
	OptimizedAt   *time.Time                 `json:"optimizedAt,omitempty"`
	ValidatedAt   *time.Time                 `json:"validatedAt,omitempty"`
	CompletedAt   *time.Time                 `json:"completedAt,omitempty"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
}
