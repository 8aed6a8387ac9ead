package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retryable failure classes. Callers classify with
// errors.Is; the orchestrator retries anything transient and only surfaces
// structural failures to the session.
var (
	// ErrTransientDispatch marks a dispatch failure that should be retried
	// with backoff at the outbox level (queue unavailable, network blip).
	ErrTransientDispatch = errors.New("transient dispatch failure")

	// ErrDuplicateDispatch is returned when an idempotency key has already
	// been accepted. Treated as success by the orchestrator.
	ErrDuplicateDispatch = errors.New("duplicate dispatch")
)

// ValidationError reports a frozen config that fails a structural
// precondition (e.g. p90 <= median breaks the power-law fit). Surfaced
// synchronously, never silently defaulted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config rejected: %s: %s", e.Field, e.Reason)
}

// InfeasibleError reports that no feasible allocation exists after the
// relaxation rounds were exhausted.
type InfeasibleError struct {
	Rounds        int
	LastRelaxed   string
	RemainingGaps string
}

func (e *InfeasibleError) Error() string {
	if e.LastRelaxed == "" {
		return fmt.Sprintf("infeasible after %d relaxation rounds: no relaxable constraints remain", e.Rounds)
	}
	return fmt.Sprintf("infeasible after %d relaxation rounds (last relaxed %s): %s", e.Rounds, e.LastRelaxed, e.RemainingGaps)
}

// SolverError reports a numerical or solver-internal failure. Retried at the
// job level as transient, then terminal after the attempt budget.
type SolverError struct {
	Phase string
	Err   error
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("solver error in %s: %v", e.Phase, e.Err)
}

func (e *SolverError) Unwrap() error { return e.Err }
