// Package outbox implements the durable job outbox: the single shared table
// through which every pipeline stage hands work to the next one.
package outbox

import (
	"time"
)

// Kind identifies the job a pipeline stage produces. The set is closed; the
// dispatcher switches over it exhaustively.
type Kind string

const (
	KindMatrixGeneration Kind = "matrix-generation"
	KindOptimization     Kind = "optimization"
	KindValidation       Kind = "validation"
)

// EntryStatus is the outbox lifecycle state.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusEnqueued   EntryStatus = "enqueued"
	StatusFailed     EntryStatus = "failed"
)

// Entry is one unit of work awaiting dispatch.
type Entry struct {
	ID             string
	IdempotencyKey string
	Kind           Kind
	Payload        []byte
	Status         EntryStatus
	Attempts       int
	MaxAttempts    int
	NextRunAt      time.Time
	ProcessingAt   *time.Time
	LastError      string
	CreatedAt      time.Time
}

// MatrixGenerationKey builds the idempotency key for a matrix-generation job.
// Keyed by matrix key, not session id, so concurrent sessions sharing a matrix
// trigger exactly one generation.
func MatrixGenerationKey(matrixKey string) string {
	return "matrix-generation:" + matrixKey
}

// OptimizationKey builds the idempotency key for a session's solve job.
func OptimizationKey(sessionID string) string {
	return "optimization:" + sessionID
}

// ValidationKey builds the idempotency key for a session's validation job.
func ValidationKey(sessionID string) string {
	return "validation:" + sessionID
}

// MatrixGenerationPayload is carried by matrix-generation entries. SessionID
// names the session whose frozen config the worker reads for the generation
// inputs; any session sharing the matrix key has canonically equal inputs.
type MatrixGenerationPayload struct {
	MatrixKey string `json:"matrixKey"`
	SessionID string `json:"sessionId"`
}

// SessionPayload is carried by optimization and validation entries.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}
