package matrixcache

import (
	"time"

	"github.com/foliofund/allocator/internal/modules/scenario"
)

// MatrixStatus is the cache entry lifecycle. The only legal transitions are
// generating -> complete and generating -> failed (failed -> generating on a
// retried generation); complete rows are immutable.
type MatrixStatus string

const (
	StatusGenerating MatrixStatus = "generating"
	StatusComplete   MatrixStatus = "complete"
	StatusFailed     MatrixStatus = "failed"
)

// StoredMatrix is a durable cache entry. Matrix is nil unless Status is
// complete; the schema's CHECK constraint guarantees a complete row always
// decodes fully.
type StoredMatrix struct {
	Key         string
	Status      MatrixStatus
	Codec       string
	Matrix      *scenario.Matrix
	ErrorReason string
	CreatedAt   time.Time
	CompletedAt time.Time
}
