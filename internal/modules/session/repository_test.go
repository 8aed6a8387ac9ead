package session

import (
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliofund/allocator/internal/domain"
	"github.com/foliofund/allocator/internal/modules/optimizer"
	alloctest "github.com/foliofund/allocator/internal/testing"
)

func newRepoTest(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()
	db := alloctest.NewTestDB(t)
	return NewRepository(db.Conn(), zerolog.Nop()), db.Conn()
}

func createSession(t *testing.T, repo *Repository, conn *sql.DB) *Session {
	t.Helper()
	sess := &Session{
		ID:        uuid.New().String(),
		MatrixKey: "matrix-" + uuid.New().String(),
		Config:    alloctest.TwoBucketConfig(),
	}
	inTx(t, conn, func(tx *sql.Tx) error { return repo.CreateTx(tx, sess) })
	return sess
}

func inTx(t *testing.T, conn *sql.DB, fn func(*sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func inTxErr(t *testing.T, conn *sql.DB, fn func(*sql.Tx) error) error {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	ferr := fn(tx)
	require.NoError(t, tx.Rollback())
	return ferr
}

func TestCreateAndGet(t *testing.T) {
	repo, conn := newRepoTest(t)
	sess := createSession(t, repo, conn)

	got, err := repo.GetByID(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusRequested, got.Status)
	assert.Equal(t, sess.MatrixKey, got.MatrixKey)
	assert.Equal(t, sess.Config.FundID, got.Config.FundID)
	assert.Len(t, got.Config.Buckets, 2)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Allocations)
}

func TestGetByIDMissing(t *testing.T) {
	repo, _ := newRepoTest(t)
	got, err := repo.GetByID("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFullTransitionChain(t *testing.T) {
	repo, conn := newRepoTest(t)
	sess := createSession(t, repo, conn)

	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkMatrixGeneratingTx(tx, sess.ID) })
	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkOptimizingTx(tx, sess.ID) })

	allocations := []domain.BucketAllocation{
		{BucketID: "alpha", Weight: 0.6, Amount: 30_000_000, Sector: "infra", Stage: domain.StageSeed},
		{BucketID: "beta", Weight: 0.4, Amount: 20_000_000, Sector: "consumer", Stage: domain.StageSeriesA},
	}
	meta := &optimizer.SolverMetadata{SolverName: optimizer.SolverName, NodesExplored: 7, TieBreakActive: true}
	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkValidatingTx(tx, sess.ID, allocations, meta) })

	metrics := &domain.ValidationMetrics{Feasible: true, ReferenceObjective: 2.1}
	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkCompletedTx(tx, sess.ID, metrics) })

	got, err := repo.GetByID(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, allocations, got.Allocations)
	require.NotNil(t, got.SolverMeta)
	assert.Equal(t, 7, got.SolverMeta.NodesExplored)
	require.NotNil(t, got.Validation)
	assert.True(t, got.Validation.Feasible)
	assert.NotNil(t, got.MatrixReadyAt)
	assert.NotNil(t, got.OptimizedAt)
	assert.NotNil(t, got.ValidatedAt)
	assert.NotNil(t, got.CompletedAt, "terminal sessions carry a completion time")
	assert.Empty(t, got.ErrorReason)
}

func TestGuardedTransitionsRejectWrongSource(t *testing.T) {
	repo, conn := newRepoTest(t)
	sess := createSession(t, repo, conn)

	// REQUESTED cannot jump straight to OPTIMIZING or beyond.
	err := inTxErr(t, conn, func(tx *sql.Tx) error { return repo.MarkOptimizingTx(tx, sess.ID) })
	assert.ErrorIs(t, err, ErrStaleTransition)
	err = inTxErr(t, conn, func(tx *sql.Tx) error { return repo.MarkValidatingTx(tx, sess.ID, nil, nil) })
	assert.ErrorIs(t, err, ErrStaleTransition)
	err = inTxErr(t, conn, func(tx *sql.Tx) error { return repo.MarkCompletedTx(tx, sess.ID, nil) })
	assert.ErrorIs(t, err, ErrStaleTransition)

	// The session is untouched by the rejected attempts.
	got, err := repo.GetByID(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, got.Status)
}

func TestDuplicateTransitionIsStale(t *testing.T) {
	repo, conn := newRepoTest(t)
	sess := createSession(t, repo, conn)

	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkMatrixGeneratingTx(tx, sess.ID) })

	// A concurrent dispatch replaying the same step matches zero rows.
	err := inTxErr(t, conn, func(tx *sql.Tx) error { return repo.MarkMatrixGeneratingTx(tx, sess.ID) })
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestMarkFailedFromAnyNonTerminalStatus(t *testing.T) {
	repo, conn := newRepoTest(t)
	sess := createSession(t, repo, conn)

	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkMatrixGeneratingTx(tx, sess.ID) })
	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkFailedTx(tx, sess.ID, "matrix generation failed") })

	got, err := repo.GetByID(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "matrix generation failed", got.ErrorReason)
	assert.NotNil(t, got.CompletedAt)

	// Terminal sessions stay terminal.
	err = inTxErr(t, conn, func(tx *sql.Tx) error { return repo.MarkFailedTx(tx, sess.ID, "again") })
	assert.ErrorIs(t, err, ErrStaleTransition)
	got, err = repo.GetByID(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "matrix generation failed", got.ErrorReason)
}

func TestListByStatus(t *testing.T) {
	repo, conn := newRepoTest(t)
	a := createSession(t, repo, conn)
	b := createSession(t, repo, conn)
	inTx(t, conn, func(tx *sql.Tx) error { return repo.MarkMatrixGeneratingTx(tx, b.ID) })

	requested, err := repo.ListByStatus(StatusRequested)
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, a.ID, requested[0].ID)

	generating, err := repo.ListByStatus(StatusMatrixGenerating)
	require.NoError(t, err)
	require.Len(t, generating, 1)
	assert.Equal(t, b.ID, generating[0].ID)
}

func TestStatusTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusRequested, StatusMatrixGenerating))
	assert.True(t, CanTransition(StatusMatrixGenerating, StatusOptimizing))
	assert.True(t, CanTransition(StatusOptimizing, StatusValidating))
	assert.True(t, CanTransition(StatusValidating, StatusCompleted))
	assert.True(t, CanTransition(StatusOptimizing, StatusFailed))

	assert.False(t, CanTransition(StatusRequested, StatusOptimizing))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusFailed, StatusRequested))

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusValidating.IsTerminal())
}
