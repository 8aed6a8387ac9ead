package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliofund/allocator/internal/modules/matrixcache"
	"github.com/foliofund/allocator/internal/modules/scenario"
	"github.com/foliofund/allocator/internal/outbox"
	alloctest "github.com/foliofund/allocator/internal/testing"
)

type serviceFixture struct {
	svc        *Service
	sessions   *Repository
	outbox     *outbox.Repository
	matrixRepo *matrixcache.Repository
	cache      *matrixcache.Cache
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := alloctest.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()

	matrixRepo := matrixcache.NewRepository(conn, log)
	cache := matrixcache.New(matrixRepo, time.Hour, log)
	sessions := NewRepository(conn, log)
	ob := outbox.NewRepository(conn, log)

	return &serviceFixture{
		svc:        NewService(conn, sessions, ob, cache, log),
		sessions:   sessions,
		outbox:     ob,
		matrixRepo: matrixRepo,
		cache:      cache,
	}
}

func TestServiceCreateEnqueuesMatrixGeneration(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	sess, err := f.svc.Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusMatrixGenerating, sess.Status)
	assert.NotEmpty(t, sess.MatrixKey)

	stored, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMatrixGenerating, stored.Status)

	entry, err := f.outbox.GetByKey(outbox.MatrixGenerationKey(sess.MatrixKey))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, outbox.KindMatrixGeneration, entry.Kind)
	assert.Equal(t, outbox.StatusPending, entry.Status)

	// No solve job yet: the matrix stage gates it.
	opt, err := f.outbox.GetByKey(outbox.OptimizationKey(sess.ID))
	require.NoError(t, err)
	assert.Nil(t, opt)
}

func TestServiceCreateCacheHitSkipsGeneration(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	key, err := matrixcache.CanonicalKey(cfg)
	require.NoError(t, err)
	seed, err := matrixcache.SeedFromKey(key)
	require.NoError(t, err)
	m, err := scenario.NewGenerator().Generate(cfg.Buckets, cfg.Scenario, seed)
	require.NoError(t, err)
	_, err = f.matrixRepo.BeginGeneration(key)
	require.NoError(t, err)
	require.NoError(t, f.cache.StoreMatrix(key, m))

	sess, err := f.svc.Create(cfg)
	require.NoError(t, err)

	stored, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOptimizing, stored.Status)
	assert.NotNil(t, stored.MatrixReadyAt)

	// Straight to the solve job, no generation entry.
	gen, err := f.outbox.GetByKey(outbox.MatrixGenerationKey(key))
	require.NoError(t, err)
	assert.Nil(t, gen)
	opt, err := f.outbox.GetByKey(outbox.OptimizationKey(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, opt)
	assert.Equal(t, outbox.StatusPending, opt.Status)
}

func TestServiceConcurrentSessionsShareOneGeneration(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	first, err := f.svc.Create(cfg)
	require.NoError(t, err)
	second, err := f.svc.Create(cfg)
	require.NoError(t, err)
	require.Equal(t, first.MatrixKey, second.MatrixKey)

	// One generation entry serves both sessions.
	claimed, err := f.outbox.Claim(10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, outbox.MatrixGenerationKey(first.MatrixKey), claimed[0].IdempotencyKey)
}

func TestServiceCreateRevivesFailedGeneration(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	first, err := f.svc.Create(cfg)
	require.NoError(t, err)

	claimed, err := f.outbox.Claim(1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.outbox.MarkFailed(claimed[0].ID, assert.AnError))

	// A new session for the same config resurrects the failed entry.
	_, err = f.svc.Create(cfg)
	require.NoError(t, err)

	entry, err := f.outbox.GetByKey(outbox.MatrixGenerationKey(first.MatrixKey))
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, entry.Status)
	assert.Equal(t, 0, entry.Attempts)
}

func TestServiceAdvanceWaitingForMatrix(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	a, err := f.svc.Create(cfg)
	require.NoError(t, err)
	b, err := f.svc.Create(cfg)
	require.NoError(t, err)

	// A session on a different matrix is untouched.
	other := alloctest.TwoBucketConfig()
	other.FundID = "fund-2"
	c, err := f.svc.Create(other)
	require.NoError(t, err)

	require.NoError(t, f.svc.AdvanceWaitingForMatrix(a.MatrixKey))

	for _, id := range []string{a.ID, b.ID} {
		sess, err := f.svc.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusOptimizing, sess.Status, "session %s", id)
		opt, err := f.outbox.GetByKey(outbox.OptimizationKey(id))
		require.NoError(t, err)
		require.NotNil(t, opt, "solve job for session %s", id)
	}

	sess, err := f.svc.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMatrixGenerating, sess.Status)

	// Replaying the advance is harmless.
	require.NoError(t, f.svc.AdvanceWaitingForMatrix(a.MatrixKey))
}

func TestServiceFailWaitingForMatrix(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	a, err := f.svc.Create(cfg)
	require.NoError(t, err)

	require.NoError(t, f.svc.FailWaitingForMatrix(a.MatrixKey, "generation rejected: p90 below median"))

	sess, err := f.svc.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Equal(t, "generation rejected: p90 below median", sess.ErrorReason)
	assert.NotNil(t, sess.CompletedAt)
}

func TestServiceCompleteIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	cfg := alloctest.TwoBucketConfig()

	sess, err := f.svc.Create(cfg)
	require.NoError(t, err)

	require.NoError(t, f.svc.AdvanceWaitingForMatrix(sess.MatrixKey))
	require.NoError(t, f.svc.AdvanceToValidating(sess.ID, nil, nil))
	require.NoError(t, f.svc.Complete(sess.ID, nil))

	// A duplicate completion dispatch is swallowed.
	require.NoError(t, f.svc.Complete(sess.ID, nil))

	stored, err := f.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}
