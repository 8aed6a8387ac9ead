package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/database"
	"github.com/foliofund/allocator/internal/modules/matrixcache"
)

// CacheEvictionJob drops expired hot-tier matrices.
type CacheEvictionJob struct {
	cache *matrixcache.Cache
	log   zerolog.Logger
}

// NewCacheEvictionJob creates the eviction job.
func NewCacheEvictionJob(cache *matrixcache.Cache, log zerolog.Logger) *CacheEvictionJob {
	return &CacheEvictionJob{cache: cache, log: log}
}

// Name implements Job.
func (j *CacheEvictionJob) Name() string { return "cache_eviction" }

// Run implements Job.
func (j *CacheEvictionJob) Run() error {
	evicted := j.cache.EvictExpired()
	if evicted > 0 {
		j.log.Info().Int("evicted", evicted).Msg("Hot cache eviction pass")
	}
	return nil
}

// WALCheckpointJob truncates the WAL so it cannot grow unbounded under the
// pipeline's steady write load.
type WALCheckpointJob struct {
	db *database.DB
}

// NewWALCheckpointJob creates the checkpoint job.
func NewWALCheckpointJob(db *database.DB) *WALCheckpointJob {
	return &WALCheckpointJob{db: db}
}

// Name implements Job.
func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

// Run implements Job.
func (j *WALCheckpointJob) Run() error {
	return j.db.WALCheckpoint("TRUNCATE")
}
