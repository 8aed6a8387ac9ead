package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/foliofund/allocator/internal/database"
	"github.com/foliofund/allocator/internal/modules/matrixcache"
	"github.com/foliofund/allocator/internal/orchestrator"
)

// SystemHandlers handles system-wide monitoring endpoints.
type SystemHandlers struct {
	db          *database.DB
	queue       *orchestrator.TaskQueue
	cache       *matrixcache.Cache
	startupTime time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates a new system handlers instance.
func NewSystemHandlers(db *database.DB, queue *orchestrator.TaskQueue, cache *matrixcache.Cache, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:          db,
		queue:       queue,
		cache:       cache,
		startupTime: time.Now(),
		log:         log.With().Str("component", "system_handlers").Logger(),
	}
}

// Health handles GET /api/system/health: database integrity, process
// resource usage and pipeline load in one report.
func (h *SystemHandlers) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("Database health check failed")
		dbStatus = err.Error()
	}

	cpuPercent, memPercent := h.systemUsage()

	status := http.StatusOK
	if dbStatus != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":         dbStatus,
		"uptimeSeconds":  int(time.Since(h.startupTime).Seconds()),
		"cpuPercent":     cpuPercent,
		"memoryPercent":  memPercent,
		"goroutines":     runtime.NumGoroutine(),
		"jobsInFlight":   h.queue.InFlight(),
		"hotCacheSize":   h.cache.HotSize(),
	})
}

// systemUsage returns process-host CPU and memory utilization. Failures are
// reported as zero so the health endpoint itself never errors on metrics.
func (h *SystemHandlers) systemUsage() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}

	return cpuPercent[0], memStat.UsedPercent
}
