package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/watzon/funcbox/internal/database"
	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/sandbox"
	"github.com/watzon/funcbox/internal/triggers"
)

type HealthHandlers struct {
	db        *database.DB
	executor  *sandbox.Executor
	evaluator *triggers.Evaluator
	feed      *executions.Feed
	version   string
}

func NewHealthHandlers(db *database.DB, executor *sandbox.Executor, evaluator *triggers.Evaluator, feed *executions.Feed, version string) *HealthHandlers {
	return &HealthHandlers{
		db:        db,
		executor:  executor,
		evaluator: evaluator,
		feed:      feed,
		version:   version,
	}
}

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Latency string       `json:"latency,omitempty"`
	Message string       `json:"message,omitempty"`
}

type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

var startTime = time.Now()

const healthCheckTimeout = 5 * time.Second

func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := make(map[string]ComponentHealth)
	overallStatus := HealthStatusHealthy

	dbHealth := h.checkDatabase(ctx)
	components["database"] = dbHealth
	if dbHealth.Status != HealthStatusHealthy {
		overallStatus = HealthStatusUnhealthy
	}

	if h.executor != nil {
		components["sandbox"] = h.checkSandbox()
		if components["sandbox"].Status != HealthStatusHealthy && overallStatus == HealthStatusHealthy {
			overallStatus = HealthStatusDegraded
		}
	}

	if h.evaluator != nil {
		components["triggers"] = ComponentHealth{Status: HealthStatusHealthy}
	}

	resp := HealthResponse{
		Status:     overallStatus,
		Version:    h.version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	status := http.StatusOK
	if overallStatus == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	JSON(w, status, resp)
}

func (h *HealthHandlers) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()
	err := h.db.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Latency: latency.String(),
			Message: "database ping failed",
		}
	}

	schema, err := h.db.Schema(ctx)
	if err != nil {
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Latency: latency.String(),
			Message: "reading schema version failed",
		}
	}
	current, pending := "", 0
	for _, m := range schema {
		if m.Applied {
			current = m.ID
		} else {
			pending++
		}
	}
	if pending > 0 {
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Latency: latency.String(),
			Message: fmt.Sprintf("%d migrations pending", pending),
		}
	}

	return ComponentHealth{
		Status:  HealthStatusHealthy,
		Latency: latency.String(),
		Message: "schema " + current,
	}
}

func (h *HealthHandlers) checkSandbox() ComponentHealth {
	if len(h.executor.Languages()) == 0 {
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: "no runtimes available",
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}

func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HealthHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

type RuntimeStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	MemSys       uint64 `json:"mem_sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

// HostStats is a best-effort view of the machine the sandboxes run on.
// Fields the platform cannot report are left zero.
type HostStats struct {
	CPUCount       int     `json:"cpu_count"`
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	MemTotal       uint64  `json:"mem_total_bytes"`
	MemAvailable   uint64  `json:"mem_available_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := RuntimeStats{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		MemAlloc:     m.Alloc,
		MemSys:       m.Sys,
		NumGC:        m.NumGC,
	}

	resp := map[string]any{
		"runtime": stats,
		"host":    collectHostStats(r.Context()),
		"uptime":  time.Since(startTime).Round(time.Second).String(),
	}

	if h.db != nil {
		dbStats := h.db.Stats()
		resp["database"] = map[string]any{
			"open_connections": dbStats.OpenConnections,
			"in_use":           dbStats.InUse,
			"idle":             dbStats.Idle,
			"max_open":         dbStats.MaxOpenConnections,
		}
	}

	if h.executor != nil {
		resp["sandbox"] = map[string]any{
			"languages":         h.executor.Languages(),
			"discarded_results": h.executor.Discarded(),
		}
	}

	if h.evaluator != nil {
		counts := map[triggers.Kind]int{}
		for _, info := range h.evaluator.List() {
			counts[info.Kind]++
		}
		resp["triggers"] = counts
	}

	if h.feed != nil {
		resp["stream_subscribers"] = h.feed.Len()
	}

	JSON(w, http.StatusOK, resp)
}

func collectHostStats(ctx context.Context) HostStats {
	var hs HostStats
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		hs.CPUCount = n
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		hs.Load1 = avg.Load1
		hs.Load5 = avg.Load5
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.MemTotal = vm.Total
		hs.MemAvailable = vm.Available
		hs.MemUsedPercent = vm.UsedPercent
	}
	return hs
}
