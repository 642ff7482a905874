package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// VenueChecker reports execution venue health. The gateway implements it.
type VenueChecker interface {
	Venues() []string
	Health(ctx context.Context, venue string) bool
}

// HealthHandler provides system health status endpoint
type HealthHandler struct {
	venues    VenueChecker
	control   Controller
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. venues may be nil.
func NewHealthHandler(venues VenueChecker, control Controller, version string) *HealthHandler {
	return &HealthHandler{
		venues:    venues,
		control:   control,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`

	System SystemInfo `json:"system"`

	Venues  map[string]bool `json:"venues"`
	Summary VenueSummary    `json:"venue_summary"`
	Assets  AssetSummary    `json:"assets"`

	Checks map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// VenueSummary provides aggregate venue status
type VenueSummary struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
	Failed  int `json:"failed"`
}

// AssetSummary counts monitored assets by state
type AssetSummary struct {
	Monitored int            `json:"monitored"`
	ByState   map[string]int `json:"by_state"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message"`
}

// ServeHTTP implements the health check endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.gather(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK) // degraded still serves
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) gather(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		System:    systemInfo(),
		Venues:    make(map[string]bool),
		Assets:    AssetSummary{ByState: make(map[string]int)},
		Checks:    make(map[string]CheckResult),
	}

	if h.venues != nil {
		for _, v := range h.venues.Venues() {
			ok := h.venues.Health(ctx, v)
			response.Venues[v] = ok
			response.Summary.Total++
			if ok {
				response.Summary.Healthy++
			} else {
				response.Summary.Failed++
			}
		}
	}
	response.Checks["venues"] = venueCheck(response.Summary)

	if h.control != nil {
		for _, st := range h.control.Statuses() {
			response.Assets.Monitored++
			response.Assets.ByState[string(st.State.CurrentState)]++
		}
	}

	response.Status = overall(response.Checks)
	return response
}

func venueCheck(s VenueSummary) CheckResult {
	switch {
	case s.Total == 0:
		return CheckResult{Status: "warn", Message: "No venues registered"}
	case s.Healthy == 0:
		return CheckResult{Status: "fail", Message: "No venue accepting orders"}
	case s.Failed > 0:
		return CheckResult{Status: "warn", Message: fmt.Sprintf("%d/%d venues healthy", s.Healthy, s.Total)}
	}
	return CheckResult{Status: "pass", Message: "All venues healthy"}
}

func overall(checks map[string]CheckResult) string {
	status := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "fail":
			return "unhealthy"
		case "warn":
			status = "degraded"
		}
	}
	return status
}

func systemInfo() SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      mem.Alloc,
		NumGC:         mem.NumGC,
	}
}
