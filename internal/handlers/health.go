package handlers

import (
	"net/http"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/services"
)

// HealthHandlers serves the liveness and readiness endpoints. Healthz reports
// process vitals only; Readyz additionally probes downstream dependencies
// through the system service.
type HealthHandlers struct {
	build  services.BuildInfo
	system services.SystemService
	clock  func() time.Time
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo attaches build metadata to health responses.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService wires the readiness probe source.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthClock overrides the clock used for uptime computation.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers with the provided options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type readyzResponse struct {
	Status      string                      `json:"status"`
	Checks      map[string]readyzCheckEntry `json:"checks,omitempty"`
	Version     string                      `json:"version,omitempty"`
	Environment string                      `json:"environment,omitempty"`
	GeneratedAt string                      `json:"generatedAt,omitempty"`
}

type readyzCheckEntry struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

// Healthz reports process liveness. It never consults downstream dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	payload := healthzResponse{
		Status:      string(domain.HealthStatusOK),
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	if !h.build.StartedAt.IsZero() {
		payload.Uptime = now.Sub(h.build.StartedAt).String()
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz probes downstream dependencies and reports aggregate readiness.
// A missing system service degrades to a liveness-style answer so the
// endpoint stays useful in partial deployments.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{
			Status:      string(domain.HealthStatusOK),
			Version:     h.build.Version,
			Environment: h.build.Environment,
			GeneratedAt: h.now().UTC().Format(time.RFC3339),
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:      string(domain.HealthStatusError),
			Version:     h.build.Version,
			Environment: h.build.Environment,
			GeneratedAt: h.now().UTC().Format(time.RFC3339),
		})
		return
	}

	payload := readyzResponse{
		Status:      string(report.Status),
		Version:     h.build.Version,
		Environment: h.build.Environment,
		GeneratedAt: formatTime(report.GeneratedAt),
	}
	if len(report.Checks) > 0 {
		payload.Checks = make(map[string]readyzCheckEntry, len(report.Checks))
		for name, check := range report.Checks {
			payload.Checks[name] = readyzCheckEntry{
				Status:    string(check.Status),
				Detail:    check.Detail,
				Error:     check.Error,
				LatencyMS: check.Latency.Milliseconds(),
				CheckedAt: formatTime(check.CheckedAt),
			}
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}

func (h *HealthHandlers) now() time.Time {
	if h.clock == nil {
		return time.Now()
	}
	return h.clock()
}
