package api

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Status is the agent's lifecycle state as reported by the health endpoints.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRecovering Status = "recovering"
	StatusRunning    Status = "running"
	StatusHalted     Status = "halted"
	StatusStopping   Status = "stopping"
)

// Health tracks the lifecycle state and mirrors it into the gRPC health
// service: SERVING only while running.
type Health struct {
	mu      sync.RWMutex
	status  Status
	started time.Time
	grpc    *health.Server
}

// NewHealth creates a Health in the starting state.
func NewHealth() *Health {
	h := &Health{
		status:  StatusStarting,
		started: time.Now(),
		grpc:    health.NewServer(),
	}
	h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Set records a new state.
func (h *Health) Set(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == s {
		return
	}
	h.status = s
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if s == StatusRunning {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", serving)
}

// Sync moves between running and halted to follow the kill switch. Other
// states are left alone.
func (h *Health) Sync(halted bool) {
	switch cur := h.Status(); {
	case halted && cur == StatusRunning:
		h.Set(StatusHalted)
	case !halted && cur == StatusHalted:
		h.Set(StatusRunning)
	}
}

// Status returns the current state.
func (h *Health) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Uptime returns the time since the agent started.
func (h *Health) Uptime() time.Duration {
	return time.Since(h.started)
}

// GRPC returns the gRPC health service.
func (h *Health) GRPC() *health.Server {
	return h.grpc
}
