package grpcserver

import (
	"sync"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/flobuf/internal/harness"
)

// healthTracker maps plugin states onto health service statuses.
type healthTracker struct {
	srv *health.Server

	mu     sync.Mutex
	failed map[string]bool
}

func newHealthTracker() *healthTracker {
	return &healthTracker{srv: health.NewServer(), failed: map[string]bool{}}
}

func (t *healthTracker) PluginState(name string, _ harness.Kind, s harness.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.srv.SetServingStatus(name, pluginStatus(s))
	if s == harness.StateFailed {
		t.failed[name] = true
	} else {
		delete(t.failed, name)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if len(t.failed) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	t.srv.SetServingStatus("", overall)
}

func pluginStatus(s harness.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case harness.StateRunning, harness.StateFinished:
		return healthpb.HealthCheckResponse_SERVING
	case harness.StateSettingUp:
		return healthpb.HealthCheckResponse_UNKNOWN
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}
