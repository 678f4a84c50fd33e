package sendberry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// executorCheckTimeout bounds the executor round trip of ReadinessChecks.
const executorCheckTimeout = time.Second

// CheckResult represents the result of a health check.
type CheckResult struct {
	// Name is the name of the check.
	Name string `json:"name"`

	// Healthy indicates whether the check passed.
	Healthy bool `json:"healthy"`

	// Message provides additional context about the check result.
	Message string `json:"message,omitempty"`

	// Duration is how long the check took.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// HealthStatus represents the overall health status of the local peer.
type HealthStatus struct {
	// Healthy indicates whether all checks passed.
	Healthy bool `json:"healthy"`

	// Checks contains the results of individual checks.
	Checks []CheckResult `json:"checks"`

	// Timestamp is when the health check was performed.
	Timestamp time.Time `json:"timestamp"`
}

// IsHealthy returns true if the peer is started and not stopped. This is
// a quick check suitable for liveness probes.
func (p *LocalPeer) IsHealthy() bool {
	return p.running.Load()
}

// ReadinessChecks performs detailed health checks and returns the results.
//
// Checks performed:
//   - peer_started: Whether the peer has been started
//   - executor: Whether the executor runs tasks promptly
//   - connections: Number of open connections (informational)
func (p *LocalPeer) ReadinessChecks() HealthStatus {
	status := HealthStatus{
		Healthy:   true,
		Checks:    make([]CheckResult, 0, 3),
		Timestamp: time.Now(),
	}

	start := time.Now()
	started := p.running.Load()
	status.Checks = append(status.Checks, CheckResult{
		Name:     "peer_started",
		Healthy:  started,
		Message:  boolToMessage(started, "peer is running", "peer is not started"),
		Duration: time.Since(start),
	})
	if !started {
		status.Healthy = false
		return status
	}

	start = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), executorCheckTimeout)
	defer cancel()
	var outgoing, incoming int
	err := p.exec.Do(ctx, func() {
		outgoing, incoming = len(p.outgoing), len(p.incoming)
	})
	execMsg := "executor is responsive"
	if err != nil {
		execMsg = fmt.Sprintf("executor did not respond: %v", err)
		status.Healthy = false
	}
	status.Checks = append(status.Checks, CheckResult{
		Name:     "executor",
		Healthy:  err == nil,
		Message:  execMsg,
		Duration: time.Since(start),
	})

	// Informational only.
	if err == nil {
		status.Checks = append(status.Checks, CheckResult{
			Name:    "connections",
			Healthy: true,
			Message: fmt.Sprintf("%d outgoing, %d incoming", outgoing, incoming),
		})
	}

	return status
}

// boolToMessage returns trueMsg if b is true, otherwise falseMsg.
func boolToMessage(b bool, trueMsg, falseMsg string) string {
	if b {
		return trueMsg
	}
	return falseMsg
}

// HealthHandler returns an http.Handler that serves health check responses.
// The handler responds with:
//   - 200 OK if the peer is healthy
//   - 503 Service Unavailable if the peer is unhealthy
//
// The response body contains a JSON representation of HealthStatus.
//
// Example usage:
//
//	http.Handle("/health", sendberry.HealthHandler(peer))
func HealthHandler(peer *LocalPeer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := peer.ReadinessChecks()

		w.Header().Set("Content-Type", "application/json")
		if status.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(status)
	})
}

// LivenessHandler returns an http.Handler that serves liveness check
// responses. Unlike HealthHandler, it does not touch the executor.
func LivenessHandler(peer *LocalPeer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if peer.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"healthy":true}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"healthy":false}`))
		}
	})
}
