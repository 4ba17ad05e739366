// Package driver implements the container-orchestrator façade (C2): a
// polymorphic Driver that hands the Dispatcher a healthy worker Endpoint
// for a session, regardless of whether that endpoint is a fixed URL, a
// local Docker container, or a container-plus-service pair on a cluster.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrWorkerUnavailable is returned by Acquire when a cold-created worker
// does not become healthy within its readiness timeout.
var ErrWorkerUnavailable = errors.New("driver: worker unavailable")

const (
	readinessTimeout = 90 * time.Second
	healthTimeout    = 3 * time.Second
	healthPollDelay  = 500 * time.Millisecond
)

// Endpoint is a healthy worker address handed to the Dispatcher for the
// duration of one task.
type Endpoint struct {
	URL         string
	ContainerID string
}

// Driver is the polymorphic façade over the worker-lifecycle substrate.
// Static, Local and Orchestrated all implement it (spec §4.2).
type Driver interface {
	// Acquire returns a healthy endpoint for session_id, blocking on cold
	// create until the worker's health probe succeeds or the readiness
	// timeout elapses.
	Acquire(ctx context.Context, sessionID string) (Endpoint, error)
	// Release is idempotent; a no-op if sessionID is unknown to the driver.
	Release(ctx context.Context, sessionID string) error
	// Close stops any background reaper and releases driver-owned clients.
	Close() error
}

// Health probes GET /health on ep with a 3s bound, per spec §4.2. Shared by
// all three driver shapes so their readiness-wait loops behave identically.
func Health(ctx context.Context, httpClient *http.Client, ep Endpoint) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ep.URL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// waitForReady polls Health until it succeeds, ctx is done, or the
// readiness timeout elapses; used by Local and Orchestrated after a cold
// create.
func waitForReady(ctx context.Context, httpClient *http.Client, ep Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	for {
		if Health(ctx, httpClient, ep) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s did not become healthy within %s", ErrWorkerUnavailable, ep.URL, readinessTimeout)
		case <-time.After(healthPollDelay):
		}
	}
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeName maps a session id to a deterministic name safe for use as a
// container name, pod name or label value: lowercased, filtered to
// [a-z0-9-], always prefixed with prefix and a hyphen (so it starts with
// the prefix's letter), and truncated to limit (spec §4.2 "Name
// sanitization").
func sanitizeName(prefix, sessionID string, limit int) string {
	lowered := strings.ToLower(sessionID)
	cleaned := nameSanitizer.ReplaceAllString(lowered, "-")
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		cleaned = "session"
	}
	name := prefix + "-" + cleaned
	if len(name) > limit {
		name = name[:limit]
	}
	name = strings.TrimRight(name, "-")
	return name
}
