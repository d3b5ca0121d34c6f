package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/mdflow/audit"
)

// Sentinel errors surfaced by Route.
var (
	ErrUnknownService    = errors.New("unknown mcp service")
	ErrUnsupportedAction = errors.New("action not declared by service")
	ErrServiceOffline    = errors.New("service offline and fallback disabled")
)

// maxResponseBytes bounds a backend response body.
const maxResponseBytes = 4 * 1024 * 1024

// Router forwards named action calls to backend services.
type Router struct {
	registry  *Registry
	client    *http.Client
	audit     *audit.Logger
	logger    *slog.Logger
	fallbacks *FallbackTable

	// observeRoute, when set, receives the latency of every Route call.
	observeRoute func(service string, seconds float64)
}

// NewRouter creates a router over a registry. A nil client gets a default
// with a conservative timeout.
func NewRouter(registry *Registry, auditLog *audit.Logger, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		client:   &http.Client{Timeout: 15 * time.Second},
		audit:    auditLog,
		logger:   logger,
		fallbacks: NewFallbackTable(),
	}
}

// SetClient overrides the HTTP client (tests, custom timeouts).
func (r *Router) SetClient(client *http.Client) {
	if client != nil {
		r.client = client
	}
}

// Fallbacks exposes the fallback table for service-specific registration.
func (r *Router) Fallbacks() *FallbackTable { return r.fallbacks }

// SetRouteObserver installs a latency callback invoked once per Route call,
// successful or not. Set before Start; not safe to change concurrently.
func (r *Router) SetRouteObserver(fn func(service string, seconds float64)) {
	r.observeRoute = fn
}

// Register adds a backend service to the registry.
func (r *Router) Register(entry ServiceEntry) error {
	return r.registry.Register(entry)
}

// Route forwards payload to <base>/<action> on the named service.
//
// An unknown service is an error. A service not known online is probed once;
// if still unhealthy and fallback is enabled, the declared degraded response
// is returned (success from the caller's view, marked as fallback). Backend
// errors surface to the caller. Every call emits an mcp_call audit event with
// latency and success flag.
func (r *Router) Route(ctx context.Context, service, action string, payload map[string]any) (map[string]any, error) {
	start := time.Now()

	entry, ok := r.registry.Get(service)
	if !ok {
		r.emitAudit(service, action, start, false, "unknown service")
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	if !entry.SupportsAction(action) {
		r.emitAudit(service, action, start, false, "unsupported action")
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedAction, service, action)
	}

	if entry.Status != StatusOnline {
		status := r.Probe(ctx, service)
		if status != StatusOnline {
			if entry.FallbackEnabled {
				response := r.fallbacks.Respond(service, action, payload)
				r.emitAudit(service, action, start, false, "offline, fallback response served")
				r.logger.Warn("Service offline, serving fallback",
					"service", service,
					"action", action)
				return response, nil
			}
			r.emitAudit(service, action, start, false, "offline")
			return nil, fmt.Errorf("%w: %s", ErrServiceOffline, service)
		}
		entry, _ = r.registry.Get(service)
	}

	response, err := r.forward(ctx, entry.BaseURL, action, payload)
	if err != nil {
		r.registry.SetStatus(service, StatusDegraded)
		r.emitAudit(service, action, start, false, err.Error())
		return nil, err
	}
	r.emitAudit(service, action, start, true, "")
	return response, nil
}

// Probe checks <base>/health; a 200 response means online. The registry is
// updated with the result.
func (r *Router) Probe(ctx context.Context, service string) ServiceStatus {
	entry, ok := r.registry.Get(service)
	if !ok {
		return StatusOffline
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.BaseURL+"/health", nil)
	if err != nil {
		r.registry.SetStatus(service, StatusOffline)
		return StatusOffline
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.registry.SetStatus(service, StatusOffline)
		return StatusOffline
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	status := StatusOffline
	if resp.StatusCode == http.StatusOK {
		status = StatusOnline
	}
	r.registry.SetStatus(service, status)
	return status
}

// ProbeAll probes every registered service.
func (r *Router) ProbeAll(ctx context.Context) {
	for _, entry := range r.registry.Snapshot() {
		r.Probe(ctx, entry.Name)
	}
}

func (r *Router) forward(ctx context.Context, baseURL, action string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errMsg := fmt.Sprintf("backend returned %d", resp.StatusCode)
		if v, ok := decoded["error"].(string); ok && v != "" {
			errMsg = v
		}
		return decoded, fmt.Errorf("backend error: %s", errMsg)
	}
	return decoded, nil
}

func (r *Router) emitAudit(service, action string, start time.Time, success bool, note string) {
	if r.observeRoute != nil {
		r.observeRoute(service, time.Since(start).Seconds())
	}
	if r.audit == nil {
		return
	}
	details := map[string]any{
		"service":    service,
		"action":     action,
		"latency_ms": time.Since(start).Milliseconds(),
		"success":    success,
	}
	if note != "" {
		details["note"] = note
	}
	r.audit.MCPCall("mcp_route", "mcp-router", "", details)
}
