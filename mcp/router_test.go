package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mdflow/audit"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(NewRegistry(), nil, nil)
}

func TestRegistryRegisterAndSnapshot(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(ServiceEntry{Name: "email", BaseURL: "http://localhost:9001/"}))
	require.NoError(t, reg.Register(ServiceEntry{Name: "calendar", BaseURL: "http://localhost:9002"}))

	entry, ok := reg.Get("email")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9001", entry.BaseURL)
	assert.Equal(t, StatusOffline, entry.Status)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "calendar", snap[0].Name)
	assert.Equal(t, "email", snap[1].Name)

	assert.Error(t, reg.Register(ServiceEntry{Name: "", BaseURL: "http://x"}))
	assert.Error(t, reg.Register(ServiceEntry{Name: "x"}))
}

func TestSupportsAction(t *testing.T) {
	open := ServiceEntry{Name: "proxy"}
	assert.True(t, open.SupportsAction("anything"))

	scoped := ServiceEntry{Name: "email", Actions: []string{"send", "draft"}}
	assert.True(t, scoped.SupportsAction("send"))
	assert.False(t, scoped.SupportsAction("delete"))
}

func TestRouteForwardsToBackend(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(map[string]any{"success": true, "id": "msg-1"})
	}))
	defer backend.Close()

	router := newTestRouter(t)
	require.NoError(t, router.Register(ServiceEntry{
		Name:    "email",
		BaseURL: backend.URL,
		Actions: []string{"send"},
	}))

	resp, err := router.Route(context.Background(), "email", "send", map[string]any{"to": "team@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "/send", gotPath)
	assert.Equal(t, "team@example.com", gotPayload["to"])
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "msg-1", resp["id"])

	entry, _ := router.registry.Get("email")
	assert.Equal(t, StatusOnline, entry.Status)
}

func TestRouteUnknownService(t *testing.T) {
	router := newTestRouter(t)
	_, err := router.Route(context.Background(), "nope", "send", nil)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestRouteUnsupportedAction(t *testing.T) {
	router := newTestRouter(t)
	require.NoError(t, router.Register(ServiceEntry{
		Name:    "email",
		BaseURL: "http://localhost:1",
		Actions: []string{"send"},
	}))
	_, err := router.Route(context.Background(), "email", "delete", nil)
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestRouteOfflineFallback(t *testing.T) {
	auditDir := t.TempDir()
	auditLog, err := audit.NewLogger(audit.DefaultConfig(auditDir), "test-session", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	auditLog.Start(ctx)

	router := NewRouter(NewRegistry(), auditLog, nil)
	router.SetClient(&http.Client{Timeout: 200 * time.Millisecond})
	// Port 1 is never listening; probe fails and the service stays offline.
	require.NoError(t, router.Register(ServiceEntry{
		Name:            "email",
		BaseURL:         "http://127.0.0.1:1",
		Actions:         []string{"send"},
		FallbackEnabled: true,
	}))

	resp, err := router.Route(context.Background(), "email", "send", map[string]any{"to": "x"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, true, resp["queued"])
	assert.Equal(t, true, resp["fallback"])

	cancel()
	auditLog.Wait()

	reader := audit.NewReader(auditDir)
	events, err := reader.ReadPartition(audit.CategoryMCPCall, time.Now().UTC())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "mcp_route", last.Event)
	assert.Equal(t, false, last.Details["success"])
	assert.Equal(t, "email", last.Details["service"])
}

func TestRouteOfflineNoFallback(t *testing.T) {
	router := newTestRouter(t)
	router.SetClient(&http.Client{Timeout: 200 * time.Millisecond})
	require.NoError(t, router.Register(ServiceEntry{
		Name:    "ledger",
		BaseURL: "http://127.0.0.1:1",
	}))
	_, err := router.Route(context.Background(), "ledger", "post", nil)
	assert.ErrorIs(t, err, ErrServiceOffline)
}

func TestRouteBackendError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": "mailbox full"})
	}))
	defer backend.Close()

	router := newTestRouter(t)
	require.NoError(t, router.Register(ServiceEntry{Name: "email", BaseURL: backend.URL}))

	_, err := router.Route(context.Background(), "email", "send", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox full")

	entry, _ := router.registry.Get("email")
	assert.Equal(t, StatusDegraded, entry.Status)
}

func TestProbeRecoversService(t *testing.T) {
	healthy := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if healthy {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer backend.Close()

	router := newTestRouter(t)
	require.NoError(t, router.Register(ServiceEntry{Name: "docs", BaseURL: backend.URL}))

	assert.Equal(t, StatusOffline, router.Probe(context.Background(), "docs"))
	healthy = true
	assert.Equal(t, StatusOnline, router.Probe(context.Background(), "docs"))

	resp, err := router.Route(context.Background(), "docs", "render", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
}

func TestFallbackTableServiceSpecific(t *testing.T) {
	table := NewFallbackTable()
	resp := table.Respond("email", "send", nil)
	assert.Equal(t, true, resp["queued"])

	table.Set("calendar", func(action string, payload map[string]any) map[string]any {
		return map[string]any{"success": true, "deferred": true}
	})
	resp = table.Respond("calendar", "book", nil)
	assert.Equal(t, true, resp["deferred"])

	resp = table.Respond("unknown-svc", "do", nil)
	assert.Equal(t, true, resp["fallback"])
	assert.Equal(t, "unknown-svc", resp["service"])
}

func TestRouteObserverSeesEveryCall(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer backend.Close()

	router := newTestRouter(t)
	require.NoError(t, router.Register(ServiceEntry{
		Name:    "email",
		BaseURL: backend.URL,
		Actions: []string{"send"},
	}))

	var services []string
	var latencies []float64
	router.SetRouteObserver(func(service string, seconds float64) {
		services = append(services, service)
		latencies = append(latencies, seconds)
	})

	_, err := router.Route(context.Background(), "email", "send", nil)
	require.NoError(t, err)
	_, err = router.Route(context.Background(), "ghost", "send", nil)
	require.Error(t, err)

	require.Equal(t, []string{"email", "ghost"}, services, "failed routes are observed too")
	assert.GreaterOrEqual(t, latencies[0], 0.0)
}
