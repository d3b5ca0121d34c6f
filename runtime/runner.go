package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner owns the lifecycle of a set of components: initialize and start in
// registration order, stop in reverse on shutdown, and serve /health plus
// /metrics while running.
type Runner struct {
	deps       Dependencies
	metrics    *Metrics
	logger     *slog.Logger
	components []Component
	httpServer *http.Server
}

// NewRunner creates a runner. Metrics may be nil when no endpoint is wanted.
func NewRunner(deps Dependencies, metrics *Metrics) *Runner {
	return &Runner{
		deps:    deps,
		metrics: metrics,
		logger:  deps.GetLogger(),
	}
}

// Add appends a component to the managed set.
func (r *Runner) Add(component Component) {
	r.components = append(r.components, component)
}

// Components returns the managed set in start order.
func (r *Runner) Components() []Component { return r.components }

// Start initializes then starts every component. On any failure the already
// started components are stopped before the error returns.
func (r *Runner) Start(ctx context.Context) error {
	for _, component := range r.components {
		if err := component.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", component.Name(), err)
		}
	}
	started := make([]Component, 0, len(r.components))
	for _, component := range r.components {
		if err := component.Start(ctx); err != nil {
			r.stopAll(context.Background(), started)
			return fmt.Errorf("start %s: %w", component.Name(), err)
		}
		started = append(started, component)
		if r.metrics != nil {
			r.metrics.ComponentUp.WithLabelValues(component.Name()).Set(1)
		}
		r.logger.Info("Component started", "component", component.Name())
	}
	return nil
}

// ServeHTTP exposes /health and /metrics on the given address. Non-blocking.
func (r *Runner) ServeHTTP(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		reports := make([]Health, 0, len(r.components))
		healthy := true
		for _, component := range r.components {
			health := component.Health()
			reports = append(reports, health)
			if !health.Running {
				healthy = false
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"healthy":    healthy,
			"components": reports,
		})
	})
	if r.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("HTTP endpoint failed", "addr", addr, "error", err)
		}
	}()
	r.logger.Info("HTTP endpoint listening", "addr", addr)
}

// Stop halts components in reverse start order, then the HTTP endpoint, then
// drains the audit stream so the final events reach disk.
func (r *Runner) Stop(ctx context.Context) {
	r.stopAll(ctx, r.components)
	if r.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r.httpServer.Shutdown(shutdownCtx)
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Close()
	}
	if r.deps.Audit != nil {
		r.deps.Audit.Wait()
	}
}

func (r *Runner) stopAll(ctx context.Context, components []Component) {
	for i := len(components) - 1; i >= 0; i-- {
		component := components[i]
		if err := component.Stop(ctx); err != nil {
			r.logger.Error("Component stop failed",
				"component", component.Name(),
				"error", err)
		}
		if r.metrics != nil {
			r.metrics.ComponentUp.WithLabelValues(component.Name()).Set(0)
		}
	}
}
