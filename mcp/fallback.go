package mcp

import "sync"

// FallbackFunc produces the degraded response for an offline service.
type FallbackFunc func(action string, payload map[string]any) map[string]any

// FallbackTable maps service names to their declared degraded responses.
// Services without a specific entry get the generic queued response.
type FallbackTable struct {
	mu    sync.RWMutex
	funcs map[string]FallbackFunc
}

// NewFallbackTable creates a table pre-loaded with the well-known service
// fallbacks.
func NewFallbackTable() *FallbackTable {
	t := &FallbackTable{funcs: make(map[string]FallbackFunc)}
	t.Set("email", emailFallback)
	return t
}

// Set registers or replaces a service-specific fallback.
func (t *FallbackTable) Set(service string, fn FallbackFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[service] = fn
}

// Respond produces the degraded response for a service/action pair.
func (t *FallbackTable) Respond(service, action string, payload map[string]any) map[string]any {
	t.mu.RLock()
	fn, ok := t.funcs[service]
	t.mu.RUnlock()
	if ok {
		return fn(action, payload)
	}
	return genericFallback(service, action)
}

// emailFallback reports the message as queued for later delivery. The real
// send happens when the failure queue drains.
func emailFallback(action string, payload map[string]any) map[string]any {
	return map[string]any{
		"success":  true,
		"queued":   true,
		"fallback": true,
		"action":   action,
	}
}

func genericFallback(service, action string) map[string]any {
	return map[string]any{
		"success":  true,
		"queued":   true,
		"fallback": true,
		"service":  service,
		"action":   action,
	}
}
