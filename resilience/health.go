package resilience

import (
	"sync"
	"time"
)

// AgentStatus enumerates liveness states for a registered agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentStopped AgentStatus = "stopped"
	AgentFailed  AgentStatus = "failed"
	AgentUnknown AgentStatus = "unknown"
)

// AgentHealth is the health record for one registered agent.
type AgentHealth struct {
	AgentID             string      `json:"agent_id"`
	Status              AgentStatus `json:"status"`
	Priority            Priority    `json:"priority"`
	LastHeartbeat       time.Time   `json:"last_heartbeat,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ErrorCount          int         `json:"error_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastSuccess         time.Time   `json:"last_success,omitempty"`
}

// HealthGrade is the system-wide health level derived from active failures.
type HealthGrade string

const (
	GradeHealthy   HealthGrade = "healthy"
	GradeDegraded1 HealthGrade = "degraded_1"
	GradeDegraded2 HealthGrade = "degraded_2"
	GradeDegraded3 HealthGrade = "degraded_3"
	GradeRecovery  HealthGrade = "recovery"
)

// Level maps the grade to a number for gauges: 0 healthy, 1-3 degraded,
// 4 recovery.
func (g HealthGrade) Level() int {
	switch g {
	case GradeDegraded1:
		return 1
	case GradeDegraded2:
		return 2
	case GradeDegraded3:
		return 3
	case GradeRecovery:
		return 4
	default:
		return 0
	}
}

// healthMap is the single-writer agent health registry. The controller owns
// all writes; readers receive copies.
type healthMap struct {
	mu     sync.RWMutex
	agents map[string]*AgentHealth
}

func newHealthMap() *healthMap {
	return &healthMap{agents: make(map[string]*AgentHealth)}
}

func (h *healthMap) register(agentID string, priority Priority) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.agents[agentID]; ok {
		return
	}
	h.agents[agentID] = &AgentHealth{
		AgentID:  agentID,
		Status:   AgentUnknown,
		Priority: priority,
	}
}

func (h *healthMap) heartbeat(agentID string, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	agent, ok := h.agents[agentID]
	if !ok {
		return false
	}
	agent.LastHeartbeat = at
	if agent.Status == AgentUnknown || agent.Status == AgentFailed {
		agent.Status = AgentRunning
	}
	return true
}

func (h *healthMap) markSuccess(agentID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if agent, ok := h.agents[agentID]; ok {
		agent.LastSuccess = at
		agent.ConsecutiveFailures = 0
		agent.Status = AgentRunning
	}
}

func (h *healthMap) markFailure(agentID, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if agent, ok := h.agents[agentID]; ok {
		agent.LastError = errMsg
		agent.ErrorCount++
		agent.ConsecutiveFailures++
		agent.Status = AgentFailed
	}
}

func (h *healthMap) markStopped(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if agent, ok := h.agents[agentID]; ok {
		agent.Status = AgentStopped
	}
}

func (h *healthMap) get(agentID string) (AgentHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if agent, ok := h.agents[agentID]; ok {
		return *agent, true
	}
	return AgentHealth{}, false
}

func (h *healthMap) snapshot() []AgentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]AgentHealth, 0, len(h.agents))
	for _, agent := range h.agents {
		out = append(out, *agent)
	}
	return out
}

// grade derives the system health grade from the active failure set.
// degraded_3: a critical-priority agent is failing; degraded_2: multiple
// failures or a high-priority failure; degraded_1: exactly one low-impact
// failure.
func grade(agents []AgentHealth, previous HealthGrade) HealthGrade {
	failing := 0
	worst := PriorityLow
	for _, agent := range agents {
		if agent.Status != AgentFailed {
			continue
		}
		failing++
		if rankPriority(agent.Priority) > rankPriority(worst) {
			worst = agent.Priority
		}
	}
	switch {
	case failing == 0:
		if previous != GradeHealthy && previous != "" && previous != GradeRecovery {
			return GradeRecovery
		}
		return GradeHealthy
	case worst == PriorityCritical:
		return GradeDegraded3
	case failing > 1 || worst == PriorityHigh:
		return GradeDegraded2
	default:
		return GradeDegraded1
	}
}

func rankPriority(p Priority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}
