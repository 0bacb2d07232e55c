package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/ratelimit"
)

// AgentRow is the per-agent line of a detailed status.
type AgentRow struct {
	Target     string      `json:"target"`
	Name       string      `json:"name"`
	Role       agent.Role  `json:"role"`
	State      agent.State `json:"state"`
	Reason     string      `json:"reason,omitempty"`
	IdleStreak int         `json:"idle_streak"`
	Deferred   bool        `json:"deferred,omitempty"`
}

// Status summarizes one monitoring cycle. It is built by a single cycle
// and treated as immutable once returned.
type Status struct {
	CycleID   string        `json:"cycle_id"`
	Cycle     int64         `json:"cycle"`
	Strategy  string        `json:"strategy"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`

	AgentsMonitored int `json:"agents_monitored"`
	AgentsHealthy   int `json:"agents_healthy"`
	AgentsIdle      int `json:"agents_idle"`
	AgentsCrashed   int `json:"agents_crashed"`
	AgentsError     int `json:"agents_error"`
	AgentsDeferred  int `json:"agents_deferred"`

	ErrorsDetected      int      `json:"errors_detected"`
	Errors              []string `json:"errors,omitempty"`
	NotificationsQueued int      `json:"notifications_queued"`
	BatchesSent         int      `json:"batches_sent"`

	RateLimit *ratelimit.Limit `json:"rate_limit,omitempty"`
	Agents    []AgentRow       `json:"agents,omitempty"`
}

// NewStatus starts the status of a cycle.
func NewStatus(strategy string, cycle int64, started time.Time) Status {
	return Status{
		CycleID:   uuid.NewString(),
		Cycle:     cycle,
		Strategy:  strategy,
		StartedAt: started,
	}
}

// Count adds one checked agent in state st to the tallies.
// AgentsMonitored is set by the cycle from discovery.
func (s *Status) Count(st agent.State) {
	switch {
	case st == agent.StateIdle:
		s.AgentsIdle++
	case st == agent.StateCrashed:
		s.AgentsCrashed++
	case st == agent.StateError:
		s.AgentsError++
	case st.Working():
		s.AgentsHealthy++
	}
}

// AddError records a per-agent failure.
func (s *Status) AddError(target string, err error) {
	s.ErrorsDetected++
	if err != nil {
		s.Errors = append(s.Errors, target+": "+err.Error())
	}
}

// Finish stamps the end of the cycle.
func (s *Status) Finish(ended time.Time) {
	s.EndedAt = ended
	s.Duration = ended.Sub(s.StartedAt)
}

// Healthy reports whether every monitored agent is working or idle.
func (s Status) Healthy() bool {
	return s.AgentsCrashed == 0 && s.AgentsError == 0 && s.ErrorsDetected == 0
}
