// Package agent defines the monitored agent model and the heuristic pattern
// tables used to read agent state from pane text.
package agent

import (
	"fmt"
	"regexp"
	"time"
)

// Role is the function an agent window plays in its session.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleManager      Role = "manager"
	RoleDeveloper    Role = "developer"
	RoleQA           Role = "qa"
	RoleDevOps       Role = "devops"
	RoleReviewer     Role = "reviewer"
	RoleResearcher   Role = "researcher"
	RoleWorker       Role = "worker"
)

// String returns the role name.
func (r Role) String() string { return string(r) }

// State is the health classification of an agent.
type State string

const (
	StateHealthy       State = "HEALTHY"
	StateActive        State = "ACTIVE"
	StateIdle          State = "IDLE"
	StateMessageQueued State = "MESSAGE_QUEUED"
	StateStarting      State = "STARTING"
	StateError         State = "ERROR"
	StateCrashed       State = "CRASHED"
)

// AllStates lists every state in display order.
var AllStates = []State{
	StateHealthy, StateActive, StateIdle, StateMessageQueued,
	StateStarting, StateError, StateCrashed,
}

// String returns the state name.
func (s State) String() string { return string(s) }

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Working reports whether the state counts as a live, functioning agent.
func (s State) Working() bool {
	switch s {
	case StateHealthy, StateActive, StateStarting, StateMessageQueued:
		return true
	}
	return false
}

// Info describes one discovered agent window. It is rebuilt on every
// discovery pass and never persisted.
type Info struct {
	Target       string    `json:"target"`
	Session      string    `json:"session"`
	Window       int       `json:"window"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Status       string    `json:"status"`
	Command      string    `json:"command,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// IsManager reports whether the agent holds the manager role.
func (i Info) IsManager() bool { return i.Role == RoleManager }

// Target builds the "session:window" key for a window index.
func Target(session string, window int) string {
	return fmt.Sprintf("%s:%d", session, window)
}

// roleRule maps a window-name pattern to a role. Rules are checked in order.
type roleRule struct {
	role    Role
	pattern *regexp.Regexp
}

func word(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^a-z])(?:` + expr + `)(?:$|[^a-z])`)
}

var roleRules = []roleRule{
	{RoleOrchestrator, regexp.MustCompile(`(?i)orchestrat`)},
	{RoleManager, word(`pm|project[-_ ]?manager|manager`)},
	{RoleQA, word(`qa|tester|test[-_ ]?engineer`)},
	{RoleDevOps, word(`devops|ops|sre|infra`)},
	{RoleReviewer, word(`reviewer|review`)},
	{RoleResearcher, word(`research|researcher|analyst`)},
	{RoleDeveloper, word(`dev|developer|engineer|frontend|backend|fullstack`)},
}

// RoleFromName infers a role from a window name, defaulting to RoleWorker.
func RoleFromName(name string) Role {
	for _, rule := range roleRules {
		if rule.pattern.MatchString(name) {
			return rule.role
		}
	}
	return RoleWorker
}
