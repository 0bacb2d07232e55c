// Package state owns the authoritative per-agent records: content hashes,
// idle streaks, health state transitions and auto-submit bookkeeping.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/status"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// AgentState is the tracked record for one target.
type AgentState struct {
	Target             string      `json:"target"`
	Session            string      `json:"session"`
	Name               string      `json:"name"`
	Role               agent.Role  `json:"role"`
	State              agent.State `json:"state"`
	PreviousState      agent.State `json:"previous_state,omitempty"`
	Reason             string      `json:"reason,omitempty"`
	LastContent        string      `json:"-"`
	ContentHash        string      `json:"content_hash"`
	LastActivity       time.Time   `json:"last_activity"`
	IdleStreak         int         `json:"idle_streak"`
	SubmissionAttempts int         `json:"submission_attempts"`
	LastSubmission     time.Time   `json:"last_submission,omitempty"`
	IsFresh            bool        `json:"is_fresh"`
	ErrorCount         int         `json:"error_count"`
	LastError          string      `json:"last_error,omitempty"`
	CrashCount         int         `json:"crash_count"`
	FirstSeen          time.Time   `json:"first_seen"`
	LastSeen           time.Time   `json:"last_seen"`
	StateSince         time.Time   `json:"state_since"`
}

// Observation is one cycle's reading of a target.
type Observation struct {
	Info    agent.Info
	Content string
	Class   status.Classification
	// IdleConfirmed is set when the multi-snapshot check found no change.
	IdleConfirmed bool
}

// Transition reports the outcome of an observation.
type Transition struct {
	Target      string      `json:"target"`
	Session     string      `json:"session"`
	Role        agent.Role  `json:"role"`
	From        agent.State `json:"from"`
	To          agent.State `json:"to"`
	Changed     bool        `json:"changed"`
	Reason      string      `json:"reason,omitempty"`
	At          time.Time   `json:"at"`
	BecameFresh bool        `json:"became_fresh,omitempty"`
}

// Config tunes the tracker.
type Config struct {
	// IdleStreakMin is how many unchanged cycles must precede IDLE.
	IdleStreakMin int
	// DropGrace is how long an undiscovered target is kept.
	DropGrace time.Duration
}

// DefaultConfig returns tracker defaults.
func DefaultConfig() Config {
	return Config{IdleStreakMin: 0, DropGrace: 2 * time.Minute}
}

// Tracker is safe for concurrent use; callers keep one writer per target
// per cycle.
type Tracker struct {
	cfg    Config
	Logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	agents    map[string]*AgentState
	callbacks []func(Transition)
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.IdleStreakMin < 0 {
		cfg.IdleStreakMin = 0
	}
	if cfg.DropGrace <= 0 {
		cfg.DropGrace = DefaultConfig().DropGrace
	}
	return &Tracker{cfg: cfg, now: time.Now, agents: make(map[string]*AgentState)}
}

func (t *Tracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// OnTransition registers a callback run after every state change.
func (t *Tracker) OnTransition(fn func(Transition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// allowedFromCrashed lists the only states a crashed agent may move to
// without an explicit recovery.
func allowedFromCrashed(to agent.State) bool {
	return to == agent.StateCrashed || to == agent.StateError || to == agent.StateStarting
}

// Observe folds one observation into the target's record.
func (t *Tracker) Observe(obs Observation) Transition {
	now := t.now()
	target := obs.Info.Target

	t.mu.Lock()
	st, ok := t.agents[target]
	if !ok {
		st = &AgentState{
			Target:     target,
			State:      agent.StateStarting,
			FirstSeen:  now,
			StateSince: now,
		}
		t.agents[target] = st
	}
	st.Session, st.Name, st.Role = obs.Info.Session, obs.Info.Name, obs.Info.Role
	st.LastSeen = now

	hash := util.Hash(obs.Content)
	changed := hash != st.ContentHash
	if changed {
		st.IdleStreak = 0
		st.LastActivity = now
	} else {
		st.IdleStreak++
	}
	st.ContentHash = hash
	st.LastContent = obs.Content

	from := st.State
	to, reason := t.decide(st, obs, changed)
	if from == agent.StateCrashed && !allowedFromCrashed(to) {
		to, reason = agent.StateStarting, "restart observed after crash"
	}

	tr := Transition{
		Target:  target,
		Session: st.Session,
		Role:    st.Role,
		From:    from,
		To:      to,
		Changed: from != to || !ok,
		Reason:  reason,
		At:      now,
	}

	if obs.Class.Fresh && !st.IsFresh {
		tr.BecameFresh = true
	}
	switch {
	case obs.Class.Fresh:
		st.IsFresh = true
	case changed && !obs.Class.Grace:
		st.IsFresh = false
	}

	if to == agent.StateCrashed && from != agent.StateCrashed {
		st.CrashCount++
	}
	if to == agent.StateActive || to == agent.StateHealthy {
		st.SubmissionAttempts = 0
	}
	if from != to {
		st.PreviousState = from
		st.StateSince = now
	}
	st.State = to
	st.Reason = reason
	callbacks := t.callbacks
	t.mu.Unlock()

	if tr.Changed {
		t.logger().Debug("[StateTracker] transition", "target", target, "from", from, "to", to, "reason", reason)
		for _, cb := range callbacks {
			cb(tr)
		}
	}
	return tr
}

// decide picks the candidate state from the observation in priority order.
func (t *Tracker) decide(st *AgentState, obs Observation, changed bool) (agent.State, string) {
	if obs.Class.Grace {
		return st.State, "grace period"
	}
	if obs.Class.State != "" {
		return obs.Class.State, obs.Class.Reason
	}
	if obs.IdleConfirmed && st.IdleStreak >= t.cfg.IdleStreakMin {
		return agent.StateIdle, "no change across snapshots"
	}
	if changed {
		return agent.StateActive, "content changed"
	}
	return agent.StateHealthy, ""
}

// Get returns a copy of the record for target.
func (t *Tracker) Get(target string) (AgentState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.agents[target]
	if !ok {
		return AgentState{}, false
	}
	return *st, true
}

// Snapshot returns copies of every record sorted by target.
func (t *Tracker) Snapshot() []AgentState {
	t.mu.RLock()
	out := make([]AgentState, 0, len(t.agents))
	for _, st := range t.agents {
		out = append(out, *st)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Len returns the number of tracked targets.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}

// Prune drops targets missing from seen for longer than the drop grace
// and returns the dropped targets.
func (t *Tracker) Prune(seen map[string]bool) []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []string
	for target, st := range t.agents {
		if seen[target] {
			continue
		}
		if now.Sub(st.LastSeen) > t.cfg.DropGrace {
			delete(t.agents, target)
			dropped = append(dropped, target)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// MarkRecovered records an explicit recovery action, moving the target to
// STARTING.
func (t *Tracker) MarkRecovered(target string) {
	now := t.now()
	t.mu.Lock()
	st, ok := t.agents[target]
	if !ok {
		st = &AgentState{Target: target, FirstSeen: now, LastSeen: now}
		t.agents[target] = st
	}
	from := st.State
	st.PreviousState = from
	st.State = agent.StateStarting
	st.Reason = "recovered"
	st.StateSince = now
	st.IdleStreak = 0
	st.ContentHash = ""
	st.SubmissionAttempts = 0
	callbacks := t.callbacks
	tr := Transition{Target: target, Session: st.Session, Role: st.Role, From: from, To: agent.StateStarting, Changed: true, Reason: "recovered", At: now}
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(tr)
	}
}

// RecordSubmission counts an auto-submit attempt and returns the total.
func (t *Tracker) RecordSubmission(target string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[target]
	if !ok {
		return 0
	}
	st.SubmissionAttempts++
	st.LastSubmission = t.now()
	return st.SubmissionAttempts
}

// RecordError counts a failed check for target.
func (t *Tracker) RecordError(target string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[target]
	if !ok {
		return
	}
	st.ErrorCount++
	if err != nil {
		st.LastError = err.Error()
	}
}

// CrashCounts returns crash totals per target.
func (t *Tracker) CrashCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.agents))
	for target, st := range t.agents {
		if st.CrashCount > 0 {
			out[target] = st.CrashCount
		}
	}
	return out
}

// ResetSubmissions clears the auto-submit counter for target.
func (t *Tracker) ResetSubmissions(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.agents[target]; ok {
		st.SubmissionAttempts = 0
	}
}

// CrashCount returns how many times target has crashed while tracked.
func (t *Tracker) CrashCount(target string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.agents[target]; ok {
		return st.CrashCount
	}
	return 0
}
