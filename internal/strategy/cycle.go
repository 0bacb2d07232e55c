package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
	"github.com/Dicklesworthstone/agentwatch/internal/notify"
	"github.com/Dicklesworthstone/agentwatch/internal/ratelimit"
	"github.com/Dicklesworthstone/agentwatch/internal/recovery"
	"github.com/Dicklesworthstone/agentwatch/internal/state"
	"github.com/Dicklesworthstone/agentwatch/internal/status"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// baseRequired is what every cycle needs.
var baseRequired = []Component{CompMonitor, CompTracker, CompClassifier}

// minRecoveryBudget is the least time manager recovery gets when agent
// checks used up the cycle budget. A restarted manager that is not ready by
// then is checked again on later cycles.
const minRecoveryBudget = 5 * time.Second

// dispatchFunc runs cy.check for agents in some order and concurrency. It
// must stop starting checks once cy.expired() reports true and must not
// return before every started check has finished.
type dispatchFunc func(ctx context.Context, cy *cycle, agents []agent.Info)

type result struct {
	info agent.Info
	tr   state.Transition
	idle monitor.IdleAnalysis
	err  error
}

// cycle is the state of one run. results is written by concurrent checks;
// everything else is owned by runCycle.
type cycle struct {
	c      *Components
	cfg    *config.Config
	mon    *monitor.Monitor
	log    *slog.Logger
	ctx    context.Context
	status monitor.Status

	mu      sync.Mutex
	results map[string]*result
	limit   *ratelimit.Limit
}

func (cy *cycle) expired() bool { return cy.ctx.Err() != nil }

// runCycle discovers agents, checks them through dispatch, then reacts to
// the outcome: notifications, auto-submit, manager recovery and flush.
func runCycle(ctx context.Context, c *Components, name string, mon *monitor.Monitor, dispatch dispatchFunc) (monitor.Status, error) {
	if err := c.Require(baseRequired); err != nil {
		return monitor.Status{}, fmt.Errorf("strategy %s: %w", name, err)
	}
	if mon == nil {
		mon = c.Monitor
	}
	cfg := c.config()
	started := c.now()
	cy := &cycle{
		c:       c,
		cfg:     cfg,
		mon:     mon,
		status:  monitor.NewStatus(name, c.cycles.Add(1), started),
		results: make(map[string]*result),
	}
	cy.log = c.logger().With("strategy", name, "cycle", cy.status.Cycle)
	stopTimer := func() time.Duration { return 0 }
	if c.Metrics != nil {
		stopTimer = c.Metrics.Time(metrics.CycleDuration, metrics.Labels{"strategy": name})
	}

	queuedBefore := 0
	if c.Notifier != nil {
		queuedBefore = c.Notifier.Stats().Queued
	}

	agents, err := mon.Discover(ctx)
	if err != nil {
		cy.status.AddError("discovery", err)
		cy.status.Finish(c.now())
		stopTimer()
		return cy.status, fmt.Errorf("discover agents: %w", err)
	}
	cy.status.AgentsMonitored = len(agents)

	seen := make(map[string]bool, len(agents))
	for _, info := range agents {
		seen[info.Target] = true
	}
	for _, target := range c.Tracker.Prune(seen) {
		cy.log.Info("[Strategy] agent dropped", "target", target)
		if c.Notifier != nil {
			c.Notifier.Forget(target)
		}
	}
	managers := cy.noteManagers(agents)

	checkCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := cfg.Monitor.MaxCycle(); d > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, d)
	}
	deadline, bounded := checkCtx.Deadline()
	cy.ctx = checkCtx
	dispatch(checkCtx, cy, agents)
	cancel()

	cy.collect(ctx, agents)
	if ctx.Err() == nil {
		recoverCtx, cancelRecover := ctx, context.CancelFunc(func() {})
		if bounded {
			if floor := time.Now().Add(minRecoveryBudget); deadline.Before(floor) {
				deadline = floor
			}
			recoverCtx, cancelRecover = context.WithDeadline(ctx, deadline)
		}
		cy.recoverManagers(recoverCtx, agents, managers)
		cancelRecover()
	}
	if c.Notifier != nil {
		cy.status.NotificationsQueued = c.Notifier.Stats().Queued - queuedBefore
		if ctx.Err() == nil {
			cy.status.BatchesSent = c.Notifier.Flush(ctx)
		}
	}
	cy.status.RateLimit = cy.limit
	cy.status.Finish(c.now())
	stopTimer()
	cy.report()
	return cy.status, nil
}

// noteManagers records each session's manager and points notifications
// at them.
func (cy *cycle) noteManagers(agents []agent.Info) map[string]string {
	managers := make(map[string]string)
	for _, info := range agents {
		if !info.IsManager() {
			continue
		}
		if _, ok := managers[info.Session]; ok {
			continue
		}
		managers[info.Session] = info.Target
		if cy.c.Recovery != nil {
			cy.c.Recovery.NoteManager(info.Session, info.Target)
		}
	}
	if cy.c.Notifier != nil {
		cy.c.Notifier.SetResolver(func(session string) (string, bool) {
			t, ok := managers[session]
			return t, ok
		})
	}
	return managers
}

// check runs one agent's check. Panics and errors stay inside the agent.
func (cy *cycle) check(ctx context.Context, info agent.Info) {
	r := &result{info: info}
	defer func() {
		if p := recover(); p != nil {
			r.err = fmt.Errorf("panic: %v", p)
			cy.log.Error("[Strategy] agent check panicked", "target", info.Target, "panic", p, "stack", string(debug.Stack()))
		}
		cy.mu.Lock()
		cy.results[info.Target] = r
		cy.mu.Unlock()
	}()

	if cy.c.Metrics != nil {
		defer cy.c.Metrics.Time(metrics.CheckDuration, nil)()
	}
	r.tr, r.idle, r.err = cy.observe(ctx, info)
}

func (cy *cycle) observe(ctx context.Context, info agent.Info) (state.Transition, monitor.IdleAnalysis, error) {
	var idle monitor.IdleAnalysis
	c := cy.c

	var stopCapture func() time.Duration
	if c.Metrics != nil {
		stopCapture = c.Metrics.Time(metrics.CaptureDuration, nil)
	}
	content, err := cy.mon.Capture(ctx, info.Target)
	if stopCapture != nil {
		stopCapture()
	}
	if err != nil {
		c.Tracker.RecordError(info.Target, err)
		return state.Transition{}, idle, fmt.Errorf("capture: %w", err)
	}

	class, err := c.Classifier.Classify(info.Target, content, cy.mon.IdleFor(info))
	if err != nil {
		c.Tracker.RecordError(info.Target, err)
		return state.Transition{}, idle, err
	}

	if class.RateLimited && cy.cfg.RateLimit.Enabled {
		buffer := time.Duration(cy.cfg.RateLimit.BufferSeconds) * time.Second
		lim, ok, err := ratelimit.Detect(content, c.now(), buffer)
		switch {
		case ok && err != nil:
			cy.log.Warn("[RateLimit] reset time unparseable", "target", info.Target, "error", err)
			if class.State != agent.StateCrashed {
				class.State, class.Reason = agent.StateError, err.Error()
			}
		case ok:
			lim.Target = info.Target
			if c.RateLimit != nil && c.RateLimit.Handled(lim) {
				cy.log.Debug("[RateLimit] limit already waited out", "target", info.Target, "reset", lim.Raw)
				break
			}
			cy.setLimit(lim)
		}
	}

	obs := state.Observation{Info: info, Content: content, Class: class}
	if class.State == "" && !class.Grace && !class.Busy {
		idle, err = cy.mon.Analyze(ctx, info, content)
		if err != nil {
			if ctx.Err() != nil {
				return state.Transition{}, idle, fmt.Errorf("idle check: %w", err)
			}
			cy.log.Debug("[Strategy] idle check failed", "target", info.Target, "error", err)
		}
		obs.IdleConfirmed = err == nil && idle.IsIdle
	}
	return c.Tracker.Observe(obs), idle, nil
}

func (cy *cycle) setLimit(lim ratelimit.Limit) {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	if cy.limit == nil || lim.ResumeAt().After(cy.limit.ResumeAt()) {
		cy.limit = &lim
	}
}

// collect folds results into the status in discovery order and reacts to
// each agent's state.
func (cy *cycle) collect(ctx context.Context, agents []agent.Info) {
	c := cy.c
	for _, info := range agents {
		r, ok := cy.results[info.Target]
		row := monitor.AgentRow{Target: info.Target, Name: info.Name, Role: info.Role}
		if st, found := c.Tracker.Get(info.Target); found {
			row.State, row.Reason, row.IdleStreak = st.State, st.Reason, st.IdleStreak
		}
		switch {
		case !ok:
			row.Deferred = true
			cy.status.AgentsDeferred++
		case r.err != nil:
			cy.status.AddError(info.Target, r.err)
			row.Reason = r.err.Error()
			if c.Metrics != nil {
				c.Metrics.Inc(metrics.AgentErrors, metrics.Labels{"kind": errorKind(r.err)})
			}
		default:
			cy.status.Count(r.tr.To)
			cy.recordTransition(r.tr)
			if ctx.Err() == nil {
				cy.react(ctx, r)
			}
		}
		cy.status.Agents = append(cy.status.Agents, row)
	}
	if cy.status.AgentsDeferred > 0 {
		cy.log.Warn("[Strategy] cycle deadline reached, agents deferred", "deferred", cy.status.AgentsDeferred)
		if c.Metrics != nil {
			c.Metrics.Add(metrics.Deferred, nil, float64(cy.status.AgentsDeferred))
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, tmux.ErrCaptureTimeout), errors.Is(err, tmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, tmux.ErrNotFound):
		return "not_found"
	case errors.Is(err, status.ErrUnreadableContent):
		return "unreadable"
	}
	return "other"
}

func (cy *cycle) recordTransition(tr state.Transition) {
	if !tr.Changed {
		return
	}
	if cy.c.Metrics != nil {
		cy.c.Metrics.Inc(metrics.Transitions, metrics.Labels{"from": string(tr.From), "to": string(tr.To)})
	}
	if cy.c.History != nil {
		if err := cy.c.History.RecordTransition(tr); err != nil {
			cy.log.Warn("[Strategy] history write failed", "target", tr.Target, "error", err)
		}
	}
}

// react queues notifications and flushes stuck input for one agent.
func (cy *cycle) react(ctx context.Context, r *result) {
	n := cy.c.Notifier
	ncfg := cy.cfg.Notifications
	info := r.info

	switch r.tr.To {
	case agent.StateCrashed:
		if n != nil {
			n.Queue(notify.NewCrashEvent(info, r.tr.Reason))
		}
	case agent.StateError:
		if n != nil && ncfg.NotifyErrors {
			n.Queue(notify.NewErrorEvent(info, r.tr.Reason))
		}
	case agent.StateIdle:
		if n != nil && ncfg.NotifyIdle {
			n.Queue(notify.NewIdleEvent(info, r.idle.IdleDuration))
		}
	case agent.StateMessageQueued:
		cy.autoSubmit(ctx, info)
	}
	if r.tr.BecameFresh && n != nil && ncfg.NotifyFresh {
		n.Queue(notify.NewFreshAgentEvent(info))
	}
}

// autoSubmit presses Enter on input left in the agent prompt, spaced by the
// submission cooldown. Past the attempt cap it asks a human instead.
func (cy *cycle) autoSubmit(ctx context.Context, info agent.Info) {
	scfg := cy.cfg.Submission
	if !scfg.Enabled {
		return
	}
	st, ok := cy.c.Tracker.Get(info.Target)
	if !ok {
		return
	}
	now := cy.c.now()
	cooldown := time.Duration(scfg.CooldownSeconds) * time.Second
	if !st.LastSubmission.IsZero() && now.Sub(st.LastSubmission) < cooldown {
		return
	}
	if st.SubmissionAttempts >= scfg.MaxAttempts {
		if cy.c.Notifier != nil {
			typed := ""
			if q, found := status.QueuedInput(util.StripANSI(st.LastContent), cy.c.Classifier.Detector.Config().PromptRegion); found {
				typed = q
			}
			cy.c.Notifier.Queue(notify.NewStuckInputEvent(info, st.SubmissionAttempts, typed))
		}
		return
	}

	mux := cy.c.Mux
	if mux == nil {
		mux = cy.mon.Mux()
	}
	if err := mux.SendKey(ctx, info.Target, "Enter"); err != nil {
		cy.log.Warn("[Strategy] auto-submit failed", "target", info.Target, "error", err)
		return
	}
	attempts := cy.c.Tracker.RecordSubmission(info.Target)
	if cy.c.Metrics != nil {
		cy.c.Metrics.Inc(metrics.Submissions, nil)
	}
	cy.log.Info("[Strategy] submitted queued input", "target", info.Target, "attempt", attempts)
}

// recoverManagers checks every discovered session's manager and starts a
// recovery attempt when one is due.
func (cy *cycle) recoverManagers(ctx context.Context, agents []agent.Info, managers map[string]string) {
	rec := cy.c.Recovery
	if rec == nil || !cy.cfg.Recovery.Enabled {
		return
	}
	sessions := make(map[string]bool)
	for _, info := range agents {
		sessions[info.Session] = true
	}
	names := make([]string, 0, len(sessions))
	for s := range sessions {
		names = append(names, s)
	}
	sort.Strings(names)

	for i, session := range names {
		if ctx.Err() != nil {
			cy.log.Warn("[Strategy] recovery budget spent, sessions left for next cycle", "skipped", len(names)-i)
			return
		}
		healthy, target, issue := rec.CheckHealth(ctx, session)
		if healthy || !rec.ShouldAttemptRecovery(session) {
			continue
		}
		cy.log.Warn("[Strategy] manager unhealthy, recovering", "session", session, "target", target, "issue", issue)
		ok, err := rec.Recover(ctx, session, target)
		switch {
		case errors.Is(err, recovery.ErrRecoveryExhausted):
			cy.log.Error("[Strategy] manager recovery exhausted", "session", session)
		case err != nil:
			cy.log.Warn("[Strategy] manager recovery failed", "session", session, "error", err)
		case ok:
			if t, found := rec.Get(session); found && t.ManagerTarget != "" {
				managers[session] = t.ManagerTarget
			}
		default:
			cy.log.Info("[Strategy] manager restarting, readiness checked next cycle", "session", session)
		}
	}
}

func (cy *cycle) report() {
	c := cy.c
	s := cy.status
	if c.Metrics != nil {
		c.Metrics.Inc(metrics.Cycles, metrics.Labels{"strategy": s.Strategy})
		counts := make(map[agent.State]int)
		for _, row := range s.Agents {
			if row.State != "" && !row.Deferred {
				counts[row.State]++
			}
		}
		for _, st := range agent.AllStates {
			c.Metrics.Set(metrics.Agents, metrics.Labels{"state": string(st)}, float64(counts[st]))
		}
	}
	cy.log.Info("[Strategy] cycle complete",
		"monitored", s.AgentsMonitored,
		"healthy", s.AgentsHealthy,
		"idle", s.AgentsIdle,
		"crashed", s.AgentsCrashed,
		"errors", s.ErrorsDetected,
		"deferred", s.AgentsDeferred,
		"queued", s.NotificationsQueued,
		"batches", s.BatchesSent,
		"duration", s.Duration.Round(time.Millisecond),
	)
}
