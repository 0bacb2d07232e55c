// Package recovery keeps each session's manager agent alive: it checks the
// manager window, restarts or respawns it with bounded, progressively
// delayed attempts, and shields a recovered manager with a grace period.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
	"github.com/Dicklesworthstone/agentwatch/internal/notify"
	"github.com/Dicklesworthstone/agentwatch/internal/state"
	"github.com/Dicklesworthstone/agentwatch/internal/status"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// ErrRecoveryExhausted is returned once a session has used its attempts.
var ErrRecoveryExhausted = errors.New("manager recovery attempts exhausted")

// errStillStarting means ctx ran out before the restarted manager showed
// its interface. The attempt stays open and later health checks finish it.
var errStillStarting = errors.New("manager still starting")

// Phase is the recovery state of a session's manager.
type Phase string

const (
	PhaseHealthy     Phase = "HEALTHY"
	PhaseMissing     Phase = "MISSING"
	PhaseCrashed     Phase = "CRASHED"
	PhaseRecovering  Phase = "RECOVERING"
	PhaseGracePeriod Phase = "GRACE_PERIOD"
)

// Config tunes recovery.
type Config struct {
	// Delays is the wait before each attempt; the last value repeats.
	Delays      []time.Duration
	MaxAttempts int
	// Cooldown is how long an exhausted session waits before a new round.
	Cooldown     time.Duration
	GracePeriod  time.Duration
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration
	// SpawnMissing spawns a manager even in sessions that never had one.
	SpawnMissing bool
	WindowName   string
	Command      string
	Dir          string
	// Briefing is typed into a recovered manager once it is ready.
	Briefing     string
	CaptureLines int
}

// DefaultConfig returns the recovery defaults.
func DefaultConfig() Config {
	return Config{
		Delays:       []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		MaxAttempts:  3,
		Cooldown:     5 * time.Minute,
		GracePeriod:  3 * time.Minute,
		ReadyTimeout: time.Minute,
		ReadyPoll:    time.Second,
		WindowName:   "pm",
		Command:      "claude",
		CaptureLines: 50,
	}
}

// SessionState is the recovery record for one session.
type SessionState struct {
	Session       string    `json:"session"`
	Phase         Phase     `json:"phase"`
	ManagerTarget string    `json:"manager_target,omitempty"`
	Issue         string    `json:"issue,omitempty"`
	IssueSince    time.Time `json:"issue_since,omitempty"`
	Attempts      int       `json:"attempts"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Exhausted     bool      `json:"exhausted"`
	ExhaustedAt   time.Time `json:"exhausted_at,omitempty"`
	GraceUntil    time.Time `json:"grace_until,omitempty"`
	ReadyBy       time.Time `json:"ready_by,omitempty"`
	Recoveries    int       `json:"recoveries"`
	SeenManager   bool      `json:"seen_manager"`

	notifiedExhausted bool
}

// Manager runs manager-role recovery for every session.
type Manager struct {
	cfg      Config
	mux      tmux.Mux
	detector *status.Detector
	tracker  *state.Tracker
	notifier *notify.Manager

	Logger  *slog.Logger
	Metrics *metrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*SessionState
}

// New creates a recovery manager. detector, tracker and notifier may be nil.
func New(cfg Config, mux tmux.Mux, detector *status.Detector, tracker *state.Tracker, notifier *notify.Manager) *Manager {
	def := DefaultConfig()
	if len(cfg.Delays) == 0 {
		cfg.Delays = def.Delays
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = def.ReadyPoll
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.WindowName == "" {
		cfg.WindowName = def.WindowName
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = def.CaptureLines
	}
	if detector == nil {
		detector = status.NewDetector(status.DefaultConfig())
	}
	return &Manager{
		cfg:      cfg,
		mux:      mux,
		detector: detector,
		tracker:  tracker,
		notifier: notifier,
		now:      time.Now,
		sessions: make(map[string]*SessionState),
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) stateLocked(session string) *SessionState {
	st, ok := m.sessions[session]
	if !ok {
		st = &SessionState{Session: session, Phase: PhaseHealthy}
		m.sessions[session] = st
	}
	return st
}

// Get returns a copy of the record for session.
func (m *Manager) Get(session string) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[session]
	if !ok {
		return SessionState{}, false
	}
	return *st, true
}

// Sessions returns copies of every record sorted by session.
func (m *Manager) Sessions() []SessionState {
	m.mu.Lock()
	out := make([]SessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, *st)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

// NoteManager records that session has a manager at target.
func (m *Manager) NoteManager(session, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(session)
	st.SeenManager = true
	st.ManagerTarget = target
}

// CheckHealth inspects the manager window of session and returns whether
// it is healthy, its target and the problem found.
func (m *Manager) CheckHealth(ctx context.Context, session string) (bool, string, string) {
	m.mu.Lock()
	st := m.stateLocked(session)
	pending, pendingTarget, readyBy := st.Phase == PhaseRecovering && !st.ReadyBy.IsZero(), st.ManagerTarget, st.ReadyBy
	m.mu.Unlock()
	if pending {
		return m.checkStarting(ctx, session, pendingTarget, readyBy)
	}

	windows, err := m.mux.ListWindows(ctx, session)
	if errors.Is(err, tmux.ErrNotFound) {
		return m.record(session, PhaseMissing, "", fmt.Sprintf("list windows: %v", err))
	}
	if err != nil {
		// Slow or failing tmux says nothing about the manager.
		return true, "", fmt.Sprintf("list windows failed: %v", err)
	}

	var manager *tmux.Window
	for i := range windows {
		if agent.RoleFromName(windows[i].Name) == agent.RoleManager {
			manager = &windows[i]
			break
		}
	}
	if manager == nil {
		return m.record(session, PhaseMissing, "", "manager window missing")
	}
	target := manager.Target()

	m.mu.Lock()
	st = m.stateLocked(session)
	st.SeenManager = true
	inGrace := st.Phase == PhaseGracePeriod && m.now().Before(st.GraceUntil)
	m.mu.Unlock()
	if inGrace {
		return true, target, "grace period"
	}

	content, err := m.mux.CapturePane(ctx, target, m.cfg.CaptureLines)
	if err != nil {
		if errors.Is(err, tmux.ErrNotFound) {
			return m.record(session, PhaseMissing, "", "manager window vanished")
		}
		// A slow capture is not evidence of a crash.
		return true, target, fmt.Sprintf("capture failed: %v", err)
	}
	var idle time.Duration
	if !manager.Activity.IsZero() {
		idle = m.now().Sub(manager.Activity)
	}
	if crashed, reason := m.detector.ClassifyTarget(target, util.StripANSI(content), idle); crashed {
		return m.record(session, PhaseCrashed, target, reason)
	}
	return m.record(session, PhaseHealthy, target, "")
}

// checkStarting resolves an attempt whose manager was restarted but not
// yet ready when its cycle ran out of time.
func (m *Manager) checkStarting(ctx context.Context, session, target string, readyBy time.Time) (bool, string, string) {
	content, err := m.mux.CapturePane(ctx, target, m.cfg.CaptureLines)
	switch {
	case err == nil && agent.InterfaceMarkers.Matches(util.StripANSI(content)):
		m.succeed(ctx, session, target)
		return true, target, "recovered"
	case errors.Is(err, tmux.ErrNotFound):
		m.fail(session, "", fmt.Errorf("wait for manager: %w", err))
		return false, "", "manager window vanished"
	case !m.now().Before(readyBy):
		cause := fmt.Errorf("manager at %s not ready after %s", target, m.cfg.ReadyTimeout)
		m.fail(session, target, cause)
		return false, target, cause.Error()
	}
	return true, target, "waiting for manager interface"
}

func (m *Manager) record(session string, phase Phase, target, issue string) (bool, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(session)
	if target != "" {
		st.ManagerTarget = target
	}
	if phase == PhaseHealthy {
		if st.Phase != PhaseHealthy {
			m.logger().Info("[Recovery] manager healthy", "session", session, "target", target, "previous", st.Phase)
		}
		st.Phase, st.Issue, st.IssueSince = PhaseHealthy, "", time.Time{}
		st.Attempts, st.Exhausted, st.notifiedExhausted = 0, false, false
		return true, target, ""
	}
	if st.Phase != PhaseRecovering && (st.IssueSince.IsZero() || st.Phase == PhaseHealthy || st.Phase == PhaseGracePeriod) {
		st.IssueSince = m.now()
	}
	if st.Phase != PhaseRecovering {
		st.Phase = phase
	}
	st.Issue = issue
	if phase == PhaseMissing {
		return false, "", issue
	}
	return false, target, issue
}

// delayBefore returns the wait required before attempt number n (0-based).
func (m *Manager) delayBefore(n int) time.Duration {
	if n >= len(m.cfg.Delays) {
		n = len(m.cfg.Delays) - 1
	}
	return m.cfg.Delays[n]
}

// ShouldAttemptRecovery reports whether a recovery attempt may start now.
// An exhausted session waits out the cooldown; the exhaustion notice is
// queued exactly once per round.
func (m *Manager) ShouldAttemptRecovery(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(session)
	now := m.now()

	switch st.Phase {
	case PhaseHealthy, PhaseRecovering:
		return false
	case PhaseGracePeriod:
		if now.Before(st.GraceUntil) {
			return false
		}
	case PhaseMissing:
		if !st.SeenManager && !m.cfg.SpawnMissing {
			return false
		}
	}

	if st.Exhausted || st.Attempts >= m.cfg.MaxAttempts {
		if now.Sub(st.LastAttempt) < m.cfg.Cooldown {
			m.notifyExhaustedLocked(st)
			return false
		}
		m.logger().Info("[Recovery] cooldown elapsed, new recovery round", "session", session)
		st.Attempts, st.Exhausted, st.notifiedExhausted = 0, false, false
	}

	ref := st.IssueSince
	if st.Attempts > 0 {
		ref = st.LastAttempt
	}
	return now.Sub(ref) >= m.delayBefore(st.Attempts)
}

func (m *Manager) notifyExhaustedLocked(st *SessionState) {
	if st.notifiedExhausted {
		return
	}
	st.notifiedExhausted = true
	m.logger().Error("[Recovery] attempts exhausted", "session", st.Session, "attempts", st.Attempts, "last_error", st.LastError)
	if m.notifier == nil {
		return
	}
	info := agent.Info{Target: st.ManagerTarget, Session: st.Session, Role: agent.RoleManager, Name: m.cfg.WindowName}
	if info.Target == "" {
		info.Target = st.Session + ":manager"
	}
	msg := fmt.Sprintf("manager recovery for %s gave up after %d attempts (last error: %s); retrying after %s",
		st.Session, st.Attempts, st.LastError, m.cfg.Cooldown)
	m.notifier.Queue(notify.NewEvent(notify.EventRecoveryExhausted, info, msg).With("attempts", fmt.Sprint(st.Attempts)))
}

// Recover restarts the manager of session in place when crashedTarget is
// set, or spawns a new manager window otherwise. It reports success; a
// failure that uses up the last attempt returns ErrRecoveryExhausted.
func (m *Manager) Recover(ctx context.Context, session, crashedTarget string) (bool, error) {
	m.mu.Lock()
	st := m.stateLocked(session)
	if st.Exhausted && m.now().Sub(st.LastAttempt) < m.cfg.Cooldown {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: session %s", ErrRecoveryExhausted, session)
	}
	st.Phase = PhaseRecovering
	st.Attempts++
	st.LastAttempt = m.now()
	attempt := st.Attempts
	m.mu.Unlock()

	log := m.logger().With("session", session, "attempt", attempt, "max", m.cfg.MaxAttempts)
	target, err := m.restart(ctx, session, crashedTarget)
	if err == nil {
		log.Info("[Recovery] manager restarted, waiting for interface", "target", target)
		err = m.waitReady(ctx, target)
	}
	if errors.Is(err, errStillStarting) {
		m.mu.Lock()
		readyBy := st.LastAttempt.Add(m.cfg.ReadyTimeout)
		st.ManagerTarget = target
		st.ReadyBy = readyBy
		st.Issue = "waiting for manager interface"
		m.mu.Unlock()
		m.detector.SetGracePeriod(target, readyBy)
		log.Info("[Recovery] manager not ready yet, checking on later cycles", "target", target, "ready_by", readyBy)
		return false, nil
	}
	if err != nil {
		return false, m.fail(session, crashedTarget, err)
	}
	m.succeed(ctx, session, target)
	return true, nil
}

// succeed briefs the ready manager and starts its grace period.
func (m *Manager) succeed(ctx context.Context, session, target string) {
	if m.cfg.Briefing != "" {
		if err := m.mux.SendKeys(ctx, target, m.cfg.Briefing, true); err != nil {
			m.logger().Warn("[Recovery] briefing failed", "session", session, "target", target, "error", err)
		}
	}

	until := m.now().Add(m.cfg.GracePeriod)
	m.mu.Lock()
	st := m.stateLocked(session)
	st.Phase = PhaseGracePeriod
	st.ReadyBy = time.Time{}
	st.ManagerTarget = target
	st.GraceUntil = until
	st.Attempts = 0
	st.Issue, st.LastError = "", ""
	st.IssueSince = time.Time{}
	st.Recoveries++
	st.SeenManager = true
	m.mu.Unlock()

	if m.detector != nil && m.cfg.GracePeriod > 0 {
		m.detector.SetGracePeriod(target, until)
	}
	if m.tracker != nil {
		m.tracker.MarkRecovered(target)
	}
	if m.Metrics != nil {
		m.Metrics.Inc(metrics.Recoveries, metrics.Labels{"result": "success"})
	}
	if m.notifier != nil {
		info := agent.Info{Target: target, Session: session, Role: agent.RoleManager, Name: m.cfg.WindowName}
		m.notifier.Queue(notify.NewEvent(notify.EventManagerRecovered, info,
			fmt.Sprintf("manager of %s recovered at %s; grace period until %s", session, target, until.Format(time.Kitchen))))
	}
	m.logger().Info("[Recovery] manager recovered", "session", session, "target", target, "grace_until", until)
}

func (m *Manager) restart(ctx context.Context, session, crashedTarget string) (string, error) {
	if crashedTarget == "" {
		target, err := m.mux.NewWindow(ctx, session, m.cfg.WindowName, m.cfg.Dir, m.cfg.Command)
		if err != nil {
			return "", fmt.Errorf("spawn manager: %w", err)
		}
		return target, nil
	}
	// Interrupt whatever is left before replacing the process.
	_ = m.mux.SendKey(ctx, crashedTarget, "C-c")
	if err := m.mux.RespawnWindow(ctx, crashedTarget, m.cfg.Command); err != nil {
		return "", fmt.Errorf("respawn manager: %w", err)
	}
	return crashedTarget, nil
}

// waitReady polls target until the agent interface appears. It returns
// errStillStarting when ctx ends first.
func (m *Manager) waitReady(ctx context.Context, target string) error {
	polls := int(m.cfg.ReadyTimeout / m.cfg.ReadyPoll)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		content, err := m.mux.CapturePane(ctx, target, m.cfg.CaptureLines)
		if err == nil && agent.InterfaceMarkers.Matches(util.StripANSI(content)) {
			return nil
		}
		if errors.Is(err, tmux.ErrNotFound) {
			return fmt.Errorf("wait for manager: %w", err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errStillStarting, ctx.Err())
		}
		if i == polls-1 {
			break
		}
		timer := time.NewTimer(m.cfg.ReadyPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", errStillStarting, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("manager at %s not ready after %s", target, m.cfg.ReadyTimeout)
}

func (m *Manager) fail(session, crashedTarget string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(session)
	st.LastError = cause.Error()
	st.ReadyBy = time.Time{}
	st.Phase = PhaseCrashed
	if crashedTarget == "" {
		st.Phase = PhaseMissing
	}
	if m.Metrics != nil {
		m.Metrics.Inc(metrics.Recoveries, metrics.Labels{"result": "failure"})
	}
	m.logger().Warn("[Recovery] attempt failed", "session", session, "attempt", st.Attempts, "error", cause)
	if st.Attempts < m.cfg.MaxAttempts {
		return cause
	}
	st.Exhausted = true
	st.ExhaustedAt = m.now()
	m.notifyExhaustedLocked(st)
	return fmt.Errorf("%w: %v", ErrRecoveryExhausted, cause)
}
