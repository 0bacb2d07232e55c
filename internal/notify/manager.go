package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

// Default cooldowns per event type.
const (
	DefaultCrashCooldown = 5 * time.Minute
	DefaultIdleCooldown  = 10 * time.Minute
	DefaultCooldown      = 5 * time.Minute
)

// Sender delivers rendered text to a window.
type Sender interface {
	Send(ctx context.Context, target, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, target, text string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, target, text string) error {
	return f(ctx, target, text)
}

// MuxSender types a message into a window and submits it.
type MuxSender struct {
	Mux tmux.Mux
}

// Send flattens text to one line so the agent receives a single message.
func (s MuxSender) Send(ctx context.Context, target, text string) error {
	line := strings.Join(strings.Fields(strings.ReplaceAll(text, "\n", " ¶ ")), " ")
	return s.Mux.SendKeys(ctx, target, line, true)
}

// Resolver returns the manager window for a session.
type Resolver func(session string) (string, bool)

// Sink mirrors delivered events somewhere other than a window.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Config tunes the manager.
type Config struct {
	Enabled bool
	// Cooldowns overrides the cooldown for individual event types.
	Cooldowns       map[EventType]time.Duration
	DefaultCooldown time.Duration
	// OperatorTarget receives events about managers.
	OperatorTarget string
	// Width wraps rendered messages; zero disables wrapping.
	Width int
	// MaxMessage truncates each event message.
	MaxMessage int
}

// DefaultConfig returns the notification defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Cooldowns: map[EventType]time.Duration{
			EventCrash:       DefaultCrashCooldown,
			EventError:       DefaultCrashCooldown,
			EventIdle:        DefaultIdleCooldown,
			EventManagerIdle: DefaultIdleCooldown,
		},
		DefaultCooldown: DefaultCooldown,
		Width:           100,
		MaxMessage:      240,
	}
}

// Cooldown returns the cooldown for an event type.
func (c Config) Cooldown(t EventType) time.Duration {
	if d, ok := c.Cooldowns[t]; ok {
		return d
	}
	if c.DefaultCooldown > 0 {
		return c.DefaultCooldown
	}
	return DefaultCooldown
}

// Stats counts manager activity since start.
type Stats struct {
	Queued      int `json:"queued"`
	Suppressed  int `json:"suppressed"`
	Delivered   int `json:"delivered"`
	Batches     int `json:"batches"`
	Failed      int `json:"failed"`
	Undelivered int `json:"undelivered"`
	Pending     int `json:"pending"`
}

// Manager queues events and flushes them in per-destination batches.
type Manager struct {
	cfg      Config
	sender   Sender
	resolver Resolver
	sinks    []Sink

	Logger  *slog.Logger
	Metrics *metrics.Collector
	now     func() time.Time

	mu        sync.Mutex
	pending   []Event
	queuedKey map[string]bool
	delivered map[string]time.Time
	stats     Stats
}

// New creates a manager. resolver may be nil when every event goes to the
// operator target.
func New(cfg Config, sender Sender, resolver Resolver, sinks ...Sink) *Manager {
	return &Manager{
		cfg:       cfg,
		sender:    sender,
		resolver:  resolver,
		sinks:     sinks,
		now:       time.Now,
		queuedKey: make(map[string]bool),
		delivered: make(map[string]time.Time),
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// SetResolver replaces the session to manager lookup.
func (m *Manager) SetResolver(r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = r
}

// Queue accepts e unless it is a duplicate of a pending event, falls
// inside the cooldown of an earlier delivery, or would make a manager
// notify itself. It reports whether the event was queued.
func (m *Manager) Queue(e Event) bool {
	if !m.cfg.Enabled {
		return false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.key()
	switch {
	case !e.Type.Persistent() && m.destinationLocked(e) == e.Target:
		m.suppressLocked(e, "manager self-notification")
		return false
	case m.queuedKey[key]:
		m.suppressLocked(e, "already queued")
		return false
	}
	if last, ok := m.delivered[key]; ok && m.now().Sub(last) < m.cfg.Cooldown(e.Type) {
		m.suppressLocked(e, "cooldown")
		return false
	}

	m.pending = append(m.pending, e)
	m.queuedKey[key] = true
	m.stats.Queued++
	if m.Metrics != nil {
		m.Metrics.Inc(metrics.NotificationsQueued, metrics.Labels{"type": string(e.Type)})
	}
	m.logger().Debug("[Notify] queued", "type", e.Type, "target", e.Target)
	return true
}

func (m *Manager) suppressLocked(e Event, why string) {
	m.stats.Suppressed++
	m.logger().Debug("[Notify] suppressed", "type", e.Type, "target", e.Target, "reason", why)
}

// Pending returns the number of queued events.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	return s
}

// destinationLocked picks the window that should read e. Events about a
// manager go to the operator; an empty result means no window can take it.
func (m *Manager) destinationLocked(e Event) string {
	if e.aboutManager() {
		if m.cfg.OperatorTarget != "" {
			return m.cfg.OperatorTarget
		}
		if e.Type.Persistent() {
			return ""
		}
	}
	if m.resolver != nil {
		if target, ok := m.resolver(e.Session); ok && target != "" {
			return target
		}
	}
	return m.cfg.OperatorTarget
}

// Flush delivers every pending event, one batch per destination, and
// returns the number of batches delivered. A failing destination does not
// stop the others; its events are dropped without starting a cooldown.
func (m *Manager) Flush(ctx context.Context) int {
	m.mu.Lock()
	events := m.pending
	m.pending = nil
	m.queuedKey = make(map[string]bool)
	batches := make(map[string][]Event)
	var undeliverable []Event
	for _, e := range events {
		dest := m.destinationLocked(e)
		switch {
		case dest == "":
			undeliverable = append(undeliverable, e)
		case dest == e.Target && !e.Type.Persistent():
			m.suppressLocked(e, "manager self-notification")
		default:
			batches[dest] = append(batches[dest], e)
		}
	}
	m.stats.Undelivered += len(undeliverable)
	// Sinks are the only reader of these; the cooldown applies to them too.
	now := m.now()
	for _, e := range undeliverable {
		m.delivered[e.key()] = now
	}
	m.mu.Unlock()

	for _, e := range undeliverable {
		m.logger().Debug("[Notify] no destination", "type", e.Type, "target", e.Target, "session", e.Session)
		m.mirror(ctx, e)
	}

	dests := make([]string, 0, len(batches))
	for d := range batches {
		dests = append(dests, d)
	}
	sort.Strings(dests)

	sent := 0
	for _, dest := range dests {
		if ctx.Err() != nil {
			break
		}
		batch := batches[dest]
		text := m.Render(batch)
		if err := m.sender.Send(ctx, dest, text); err != nil {
			m.logger().Warn("[Notify] delivery failed", "destination", dest, "events", len(batch), "error", err)
			m.mu.Lock()
			m.stats.Failed++
			m.mu.Unlock()
			if m.Metrics != nil {
				m.Metrics.Inc(metrics.NotificationsFailed, nil)
			}
			continue
		}
		now := m.now()
		m.mu.Lock()
		for _, e := range batch {
			m.delivered[e.key()] = now
		}
		m.stats.Batches++
		m.stats.Delivered += len(batch)
		m.mu.Unlock()
		if m.Metrics != nil {
			m.Metrics.Inc(metrics.NotificationsSent, nil)
		}
		m.logger().Info("[Notify] batch delivered", "destination", dest, "events", len(batch))
		for _, e := range batch {
			m.mirror(ctx, e)
		}
		sent++
	}
	return sent
}

func (m *Manager) mirror(ctx context.Context, e Event) {
	for _, s := range m.sinks {
		if err := s.Write(ctx, e); err != nil {
			m.logger().Warn("[Notify] sink failed", "sink", s.Name(), "type", e.Type, "error", err)
		}
	}
}

// Render formats a batch as one message.
func (m *Manager) Render(batch []Event) string {
	if len(batch) == 0 {
		return ""
	}
	var b strings.Builder
	header := "[agentwatch] 1 update"
	if len(batch) > 1 {
		header = fmt.Sprintf("[agentwatch] %d updates", len(batch))
	}
	if s := batch[0].Session; s != "" {
		header += " for " + s
	}
	b.WriteString(header)
	b.WriteString(":")
	for _, e := range batch {
		msg := e.Message
		if m.cfg.MaxMessage > 0 {
			msg = truncate.StringWithTail(msg, uint(m.cfg.MaxMessage), "...")
		}
		line := fmt.Sprintf("- %s: %s", strings.ToUpper(string(e.Type)), msg)
		if m.cfg.Width > 0 {
			line = wordwrap.String(line, m.cfg.Width)
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// Forget clears cooldown and queue state for a target that left tracking.
func (m *Manager) Forget(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := target + "|"
	for k := range m.delivered {
		if strings.HasPrefix(k, prefix) {
			delete(m.delivered, k)
		}
	}
}
