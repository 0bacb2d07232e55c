package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux/tmuxtest"
)

type delivery struct {
	target, text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []delivery
	fail map[string]error
}

func (r *recordingSender) Send(_ context.Context, target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[target]; err != nil {
		return err
	}
	r.sent = append(r.sent, delivery{target, text})
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func managers(session string) (string, bool) {
	switch session {
	case "alpha":
		return "alpha:0", true
	case "beta":
		return "beta:0", true
	}
	return "", false
}

func newTestManager(cfg Config, s Sender) (*Manager, *clock) {
	m := New(cfg, s, managers)
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m.now = c.now
	return m, c
}

var worker = agent.Info{Target: "alpha:2", Session: "alpha", Name: "dev", Role: agent.RoleDeveloper}

func TestCooldownDeliversOncePerWindow(t *testing.T) {
	s := &recordingSender{}
	m, c := newTestManager(DefaultConfig(), s)
	ctx := context.Background()

	if !m.Queue(NewCrashEvent(worker, "Killed")) {
		t.Fatal("first crash not queued")
	}
	if m.Queue(NewCrashEvent(worker, "Killed")) {
		t.Error("duplicate pending crash queued")
	}
	if got := m.Flush(ctx); got != 1 {
		t.Fatalf("Flush = %d, want 1", got)
	}

	c.advance(time.Minute)
	if m.Queue(NewCrashEvent(worker, "Killed")) {
		t.Error("crash inside cooldown queued")
	}
	if got := m.Flush(ctx); got != 0 {
		t.Errorf("Flush inside cooldown = %d, want 0", got)
	}

	c.advance(DefaultCrashCooldown)
	if !m.Queue(NewCrashEvent(worker, "Killed")) {
		t.Fatal("crash after cooldown not queued")
	}
	if got := m.Flush(ctx); got != 1 {
		t.Errorf("Flush after cooldown = %d, want 1", got)
	}
	if len(s.sent) != 2 {
		t.Errorf("deliveries = %d, want 2", len(s.sent))
	}
}

func TestCooldownIsPerTypeAndTarget(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), &recordingSender{})
	other := worker
	other.Target = "alpha:3"
	if !m.Queue(NewCrashEvent(worker, "x")) || !m.Queue(NewIdleEvent(worker, 0)) || !m.Queue(NewCrashEvent(other, "x")) {
		t.Fatal("distinct (target, type) pairs should all queue")
	}
	if m.Pending() != 3 {
		t.Errorf("Pending = %d, want 3", m.Pending())
	}
}

func TestBatchesPerDestination(t *testing.T) {
	s := &recordingSender{}
	m, _ := newTestManager(DefaultConfig(), s)
	m.Queue(NewCrashEvent(worker, "Killed"))
	m.Queue(NewIdleEvent(agent.Info{Target: "alpha:3", Session: "alpha", Name: "qa", Role: agent.RoleQA}, time.Minute))
	m.Queue(NewIdleEvent(agent.Info{Target: "beta:1", Session: "beta", Name: "dev"}, 0))

	if got := m.Flush(context.Background()); got != 2 {
		t.Fatalf("Flush = %d, want 2", got)
	}
	if s.sent[0].target != "alpha:0" || s.sent[1].target != "beta:0" {
		t.Errorf("destinations = %+v", s.sent)
	}
	if !strings.Contains(s.sent[0].text, "2 updates") || !strings.Contains(s.sent[0].text, "CRASH") {
		t.Errorf("alpha batch = %q", s.sent[0].text)
	}
}

func TestFailedDestinationDoesNotBlockOthers(t *testing.T) {
	s := &recordingSender{fail: map[string]error{"alpha:0": errors.New("pane gone")}}
	m, _ := newTestManager(DefaultConfig(), s)
	m.Queue(NewCrashEvent(worker, "Killed"))
	m.Queue(NewCrashEvent(agent.Info{Target: "beta:1", Session: "beta"}, "Killed"))

	if got := m.Flush(context.Background()); got != 1 {
		t.Fatalf("Flush = %d, want 1", got)
	}
	if st := m.Stats(); st.Failed != 1 || st.Batches != 1 {
		t.Errorf("stats = %+v", st)
	}
	// No cooldown was started for the failed delivery.
	if !m.Queue(NewCrashEvent(worker, "Killed")) {
		t.Error("event for failed destination should be queueable again")
	}
}

func TestManagerSelfNotificationSuppressed(t *testing.T) {
	pm := agent.Info{Target: "alpha:0", Session: "alpha", Name: "pm", Role: agent.RoleManager}

	t.Run("no operator", func(t *testing.T) {
		m, _ := newTestManager(DefaultConfig(), &recordingSender{})
		if m.Queue(NewIdleEvent(pm, 0)) {
			t.Error("manager idle queued without an operator target")
		}
		if m.Stats().Suppressed != 1 {
			t.Errorf("suppressed = %d", m.Stats().Suppressed)
		}
	})

	t.Run("operator routed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.OperatorTarget = "ops:0"
		s := &recordingSender{}
		m, _ := newTestManager(cfg, s)
		if !m.Queue(NewIdleEvent(pm, 0)) {
			t.Fatal("manager idle not queued")
		}
		m.Flush(context.Background())
		if len(s.sent) != 1 || s.sent[0].target != "ops:0" {
			t.Errorf("sent = %+v", s.sent)
		}
	})
}

func TestNoDestinationIsMirroredNotSent(t *testing.T) {
	s := &recordingSender{}
	sink := &LogSink{Path: t.TempDir() + "/n.log"}
	m := New(DefaultConfig(), s, managers, sink)
	m.Queue(NewCrashEvent(agent.Info{Target: "gamma:1", Session: "gamma"}, "Killed"))
	if got := m.Flush(context.Background()); got != 0 {
		t.Errorf("Flush = %d, want 0", got)
	}
	if m.Stats().Undelivered != 1 || len(s.sent) != 0 {
		t.Errorf("stats = %+v sent = %d", m.Stats(), len(s.sent))
	}
}

func TestDisabledManagerQueuesNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m, _ := newTestManager(cfg, &recordingSender{})
	if m.Queue(NewCrashEvent(worker, "x")) {
		t.Error("disabled manager queued an event")
	}
}

func TestRenderWrapsAndTruncates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width = 40
	cfg.MaxMessage = 60
	m, _ := newTestManager(cfg, &recordingSender{})
	e := NewEvent(EventError, worker, strings.Repeat("word ", 40))
	out := m.Render([]Event{e})
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 40 {
			t.Errorf("line longer than width: %q", line)
		}
	}
	if !strings.Contains(out, "...") {
		t.Errorf("long message not truncated: %q", out)
	}
}

func TestMuxSenderFlattens(t *testing.T) {
	fake := tmuxtest.New()
	target := fake.AddWindow("alpha", 0, &tmuxtest.Pane{Name: "pm"})
	if err := (MuxSender{Mux: fake}).Send(context.Background(), target, "a\nb"); err != nil {
		t.Fatal(err)
	}
	sent := fake.SentTo(target)
	if len(sent) != 1 || strings.Contains(sent[0].Text, "\n") || !sent[0].Enter {
		t.Errorf("sent = %+v", sent)
	}
}

func TestPersistentManagerEventsReachSinks(t *testing.T) {
	path := t.TempDir() + "/n.log"
	m := New(DefaultConfig(), &recordingSender{}, managers, &LogSink{Path: path})
	pm := agent.Info{Target: "alpha:0", Session: "alpha", Name: "pm", Role: agent.RoleManager}
	if !m.Queue(NewEvent(EventRecoveryExhausted, pm, "recovery gave up")) {
		t.Fatal("persistent event suppressed")
	}
	m.Flush(context.Background())
	if st := m.Stats(); st.Undelivered != 1 {
		t.Errorf("stats = %+v", st)
	}
}

type countingSink struct {
	mu     sync.Mutex
	events []EventType
}

func (s *countingSink) Name() string { return "count" }

func (s *countingSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Type)
	return nil
}

func TestNoDestinationMirrorHonorsCooldown(t *testing.T) {
	sink := &countingSink{}
	m := New(DefaultConfig(), &recordingSender{}, managers, sink)
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m.now = c.now
	orphan := agent.Info{Target: "gamma:1", Session: "gamma", Name: "dev"}
	ctx := context.Background()

	for cycle := 0; cycle < 3; cycle++ {
		m.Queue(NewCrashEvent(orphan, "Killed"))
		m.Queue(NewIdleEvent(orphan, time.Minute))
		m.Flush(ctx)
		c.advance(30 * time.Second)
	}
	if len(sink.events) != 2 {
		t.Fatalf("sink received %v, want one crash and one idle", sink.events)
	}

	c.advance(DefaultCrashCooldown)
	if !m.Queue(NewCrashEvent(orphan, "Killed")) {
		t.Fatal("crash after cooldown not queued")
	}
	m.Flush(ctx)
	if len(sink.events) != 3 || sink.events[2] != EventCrash {
		t.Errorf("sink received %v after cooldown", sink.events)
	}
}
