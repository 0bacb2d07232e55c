package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/cache"
	"github.com/Dicklesworthstone/agentwatch/internal/config"
	"github.com/Dicklesworthstone/agentwatch/internal/logging"
	"github.com/Dicklesworthstone/agentwatch/internal/metrics"
	"github.com/Dicklesworthstone/agentwatch/internal/monitor"
	"github.com/Dicklesworthstone/agentwatch/internal/notify"
	"github.com/Dicklesworthstone/agentwatch/internal/pool"
	"github.com/Dicklesworthstone/agentwatch/internal/ratelimit"
	"github.com/Dicklesworthstone/agentwatch/internal/recovery"
	"github.com/Dicklesworthstone/agentwatch/internal/state"
	"github.com/Dicklesworthstone/agentwatch/internal/status"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux/tmuxtest"
)

const idleUI = "⏺ Done, the handler is updated.\n\n╭──────────────────────╮\n│ >                    │\n╰──────────────────────╯\n  ? for shortcuts"

var busyFrames = []string{
	"⏺ Reading internal/api/handler.go",
	"⏺ Editing the request validation block",
	"⏺ Running go test ./internal/api/...",
	"⏺ All twelve tests passed, moving on",
}

const crashedPane = "running worker\nSegmentation fault (core dumped)\nuser@host:~/proj$ "

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Name() string { return "record" }

func (s *recordingSink) Write(_ context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) types() []notify.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func newComponents(t *testing.T, fake *tmuxtest.Fake, ncfg notify.Config) (*Components, *recordingSink) {
	t.Helper()
	cfg := config.Default()
	cfg.Monitor.SnapshotIntervalMs = 1

	opts := monitor.DefaultOptions()
	opts.SnapshotInterval = time.Millisecond
	det := status.NewDetector(status.DefaultConfig())
	tracker := state.NewTracker(state.DefaultConfig())
	sink := &recordingSink{}
	col := metrics.New(time.Hour)
	n := notify.New(ncfg, notify.MuxSender{Mux: fake}, nil, sink)
	n.Metrics = col

	c := &Components{
		Mux:        fake,
		Monitor:    monitor.New(fake, fake, opts),
		Tracker:    tracker,
		Detector:   det,
		Classifier: status.NewClassifier(det),
		Notifier:   n,
		Recovery:   recovery.New(recovery.DefaultConfig(), fake, det, tracker, n),
		Metrics:    col,
		Config:     cfg,
		Logger:     logging.Discard(),
	}
	return c, sink
}

func threeAgents() *tmuxtest.Fake {
	fake := tmuxtest.New()
	fake.AddWindow("proj", 1, &tmuxtest.Pane{Name: "dev-1", Frames: busyFrames})
	fake.AddWindow("proj", 2, &tmuxtest.Pane{Name: "dev-2", Frames: []string{idleUI}})
	fake.AddWindow("proj", 3, &tmuxtest.Pane{Name: "dev-3", Frames: []string{crashedPane}, Activity: time.Now().Add(-time.Minute)})
	return fake
}

func TestThreeAgentCycleEveryStrategy(t *testing.T) {
	for _, name := range []string{"sequential", "concurrent", "cached", "priority"} {
		t.Run(name, func(t *testing.T) {
			fake := threeAgents()
			c, sink := newComponents(t, fake, notify.DefaultConfig())
			if name == "cached" {
				p, err := pool.New(context.Background(), pool.Config{Size: 2}, func(context.Context) (tmux.Mux, error) { return fake, nil })
				if err != nil {
					t.Fatal(err)
				}
				defer p.Close()
				c.Pool = p
				c.Cache = cache.New(cache.DefaultConfig())
			}

			s, err := NewRegistry().Resolve(name, c)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			st, err := s.Execute(context.Background(), c)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			if st.Strategy != name || st.CycleID == "" {
				t.Errorf("status identity = %q/%q", st.Strategy, st.CycleID)
			}
			if st.AgentsMonitored != 3 || st.AgentsHealthy != 1 || st.AgentsIdle != 1 || st.AgentsCrashed != 1 {
				t.Errorf("counts = monitored %d healthy %d idle %d crashed %d, want 3/1/1/1 (rows %+v)",
					st.AgentsMonitored, st.AgentsHealthy, st.AgentsIdle, st.AgentsCrashed, st.Agents)
			}
			if st.NotificationsQueued != 2 {
				t.Errorf("NotificationsQueued = %d, want 2", st.NotificationsQueued)
			}
			if st.ErrorsDetected != 0 || st.AgentsDeferred != 0 {
				t.Errorf("errors %d deferred %d: %v", st.ErrorsDetected, st.AgentsDeferred, st.Errors)
			}
			got := sink.types()
			if len(got) != 2 {
				t.Fatalf("mirrored events = %v, want idle and crash", got)
			}
			if c.Metrics.Counter(metrics.Cycles, metrics.Labels{"strategy": name}) != 1 {
				t.Error("cycle counter not incremented")
			}
			if c.Metrics.Gauge(metrics.Agents, metrics.Labels{"state": string(agent.StateCrashed)}) != 1 {
				t.Error("crashed gauge not set")
			}
		})
	}
}

func TestCooldownAcrossCycles(t *testing.T) {
	fake := threeAgents()
	fake.AddWindow("ops", 0, &tmuxtest.Pane{Name: "console", Command: "zsh"})
	ncfg := notify.DefaultConfig()
	ncfg.OperatorTarget = "ops:0"
	c, _ := newComponents(t, fake, ncfg)
	s, err := NewRegistry().Resolve("sequential", c)
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.Execute(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if first.NotificationsQueued != 2 || first.BatchesSent != 1 {
		t.Fatalf("first cycle queued %d batches %d, want 2/1", first.NotificationsQueued, first.BatchesSent)
	}

	fake.SetFrames("proj:1", busyFrames...)
	second, err := s.Execute(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if second.NotificationsQueued != 0 || second.BatchesSent != 0 {
		t.Errorf("second cycle queued %d batches %d, want nothing inside cooldown", second.NotificationsQueued, second.BatchesSent)
	}
	if second.Cycle != first.Cycle+1 {
		t.Errorf("cycle numbers %d then %d", first.Cycle, second.Cycle)
	}
	if sent := fake.SentTo("ops:0"); len(sent) != 1 || !strings.Contains(sent[0].Text, "CRASH") {
		t.Errorf("operator messages = %+v", sent)
	}
}

func TestAutoSubmitThenStuckInput(t *testing.T) {
	fake := tmuxtest.New()
	queued := "⏺ Done.\n╭──────────────────────╮\n│ > fix the login bug  │\n╰──────────────────────╯\n  ? for shortcuts"
	fake.AddWindow("proj", 1, &tmuxtest.Pane{Name: "dev-1", Frames: []string{queued}})
	c, sink := newComponents(t, fake, notify.DefaultConfig())
	c.Config.Submission.CooldownSeconds = 0
	s, _ := NewRegistry().New("sequential")

	for i := 0; i < 4; i++ {
		if _, err := s.Execute(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	enters := 0
	for _, k := range fake.SentTo("proj:1") {
		if k.Key == "Enter" {
			enters++
		}
	}
	if enters != 3 {
		t.Errorf("Enter sent %d times, want 3", enters)
	}
	found := false
	for _, typ := range sink.types() {
		if typ == notify.EventStuckInput {
			found = true
		}
	}
	if !found {
		t.Errorf("stuck-input not raised: %v", sink.types())
	}
}

func TestCycleDeadlineDefersAgents(t *testing.T) {
	fake := tmuxtest.New()
	fake.AddWindow("proj", 1, &tmuxtest.Pane{Name: "dev-1", Frames: []string{idleUI}, Delay: 3 * time.Second})
	fake.AddWindow("proj", 2, &tmuxtest.Pane{Name: "dev-2", Frames: []string{idleUI}})
	fake.AddWindow("proj", 3, &tmuxtest.Pane{Name: "dev-3", Frames: []string{idleUI}})
	c, _ := newComponents(t, fake, notify.DefaultConfig())
	c.Config.Monitor.MaxCycleSeconds = 1

	s, _ := NewRegistry().New("sequential")
	st, err := s.Execute(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if st.AgentsMonitored != 3 || st.ErrorsDetected != 1 || st.AgentsDeferred != 2 {
		t.Errorf("monitored %d errors %d deferred %d, want 3/1/2", st.AgentsMonitored, st.ErrorsDetected, st.AgentsDeferred)
	}
	if !strings.Contains(strings.Join(st.Errors, ";"), "timed out") {
		t.Errorf("errors = %v", st.Errors)
	}
	deferred := 0
	for _, row := range st.Agents {
		if row.Deferred {
			deferred++
		}
	}
	if deferred != 2 {
		t.Errorf("deferred rows = %d", deferred)
	}
}

func TestPanicStaysInsideAgent(t *testing.T) {
	fake := threeAgents()
	c, _ := newComponents(t, fake, notify.DefaultConfig())
	c.Classifier = &status.Classifier{}

	s, _ := NewRegistry().New("concurrent")
	st, err := s.Execute(context.Background(), c)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if st.ErrorsDetected != 3 {
		t.Errorf("ErrorsDetected = %d, want 3", st.ErrorsDetected)
	}
	for _, e := range st.Errors {
		if !strings.Contains(e, "panic") {
			t.Errorf("error %q does not mention the panic", e)
		}
	}
}

func TestRateLimitDetected(t *testing.T) {
	limited := idleUI + "\nClaude usage limit reached. Your limit will reset at 4am."
	broken := idleUI + "\nClaude usage limit reached. Your limit will reset at 13pm."
	fake := tmuxtest.New()
	fake.AddWindow("proj", 1, &tmuxtest.Pane{Name: "dev-1", Frames: []string{limited}})
	fake.AddWindow("proj", 2, &tmuxtest.Pane{Name: "dev-2", Frames: []string{broken}})
	c, _ := newComponents(t, fake, notify.DefaultConfig())

	s, _ := NewRegistry().New("sequential")
	st, err := s.Execute(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if st.RateLimit == nil || st.RateLimit.Target != "proj:1" || st.RateLimit.Sleep <= 0 {
		t.Fatalf("RateLimit = %+v", st.RateLimit)
	}
	if got, _ := c.Tracker.Get("proj:2"); got.State != agent.StateError {
		t.Errorf("unparseable reset left state %s, want ERROR", got.State)
	}
}

func TestRateLimitNotRepeatedAfterResume(t *testing.T) {
	limited := idleUI + "\nClaude usage limit reached. Your limit will reset at 4am."
	fake := tmuxtest.New()
	target := fake.AddWindow("proj", 1, &tmuxtest.Pane{Name: "dev-1", Frames: []string{limited}})
	c, _ := newComponents(t, fake, notify.DefaultConfig())
	c.RateLimit = ratelimit.NewTracker("")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Clock = func() time.Time { return now }
	s, _ := NewRegistry().New("sequential")
	ctx := context.Background()

	st, err := s.Execute(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if st.RateLimit == nil || st.RateLimit.Sleep != 4*time.Hour+2*time.Minute {
		t.Fatalf("first cycle RateLimit = %+v", st.RateLimit)
	}
	c.RateLimit.Begin(*st.RateLimit)
	now = st.RateLimit.ResumeAt().Add(time.Second)
	c.RateLimit.Complete(now)

	st, err = s.Execute(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if st.RateLimit != nil {
		t.Fatalf("stale limit paused again until %v", st.RateLimit.ResetAt)
	}

	fake.SetFrames(target, "⏺ Retrying the build.\n"+limited)
	now = now.Add(time.Minute)
	st, err = s.Execute(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if st.RateLimit == nil {
		t.Fatal("limit shown after new output did not pause")
	}
}

func TestDiscoveryFailure(t *testing.T) {
	c, _ := newComponents(t, tmuxtest.New(), notify.DefaultConfig())
	c.Monitor = monitor.New(failingMux{tmuxtest.New()}, nil, monitor.DefaultOptions())
	s, _ := NewRegistry().New("sequential")
	st, err := s.Execute(context.Background(), c)
	if err == nil || !errors.Is(err, tmux.ErrNoServer) {
		t.Fatalf("Execute() error = %v, want ErrNoServer", err)
	}
	if st.ErrorsDetected != 1 {
		t.Errorf("ErrorsDetected = %d", st.ErrorsDetected)
	}
}

type failingMux struct{ *tmuxtest.Fake }

func (failingMux) ListSessions(context.Context) ([]tmux.Session, error) {
	return nil, tmux.ErrNoServer
}

func TestMissingComponents(t *testing.T) {
	c := &Components{}
	if _, err := NewRegistry().Resolve("cached", c); !errors.Is(err, ErrMissingComponents) {
		t.Fatalf("Resolve() error = %v", err)
	}
	got := c.Missing([]Component{CompPool, CompCache, CompPool})
	if len(got) != 2 || got[0] != CompCache || got[1] != CompPool {
		t.Errorf("Missing() = %v", got)
	}
}
