package tmux

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fakeExec(fn func(args []string) (string, string, error)) func(context.Context, ...string) (string, string, error) {
	return func(_ context.Context, args ...string) (string, string, error) {
		return fn(args)
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	var calls int32
	c := NewClient("", time.Second, 2)
	c.exec = fakeExec(func(args []string) (string, string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", "server busy", errors.New("exit status 1")
		}
		return "ok\n", "", nil
	})

	out, err := c.Run(context.Background(), "list-sessions")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "ok" {
		t.Errorf("Run() = %q, want %q", out, "ok")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	c := NewClient("", time.Second, 3)
	c.exec = fakeExec(func(args []string) (string, string, error) {
		atomic.AddInt32(&calls, 1)
		return "", "can't find window: 7", errors.New("exit status 1")
	})

	_, err := c.Run(context.Background(), "capture-pane", "-t", "s:7")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Run() error = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCapturePaneTimeout(t *testing.T) {
	c := NewClient("", 20*time.Millisecond, 0)
	c.exec = func(ctx context.Context, args ...string) (string, string, error) {
		<-ctx.Done()
		return "", "", ctx.Err()
	}

	_, err := c.CapturePane(context.Background(), "s:1", 50)
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("CapturePane() error = %v, want ErrCaptureTimeout", err)
	}
}

func TestSocketFlag(t *testing.T) {
	var got []string
	c := NewClient("agents", time.Second, 0)
	c.exec = fakeExec(func(args []string) (string, string, error) {
		got = args
		return "", "", nil
	})
	if err := c.SendKey(context.Background(), "s:1", "Enter"); err != nil {
		t.Fatal(err)
	}
	want := "-L agents send-keys -t s:1 Enter"
	if strings.Join(got, " ") != want {
		t.Errorf("args = %q, want %q", strings.Join(got, " "), want)
	}
}

func TestListSessionsNoServer(t *testing.T) {
	c := NewClient("", time.Second, 0)
	c.exec = fakeExec(func(args []string) (string, string, error) {
		return "", "no server running on /tmp/tmux-0/default", errors.New("exit status 1")
	})
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d, want 0", len(sessions))
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() with no server = %v, want nil", err)
	}
}

func TestParseWindows(t *testing.T) {
	out := "0|#|Orchestrator|#|1|#|claude|#|1700000000\n" +
		"1|#|Claude-Backend|#|0|#|zsh|#|1700000100\n" +
		"bad line\n"
	windows := parseWindows("proj", out)
	if len(windows) != 2 {
		t.Fatalf("len(windows) = %d, want 2", len(windows))
	}
	w := windows[1]
	if w.Target() != "proj:1" || w.Name != "Claude-Backend" || w.Command != "zsh" || w.Active {
		t.Errorf("window = %+v", w)
	}
	if w.Activity.Unix() != 1700000100 {
		t.Errorf("Activity = %v", w.Activity)
	}
}

func TestParseSessions(t *testing.T) {
	sessions := parseSessions("proj|#|3|#|1|#|1700000000\nother|#|1|#|0|#|0")
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if !sessions[0].Attached || sessions[0].Windows != 3 {
		t.Errorf("sessions[0] = %+v", sessions[0])
	}
	if sessions[1].Attached || !sessions[1].Created.IsZero() {
		t.Errorf("sessions[1] = %+v", sessions[1])
	}
}
