// Package tmux wraps the tmux command line with timeouts and retries and
// exposes the narrow surface the monitor needs as the Mux interface.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a session or window no longer exists.
	ErrNotFound = errors.New("tmux target not found")
	// ErrTimeout is returned when a tmux command exceeds its deadline.
	ErrTimeout = errors.New("tmux command timed out")
	// ErrCaptureTimeout is returned by CapturePane when the capture times out.
	ErrCaptureTimeout = errors.New("tmux capture timed out")
	// ErrNoServer is returned when no tmux server is running.
	ErrNoServer = errors.New("no tmux server running")
)

// Default bounds applied when a Client leaves them unset.
const (
	DefaultTimeout = 2 * time.Second
	DefaultRetries = 1
	retryBackoff   = 100 * time.Millisecond
)

// Mux is the multiplexer surface used by the monitor. Every call is bounded
// by the context and by the implementation's own timeout.
type Mux interface {
	ListSessions(ctx context.Context) ([]Session, error)
	ListWindows(ctx context.Context, session string) ([]Window, error)
	CapturePane(ctx context.Context, target string, lines int) (string, error)
	SendKeys(ctx context.Context, target, text string, enter bool) error
	SendKey(ctx context.Context, target, key string) error
	NewWindow(ctx context.Context, session, name, dir, command string) (string, error)
	RespawnWindow(ctx context.Context, target, command string) error
	Ping(ctx context.Context) error
}

// Client handles tmux operations against the local server.
type Client struct {
	Socket  string // -L socket name, empty for the default server
	Timeout time.Duration
	Retries int
	Logger  *slog.Logger

	// exec runs one tmux invocation; replaced in tests.
	exec func(ctx context.Context, args ...string) (string, string, error)
}

// NewClient creates a client for the given socket name.
func NewClient(socket string, timeout time.Duration, retries int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Client{Socket: socket, Timeout: timeout, Retries: retries}
}

// DefaultClient is the default local client.
var DefaultClient = NewClient("", DefaultTimeout, DefaultRetries)

var _ Mux = (*Client)(nil)

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// IsInstalled checks if tmux is available.
func IsInstalled() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// Run executes a tmux command, retrying transient failures.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
			c.logger().Debug("[tmux] retry", "args", strings.Join(args, " "), "attempt", attempt, "error", lastErr)
		}
		out, err := c.runOnce(ctx, args...)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// RunSilent executes a tmux command ignoring output.
func (c *Client) RunSilent(ctx context.Context, args ...string) error {
	_, err := c.Run(ctx, args...)
	return err
}

func (c *Client) runOnce(ctx context.Context, args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Socket != "" {
		args = append([]string{"-L", c.Socket}, args...)
	}
	run := c.exec
	if run == nil {
		run = runLocal
	}
	stdout, stderr, err := run(cctx, args...)
	if err == nil {
		return strings.TrimRight(stdout, "\n"), nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("tmux %s: %w after %s", strings.Join(args, " "), ErrTimeout, timeout)
	}
	return "", classify(args, err, stderr)
}

// runLocal executes a tmux command locally.
func runLocal(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

var notFoundMarkers = []string{
	"can't find session",
	"can't find window",
	"can't find pane",
	"session not found",
	"window not found",
	"no such session",
	"no such window",
}

var noServerMarkers = []string{
	"no server running",
	"error connecting to",
	"no sessions",
}

func classify(args []string, err error, stderr string) error {
	msg := strings.ToLower(stderr)
	cmd := strings.Join(args, " ")
	for _, m := range notFoundMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("tmux %s: %w: %s", cmd, ErrNotFound, strings.TrimSpace(stderr))
		}
	}
	for _, m := range noServerMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("tmux %s: %w", cmd, ErrNoServer)
		}
	}
	return fmt.Errorf("tmux %s: %w: %s", cmd, err, strings.TrimSpace(stderr))
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoServer)
}
