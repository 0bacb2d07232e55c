package tmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session represents a tmux session.
type Session struct {
	Name     string    `json:"name"`
	Windows  int       `json:"windows"`
	Attached bool      `json:"attached"`
	Created  time.Time `json:"created"`
}

// Window represents a tmux window and its active pane.
type Window struct {
	Session  string    `json:"session"`
	Index    int       `json:"index"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	Command  string    `json:"command"`
	Activity time.Time `json:"activity"`
}

// Target returns the "session:index" address of the window.
func (w Window) Target() string {
	return fmt.Sprintf("%s:%d", w.Session, w.Index)
}

const sep = "|#|"

// ListSessions returns all tmux sessions. No server means no sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	format := strings.Join([]string{"#{session_name}", "#{session_windows}", "#{session_attached}", "#{session_created}"}, sep)
	output, err := c.Run(ctx, "list-sessions", "-F", format)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessions(output), nil
}

func parseSessions(output string) []Session {
	var sessions []Session
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, sep)
		if len(parts) < 4 || parts[0] == "" {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		sessions = append(sessions, Session{
			Name:     parts[0],
			Windows:  windows,
			Attached: parts[2] != "0" && parts[2] != "",
			Created:  parseUnix(parts[3]),
		})
	}
	return sessions
}

// ListWindows returns the windows of a session.
func (c *Client) ListWindows(ctx context.Context, session string) ([]Window, error) {
	format := strings.Join([]string{"#{window_index}", "#{window_name}", "#{window_active}", "#{pane_current_command}", "#{window_activity}"}, sep)
	output, err := c.Run(ctx, "list-windows", "-t", session, "-F", format)
	if err != nil {
		return nil, err
	}
	return parseWindows(session, output), nil
}

func parseWindows(session, output string) []Window {
	var windows []Window
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, sep)
		if len(parts) < 5 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		windows = append(windows, Window{
			Session:  session,
			Index:    idx,
			Name:     parts[1],
			Active:   parts[2] == "1",
			Command:  parts[3],
			Activity: parseUnix(parts[4]),
		})
	}
	return windows
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// CapturePane captures the last lines of a pane.
func (c *Client) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	out, err := c.Run(ctx, "capture-pane", "-t", target, "-p", "-J", "-S", fmt.Sprintf("-%d", lines))
	if errors.Is(err, ErrTimeout) {
		return "", fmt.Errorf("%w: %s", ErrCaptureTimeout, target)
	}
	return out, err
}

// SendKeys types text literally into a pane, optionally followed by Enter.
func (c *Client) SendKeys(ctx context.Context, target, text string, enter bool) error {
	if text != "" {
		if err := c.RunSilent(ctx, "send-keys", "-t", target, "-l", "--", text); err != nil {
			return err
		}
	}
	if enter {
		return c.RunSilent(ctx, "send-keys", "-t", target, "C-m")
	}
	return nil
}

// SendKey sends one named key such as "Enter" or "C-c".
func (c *Client) SendKey(ctx context.Context, target, key string) error {
	return c.RunSilent(ctx, "send-keys", "-t", target, key)
}

// NewWindow creates a detached window and returns its target.
func (c *Client) NewWindow(ctx context.Context, session, name, dir, command string) (string, error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{session_name}:#{window_index}", "-t", session + ":"}
	if name != "" {
		args = append(args, "-n", name)
	}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	return c.Run(ctx, args...)
}

// RespawnWindow kills whatever runs in the window and starts command.
func (c *Client) RespawnWindow(ctx context.Context, target, command string) error {
	args := []string{"respawn-window", "-k", "-t", target}
	if command != "" {
		args = append(args, command)
	}
	return c.RunSilent(ctx, args...)
}

// Ping checks that tmux answers. A missing server is not a failure.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Run(ctx, "list-sessions", "-F", "#{session_id}")
	if err != nil && !errors.Is(err, ErrNoServer) {
		return err
	}
	return nil
}
