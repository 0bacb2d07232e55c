// Package tmuxtest provides an in-memory tmux.Mux for tests.
package tmuxtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

// Pane is the scripted state of one fake window.
type Pane struct {
	Name     string
	Command  string
	Activity time.Time
	// Frames are returned by successive captures; the last frame repeats.
	Frames []string
	// Err, when set, is returned by every capture.
	Err error
	// Delay is slept (respecting ctx) before each capture.
	Delay time.Duration

	captures int
}

// Keys records one SendKeys or SendKey call.
type Keys struct {
	Target string
	Text   string
	Enter  bool
	Key    string
}

// Fake is a scripted, concurrency-safe tmux.Mux.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]map[int]*Pane
	sent     []Keys
	captures int
	pings    int

	// RespawnFrames replace a window's frames after NewWindow or RespawnWindow.
	RespawnFrames []string
	// PingErr is returned by Ping when set.
	PingErr error
	// SendErr is returned by SendKeys and SendKey when set.
	SendErr error
}

var _ tmux.Mux = (*Fake)(nil)

// New returns an empty fake server.
func New() *Fake {
	return &Fake{sessions: make(map[string]map[int]*Pane)}
}

// AddWindow registers a window and returns its target.
func (f *Fake) AddWindow(session string, index int, p *Pane) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[session] == nil {
		f.sessions[session] = make(map[int]*Pane)
	}
	if p.Command == "" {
		p.Command = "claude"
	}
	f.sessions[session][index] = p
	return fmt.Sprintf("%s:%d", session, index)
}

// RemoveWindow deletes a window.
func (f *Fake) RemoveWindow(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, idx, ok := split(target)
	if !ok {
		return
	}
	delete(f.sessions[session], idx)
}

// SetFrames replaces a window's scripted frames and resets its cursor.
func (f *Fake) SetFrames(target string, frames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p := f.pane(target); p != nil {
		p.Frames = frames
		p.captures = 0
	}
}

// Sent returns every key event recorded so far.
func (f *Fake) Sent() []Keys {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Keys(nil), f.sent...)
}

// SentTo returns the key events for one target.
func (f *Fake) SentTo(target string) []Keys {
	var out []Keys
	for _, k := range f.Sent() {
		if k.Target == target {
			out = append(out, k)
		}
	}
	return out
}

// Captures returns the total number of CapturePane calls.
func (f *Fake) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// Pings returns the number of Ping calls.
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func split(target string) (string, int, bool) {
	i := strings.LastIndex(target, ":")
	if i < 0 {
		return "", 0, false
	}
	var idx int
	if _, err := fmt.Sscanf(target[i+1:], "%d", &idx); err != nil {
		return "", 0, false
	}
	return target[:i], idx, true
}

func (f *Fake) pane(target string) *Pane {
	session, idx, ok := split(target)
	if !ok {
		return nil
	}
	return f.sessions[session][idx]
}

func (f *Fake) ListSessions(ctx context.Context) ([]tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tmux.Session
	for name, windows := range f.sessions {
		out = append(out, tmux.Session{Name: name, Windows: len(windows)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) ListWindows(ctx context.Context, session string) ([]tmux.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	windows, ok := f.sessions[session]
	if !ok {
		return nil, fmt.Errorf("list-windows %s: %w", session, tmux.ErrNotFound)
	}
	var out []tmux.Window
	for idx, p := range windows {
		out = append(out, tmux.Window{
			Session:  session,
			Index:    idx,
			Name:     p.Name,
			Command:  p.Command,
			Activity: p.Activity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (f *Fake) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	f.mu.Lock()
	f.captures++
	p := f.pane(target)
	if p == nil {
		f.mu.Unlock()
		return "", fmt.Errorf("capture-pane %s: %w", target, tmux.ErrNotFound)
	}
	delay, err := p.Delay, p.Err
	var frame string
	if len(p.Frames) > 0 {
		i := p.captures
		if i >= len(p.Frames) {
			i = len(p.Frames) - 1
		}
		frame = p.Frames[i]
	}
	p.captures++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", tmux.ErrCaptureTimeout, target)
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return frame, nil
}

func (f *Fake) SendKeys(ctx context.Context, target, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if f.pane(target) == nil {
		return fmt.Errorf("send-keys %s: %w", target, tmux.ErrNotFound)
	}
	f.sent = append(f.sent, Keys{Target: target, Text: text, Enter: enter})
	return nil
}

func (f *Fake) SendKey(ctx context.Context, target, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	if f.pane(target) == nil {
		return fmt.Errorf("send-keys %s: %w", target, tmux.ErrNotFound)
	}
	f.sent = append(f.sent, Keys{Target: target, Key: key})
	return nil
}

func (f *Fake) NewWindow(ctx context.Context, session, name, dir, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[session] == nil {
		return "", fmt.Errorf("new-window %s: %w", session, tmux.ErrNotFound)
	}
	idx := 0
	for i := range f.sessions[session] {
		if i >= idx {
			idx = i + 1
		}
	}
	f.sessions[session][idx] = &Pane{Name: name, Command: "claude", Frames: append([]string(nil), f.RespawnFrames...)}
	return fmt.Sprintf("%s:%d", session, idx), nil
}

func (f *Fake) RespawnWindow(ctx context.Context, target, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pane(target)
	if p == nil {
		return fmt.Errorf("respawn-window %s: %w", target, tmux.ErrNotFound)
	}
	p.Command = "claude"
	p.Frames = append([]string(nil), f.RespawnFrames...)
	p.captures = 0
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.PingErr
}
