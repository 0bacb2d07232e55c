package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

// MuxTTL sets how long multiplexer reads stay fresh.
type MuxTTL struct {
	Capture time.Duration
	List    time.Duration
}

// Mux wraps a tmux.Mux so reads are served from c. Writes to a target
// invalidate that target's cached captures.
func (c *Cache) Mux(inner tmux.Mux, ttl MuxTTL) tmux.Mux {
	return &cachedMux{inner: inner, c: c, ttl: ttl}
}

type cachedMux struct {
	inner tmux.Mux
	c     *Cache
	ttl   MuxTTL
}

// TargetTag is the tag carried by every cached read of a window.
func TargetTag(target string) string { return "target:" + target }

// SessionTag is the tag carried by every cached read inside a session.
func SessionTag(session string) string { return "session:" + session }

func sessionOf(target string) string {
	if i := strings.LastIndex(target, ":"); i >= 0 {
		return target[:i]
	}
	return target
}

func (m *cachedMux) ListSessions(ctx context.Context) ([]tmux.Session, error) {
	v, err := m.c.GetOrFetch(ctx, "sessions", m.ttl.List, []string{"sessions"}, func(ctx context.Context) (any, error) {
		return m.inner.ListSessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]tmux.Session), nil
}

func (m *cachedMux) ListWindows(ctx context.Context, session string) ([]tmux.Window, error) {
	key := "windows:" + session
	v, err := m.c.GetOrFetch(ctx, key, m.ttl.List, []string{SessionTag(session)}, func(ctx context.Context) (any, error) {
		return m.inner.ListWindows(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return v.([]tmux.Window), nil
}

func (m *cachedMux) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	key := fmt.Sprintf("capture:%s:%d", target, lines)
	tags := []string{TargetTag(target), SessionTag(sessionOf(target))}
	v, err := m.c.GetOrFetch(ctx, key, m.ttl.Capture, tags, func(ctx context.Context) (any, error) {
		return m.inner.CapturePane(ctx, target, lines)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *cachedMux) SendKeys(ctx context.Context, target, text string, enter bool) error {
	defer m.c.InvalidateTag(TargetTag(target))
	return m.inner.SendKeys(ctx, target, text, enter)
}

func (m *cachedMux) SendKey(ctx context.Context, target, key string) error {
	defer m.c.InvalidateTag(TargetTag(target))
	return m.inner.SendKey(ctx, target, key)
}

func (m *cachedMux) NewWindow(ctx context.Context, session, name, dir, command string) (string, error) {
	defer m.c.InvalidateTag(SessionTag(session))
	defer m.c.Invalidate("sessions")
	return m.inner.NewWindow(ctx, session, name, dir, command)
}

func (m *cachedMux) RespawnWindow(ctx context.Context, target, command string) error {
	defer m.c.InvalidateTag(TargetTag(target))
	return m.inner.RespawnWindow(ctx, target, command)
}

func (m *cachedMux) Ping(ctx context.Context) error {
	return m.inner.Ping(ctx)
}
