package pool

import (
	"context"

	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
)

// Mux returns a tmux.Mux that checks a handle out of the pool per call.
func (p *Pool) Mux() tmux.Mux {
	return pooledMux{p: p}
}

type pooledMux struct {
	p *Pool
}

func (m pooledMux) ListSessions(ctx context.Context) (out []tmux.Session, err error) {
	err = m.p.Do(ctx, func(h tmux.Mux) error {
		out, err = h.ListSessions(ctx)
		return err
	})
	return out, err
}

func (m pooledMux) ListWindows(ctx context.Context, session string) (out []tmux.Window, err error) {
	err = m.p.Do(ctx, func(h tmux.Mux) error {
		out, err = h.ListWindows(ctx, session)
		return err
	})
	return out, err
}

func (m pooledMux) CapturePane(ctx context.Context, target string, lines int) (out string, err error) {
	err = m.p.Do(ctx, func(h tmux.Mux) error {
		out, err = h.CapturePane(ctx, target, lines)
		return err
	})
	return out, err
}

func (m pooledMux) SendKeys(ctx context.Context, target, text string, enter bool) error {
	return m.p.Do(ctx, func(h tmux.Mux) error { return h.SendKeys(ctx, target, text, enter) })
}

func (m pooledMux) SendKey(ctx context.Context, target, key string) error {
	return m.p.Do(ctx, func(h tmux.Mux) error { return h.SendKey(ctx, target, key) })
}

func (m pooledMux) NewWindow(ctx context.Context, session, name, dir, command string) (out string, err error) {
	err = m.p.Do(ctx, func(h tmux.Mux) error {
		out, err = h.NewWindow(ctx, session, name, dir, command)
		return err
	})
	return out, err
}

func (m pooledMux) RespawnWindow(ctx context.Context, target, command string) error {
	return m.p.Do(ctx, func(h tmux.Mux) error { return h.RespawnWindow(ctx, target, command) })
}

func (m pooledMux) Ping(ctx context.Context) error {
	return m.p.Do(ctx, func(h tmux.Mux) error { return h.Ping(ctx) })
}
