package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/tmux"
	"github.com/Dicklesworthstone/agentwatch/internal/tmux/tmuxtest"
)

func fakeFactory(fakes ...*tmuxtest.Fake) (Factory, *int32) {
	var n int32
	return func(ctx context.Context) (tmux.Mux, error) {
		i := int(atomic.AddInt32(&n, 1)) - 1
		if i < len(fakes) {
			return fakes[i], nil
		}
		return tmuxtest.New(), nil
	}, &n
}

func TestNewFailsWhenFactoryFails(t *testing.T) {
	_, err := New(context.Background(), Config{Size: 2}, func(ctx context.Context) (tmux.Mux, error) {
		return nil, errors.New("no tmux")
	})
	if err == nil {
		t.Fatal("New() should fail when the factory fails")
	}
}

func TestAcquireReusesHandles(t *testing.T) {
	factory, created := fakeFactory()
	p, err := New(context.Background(), Config{Size: 2}, factory)
	if err != nil {
		t.Fatal(err)
	}
	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c1, true)
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c2, true)

	if c1.ID != c2.ID {
		t.Errorf("second Acquire got conn %d, want reused %d", c2.ID, c1.ID)
	}
	if *created != 1 {
		t.Errorf("factory calls = %d, want 1", *created)
	}
}

func TestAcquireBoundedBySize(t *testing.T) {
	factory, _ := fakeFactory()
	p, err := New(context.Background(), Config{Size: 2, AcquireTimeout: 30 * time.Millisecond}, factory)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrExhausted", err)
	}
	st := p.Stats()
	if st.InUse != 2 || st.Waits != 1 {
		t.Errorf("stats = %+v, want InUse=2 Waits=1", st)
	}
	p.Release(a, true)
	p.Release(b, true)
	if got := p.Stats().InUse; got != 0 {
		t.Errorf("InUse after release = %d, want 0", got)
	}
}

func TestAgedHandlesAreRecycled(t *testing.T) {
	factory, created := fakeFactory()
	p, err := New(context.Background(), Config{Size: 1, MaxAge: time.Minute}, factory)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	p.now = func() time.Time { return now }

	now = now.Add(2 * time.Minute)
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c, true)

	if *created != 2 {
		t.Errorf("factory calls = %d, want 2", *created)
	}
	if got := p.Stats().Recycled; got != 1 {
		t.Errorf("Recycled = %d, want 1", got)
	}
}

func TestFailedProbeRecyclesHandle(t *testing.T) {
	first := tmuxtest.New()
	factory, created := fakeFactory(first)
	p, err := New(context.Background(), Config{Size: 1, ProbeInterval: time.Second}, factory)
	if err != nil {
		t.Fatal(err)
	}
	first.PingErr = errors.New("server gone")
	now := time.Now().Add(5 * time.Second)
	p.now = func() time.Time { return now }

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c, true)
	if c.Mux == first {
		t.Error("Acquire() returned the handle whose probe failed")
	}
	if *created != 2 {
		t.Errorf("factory calls = %d, want 2", *created)
	}
}

func TestDoRecyclesOnTimeout(t *testing.T) {
	factory, _ := fakeFactory()
	p, err := New(context.Background(), Config{Size: 1}, factory)
	if err != nil {
		t.Fatal(err)
	}
	err = p.Do(context.Background(), func(tmux.Mux) error { return tmux.ErrCaptureTimeout })
	if !errors.Is(err, tmux.ErrCaptureTimeout) {
		t.Fatalf("Do() error = %v", err)
	}
	if got := p.Stats().Recycled; got != 1 {
		t.Errorf("Recycled = %d, want 1", got)
	}
}

type gauge struct {
	mu       sync.Mutex
	cur, max int
}

type slowMux struct {
	*tmuxtest.Fake
	g *gauge
}

func (m slowMux) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	m.g.mu.Lock()
	m.g.cur++
	if m.g.cur > m.g.max {
		m.g.max = m.g.cur
	}
	m.g.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	m.g.mu.Lock()
	m.g.cur--
	m.g.mu.Unlock()
	return "ok", nil
}

func TestPooledMuxBoundsConcurrency(t *testing.T) {
	g := &gauge{}
	p, err := New(context.Background(), Config{Size: 3, AcquireTimeout: time.Second}, func(ctx context.Context) (tmux.Mux, error) {
		return slowMux{Fake: tmuxtest.New(), g: g}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	mux := p.Mux()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mux.CapturePane(context.Background(), "s:0", 10); err != nil {
				t.Errorf("CapturePane() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if g.max > 3 {
		t.Errorf("max concurrent captures = %d, want <= 3", g.max)
	}
	if st := p.Stats(); st.Open > 3 {
		t.Errorf("open handles = %d, want <= 3", st.Open)
	}
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	factory, _ := fakeFactory()
	p, err := New(context.Background(), Config{Size: 1}, factory)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after Close = %v, want ErrClosed", err)
	}
}
