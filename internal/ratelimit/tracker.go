package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

const maxHistory = 50

// Pause is one fleet-wide suspension.
type Pause struct {
	Limit     Limit     `json:"limit"`
	StartedAt time.Time `json:"started_at"`
	ResumeAt  time.Time `json:"resume_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the pause has not ended.
func (p Pause) Active() bool { return p.EndedAt.IsZero() }

// handledLimit identifies the limit message a completed pause waited out.
type handledLimit struct {
	Raw  string `json:"raw"`
	Hash string `json:"hash"`
}

// Tracker records pauses and persists them for status reporting.
type Tracker struct {
	mu      sync.RWMutex
	current *Pause
	history []Pause
	handled map[string]handledLimit
	total   int
	dataDir string
}

type persistedData struct {
	Current *Pause                  `json:"current,omitempty"`
	History []Pause                 `json:"history,omitempty"`
	Handled map[string]handledLimit `json:"handled,omitempty"`
	Total   int                     `json:"total"`
}

// NewTracker creates a tracker. An empty dataDir disables persistence.
func NewTracker(dataDir string) *Tracker {
	return &Tracker{dataDir: dataDir, handled: make(map[string]handledLimit)}
}

// Begin starts a pause for lim.
func (t *Tracker) Begin(lim Limit) Pause {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Pause{Limit: lim, StartedAt: lim.DetectedAt, ResumeAt: lim.ResumeAt()}
	t.current = &p
	t.total++
	return p
}

// End closes the current pause without waiting it out, as on shutdown.
// The limit stays live and is paused for again when next seen.
func (t *Tracker) End(at time.Time) (Pause, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.end(at)
}

// Complete closes the current pause after its reset passed. The limit
// message that caused it is remembered so the same, unchanged pane does
// not start another pause.
func (t *Tracker) Complete(at time.Time) (Pause, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.end(at)
	if ok {
		t.handled[p.Limit.Target] = handledLimit{Raw: p.Limit.Raw, Hash: p.Limit.Hash}
	}
	return p, ok
}

// Handled reports whether lim is the message of an already completed
// pause, still shown on a pane that has not changed since.
func (t *Tracker) Handled(lim Limit) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handled[lim.Target]
	return ok && h.Raw == lim.Raw && h.Hash == lim.Hash
}

func (t *Tracker) end(at time.Time) (Pause, bool) {
	if t.current == nil {
		return Pause{}, false
	}
	p := *t.current
	p.EndedAt = at
	t.current = nil
	t.history = append(t.history, p)
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	return p, true
}

// Current returns the active pause, if any.
func (t *Tracker) Current() (Pause, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return Pause{}, false
	}
	return *t.current, true
}

// Remaining returns how long the active pause still runs.
func (t *Tracker) Remaining(now time.Time) time.Duration {
	p, ok := t.Current()
	if !ok {
		return 0
	}
	if d := p.ResumeAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// History returns up to limit finished pauses, oldest first.
func (t *Tracker) History(limit int) []Pause {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	out := make([]Pause, limit)
	copy(out, t.history[len(t.history)-limit:])
	return out
}

// Total returns how many pauses have started.
func (t *Tracker) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

func (t *Tracker) path(dir string) string {
	return filepath.Join(dir, "rate_limits.json")
}

// Save writes the tracker to its data dir.
func (t *Tracker) Save() error {
	if t.dataDir == "" {
		return nil
	}
	t.mu.RLock()
	pd := persistedData{History: append([]Pause(nil), t.history...), Total: t.total, Handled: make(map[string]handledLimit, len(t.handled))}
	for k, v := range t.handled {
		pd.Handled[k] = v
	}
	if t.current != nil {
		cur := *t.current
		pd.Current = &cur
	}
	t.mu.RUnlock()

	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}
	if err := util.AtomicWriteFile(t.path(t.dataDir), data, 0644); err != nil {
		return fmt.Errorf("write rate limits file: %w", err)
	}
	return nil
}

// Load reads a previously saved tracker. A missing file is not an error.
func (t *Tracker) Load() error {
	if t.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(t.path(t.dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rate limits file: %w", err)
	}
	var pd persistedData
	if err := json.Unmarshal(data, &pd); err != nil {
		return fmt.Errorf("parse rate limits file: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = pd.Current
	t.history = pd.History
	t.total = pd.Total
	t.handled = pd.Handled
	if t.handled == nil {
		t.handled = make(map[string]handledLimit)
	}
	return nil
}

// LoadPauses reads the persisted pause state from dir without a live tracker.
func LoadPauses(dir string) (*Tracker, error) {
	t := NewTracker(dir)
	return t, t.Load()
}
