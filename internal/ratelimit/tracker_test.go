package ratelimit

import (
	"testing"
	"time"
)

func TestTrackerPauseLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker(t.TempDir())

	if _, ok := tr.Current(); ok {
		t.Fatal("new tracker has a current pause")
	}
	p := tr.Begin(Limit{Raw: "4am", DetectedAt: now, Sleep: time.Hour})
	if !p.Active() || !p.ResumeAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("Begin = %+v", p)
	}
	if got := tr.Remaining(now.Add(20 * time.Minute)); got != 40*time.Minute {
		t.Errorf("Remaining = %v, want 40m", got)
	}
	if err := tr.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadPauses(tr.dataDir)
	if err != nil {
		t.Fatalf("LoadPauses: %v", err)
	}
	if cur, ok := loaded.Current(); !ok || cur.Limit.Raw != "4am" {
		t.Errorf("loaded current = %+v, %v", cur, ok)
	}

	ended, ok := tr.End(now.Add(time.Hour))
	if !ok || ended.Active() {
		t.Fatalf("End = %+v, %v", ended, ok)
	}
	if _, ok := tr.End(now); ok {
		t.Error("second End reported a pause")
	}
	if got := tr.History(0); len(got) != 1 || tr.Total() != 1 {
		t.Errorf("history = %d entries, total %d", len(got), tr.Total())
	}
}

func TestTrackerHistoryBounded(t *testing.T) {
	tr := NewTracker("")
	now := time.Now()
	for i := 0; i < maxHistory+10; i++ {
		tr.Begin(Limit{DetectedAt: now})
		tr.End(now)
	}
	if got := len(tr.History(0)); got != maxHistory {
		t.Errorf("history len = %d, want %d", got, maxHistory)
	}
	if got := len(tr.History(5)); got != 5 {
		t.Errorf("History(5) len = %d", got)
	}
	if err := tr.Save(); err != nil {
		t.Errorf("Save without dir: %v", err)
	}
}

func TestTrackerCompletedLimitIsHandled(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	content := "⏺ Done.\n\nClaude usage limit reached. Your limit will reset at 4am.\n"
	lim, ok, err := Detect(content, now, DefaultBuffer)
	if !ok || err != nil {
		t.Fatalf("Detect = ok %v err %v", ok, err)
	}
	lim.Target = "proj:1"
	tr := NewTracker(t.TempDir())

	tr.Begin(lim)
	if tr.Handled(lim) {
		t.Fatal("limit handled before its pause completed")
	}
	tr.End(now.Add(time.Hour))
	if tr.Handled(lim) {
		t.Fatal("interrupted pause marked the limit handled")
	}

	tr.Begin(lim)
	tr.Complete(lim.ResumeAt())

	later := lim.ResumeAt().Add(time.Second)
	again, _, _ := Detect(content, later, DefaultBuffer)
	again.Target = "proj:1"
	if !tr.Handled(again) {
		t.Error("same message on an unchanged pane should be handled")
	}

	other := again
	other.Target = "proj:2"
	if tr.Handled(other) {
		t.Error("handled limit leaked to another target")
	}

	fresh, _, _ := Detect("⏺ Retrying the build.\n\nClaude usage limit reached. Your limit will reset at 4am.\n", later, DefaultBuffer)
	fresh.Target = "proj:1"
	if tr.Handled(fresh) {
		t.Error("limit shown again after new output should start a pause")
	}

	if err := tr.Save(); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadPauses(tr.dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Handled(again) {
		t.Error("handled limits not persisted")
	}
}
