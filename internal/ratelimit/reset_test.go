package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseResetTime(t *testing.T) {
	tests := []struct {
		in           string
		hour, minute int
		wantErr      bool
	}{
		{"4am", 4, 0, false},
		{"4AM", 4, 0, false},
		{"2:30pm", 14, 30, false},
		{"12am", 0, 0, false},
		{"12pm", 12, 0, false},
		{"11:45pm", 23, 45, false},
		{"6 a.m.", 6, 0, false},
		{"13pm", 0, 0, true},
		{"0am", 0, 0, true},
		{"4:75pm", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseResetTime(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrResetParse) {
					t.Fatalf("ParseResetTime(%q) err = %v, want ErrResetParse", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResetTime(%q): %v", tt.in, err)
			}
			if h != tt.hour || m != tt.minute {
				t.Errorf("ParseResetTime(%q) = %d:%02d, want %d:%02d", tt.in, h, m, tt.hour, tt.minute)
			}
		})
	}
}

func TestSleepDurationFromReset(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		reset   string
		seconds float64
	}{
		{"midnight to 4am", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "4am", 14520},
		{"rolls to tomorrow", time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC), "6am", 28920},
		{"same minute is tomorrow", time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC), "4am", 86520},
		{"half hour", time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), "2:30pm", 1920},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m, err := ParseResetTime(tt.reset)
			if err != nil {
				t.Fatal(err)
			}
			reset := NextReset(tt.now, h, m, time.UTC)
			if !reset.After(tt.now) {
				t.Fatalf("reset %v not after now %v", reset, tt.now)
			}
			got := SleepDuration(tt.now, reset, DefaultBuffer).Seconds()
			if got != tt.seconds {
				t.Errorf("sleep = %vs, want %vs", got, tt.seconds)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("no limit", func(t *testing.T) {
		_, ok, err := Detect("> working on it\n", now, DefaultBuffer)
		if ok || err != nil {
			t.Fatalf("Detect = ok %v err %v, want no limit", ok, err)
		}
	})

	t.Run("clock reset", func(t *testing.T) {
		content := "⏺ Done.\n\nClaude usage limit reached. Your limit will reset at 4am.\n"
		lim, ok, err := Detect(content, now, DefaultBuffer)
		if !ok || err != nil {
			t.Fatalf("Detect = ok %v err %v", ok, err)
		}
		if lim.Sleep != 14520*time.Second {
			t.Errorf("Sleep = %v, want 4h2m", lim.Sleep)
		}
		if !lim.ResumeAt().Equal(now.Add(lim.Sleep)) {
			t.Errorf("ResumeAt = %v", lim.ResumeAt())
		}
	})

	t.Run("with zone", func(t *testing.T) {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			t.Skip("tz database unavailable")
		}
		content := "5-hour limit reached ∙ resets 6am (America/New_York)\n"
		lim, ok, err := Detect(content, now, DefaultBuffer)
		if !ok || err != nil {
			t.Fatalf("Detect = ok %v err %v", ok, err)
		}
		if lim.Zone != "America/New_York" {
			t.Errorf("Zone = %q", lim.Zone)
		}
		if lim.ResetAt.In(loc).Hour() != 6 {
			t.Errorf("ResetAt = %v, want 6am local", lim.ResetAt.In(loc))
		}
	})

	t.Run("unknown zone", func(t *testing.T) {
		content := "5-hour limit reached ∙ resets 6am (Nowhere/Atlantis)\n"
		_, ok, err := Detect(content, now, DefaultBuffer)
		if !ok {
			t.Fatal("limit not detected")
		}
		if !errors.Is(err, ErrResetParse) || !strings.Contains(err.Error(), "Nowhere/Atlantis") {
			t.Fatalf("err = %v, want ErrResetParse naming the zone", err)
		}
	})

	t.Run("relative wait", func(t *testing.T) {
		lim, ok, err := Detect("Rate limit exceeded, try again in 30 minutes\n", now, DefaultBuffer)
		if !ok || err != nil {
			t.Fatalf("Detect = ok %v err %v", ok, err)
		}
		if lim.Sleep != 32*time.Minute {
			t.Errorf("Sleep = %v, want 32m", lim.Sleep)
		}
	})

	t.Run("unparseable", func(t *testing.T) {
		_, ok, err := Detect("Usage limit reached. Resets soon.\n", now, DefaultBuffer)
		if !ok {
			t.Fatal("limit not detected")
		}
		if !errors.Is(err, ErrResetParse) {
			t.Fatalf("err = %v, want ErrResetParse", err)
		}
	})
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep did not return promptly")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) = %v", err)
	}
}

func TestFormatDelay(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1.5m"},
		{4*time.Hour + 2*time.Minute, "4h02m"},
	}
	for _, tt := range tests {
		if got := FormatDelay(tt.d); got != tt.want {
			t.Errorf("FormatDelay(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
