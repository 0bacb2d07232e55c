// Package ratelimit detects fleet-wide usage limits in agent output, works
// out when they reset and tracks the resulting monitoring pauses.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// ErrResetParse is returned when a limit message carries no usable reset time.
var ErrResetParse = errors.New("cannot parse rate limit reset time")

// DefaultBuffer is added after the reset time before resuming.
const DefaultBuffer = 2 * time.Minute

// Limit is a detected usage limit.
type Limit struct {
	Target     string        `json:"target,omitempty"`
	Raw        string        `json:"raw"`
	Hash       string        `json:"hash,omitempty"`
	Zone       string        `json:"zone,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
	ResetAt    time.Time     `json:"reset_at"`
	Sleep      time.Duration `json:"sleep"`
}

// ResumeAt is when monitoring should resume.
func (l Limit) ResumeAt() time.Time {
	return l.DetectedAt.Add(l.Sleep)
}

var clockPattern = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*([ap])\.?m\.?$`)

// ParseResetTime parses a 12-hour clock time such as "4am", "2:30pm",
// "12am" or "11:45PM" into 24-hour hour and minute.
func ParseResetTime(s string) (int, int, error) {
	m := clockPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrResetParse, s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if hour < 1 || hour > 12 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q out of range", ErrResetParse, s)
	}
	hour %= 12
	if m[3] == "p" {
		hour += 12
	}
	return hour, minute, nil
}

// NextReset returns the first hour:minute in loc strictly after now.
func NextReset(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// SleepDuration is the wait from now until reset plus buffer.
func SleepDuration(now, reset time.Time, buffer time.Duration) time.Duration {
	d := reset.Sub(now) + buffer
	if d < 0 {
		return 0
	}
	return d
}

// relativeWaits match limits that give a wait instead of a clock time.
var relativeWaits = []struct {
	re   *regexp.Regexp
	unit time.Duration
}{
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:h|hr|hours?)\b`), time.Hour},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:m|min|minutes?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:m|min|minutes?)\b`), time.Minute},
	{regexp.MustCompile(`(?i)retry-after[:=]\s*(\d+)`), time.Second},
}

// Detect looks for a usage limit in the tail of content. It returns
// ok=false when no limit is shown and ErrResetParse when a limit is shown
// without a parseable reset.
func Detect(content string, now time.Time, buffer time.Duration) (Limit, bool, error) {
	tail := util.LastNLines(util.StripANSI(content), 15)
	if !agent.RateLimitMarkers.Matches(tail) {
		return Limit{}, false, nil
	}
	lim := Limit{DetectedAt: now, Hash: util.Hash(tail)}

	if m := agent.RateLimitReset.FindStringSubmatch(tail); m != nil {
		hour, minute, err := ParseResetTime(m[1])
		if err != nil {
			return lim, true, err
		}
		lim.Raw = m[1]
		loc := now.Location()
		if m[2] != "" {
			l, err := time.LoadLocation(m[2])
			if err != nil {
				return lim, true, fmt.Errorf("%w: unknown zone %q", ErrResetParse, m[2])
			}
			loc = l
			lim.Zone = m[2]
		}
		lim.ResetAt = NextReset(now, hour, minute, loc)
		lim.Sleep = SleepDuration(now, lim.ResetAt, buffer)
		return lim, true, nil
	}

	for _, w := range relativeWaits {
		if m := w.re.FindStringSubmatch(tail); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				continue
			}
			lim.Raw = m[0]
			lim.ResetAt = now.Add(time.Duration(n) * w.unit)
			lim.Sleep = SleepDuration(now, lim.ResetAt, buffer)
			return lim, true, nil
		}
	}
	return lim, true, fmt.Errorf("%w: no reset time in limit message", ErrResetParse)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FormatDelay formats a duration as a short human-readable string.
func FormatDelay(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
