// Package clock provides an injectable time source and the calendar helpers
// the queue uses to decide what "today" is and whether a practice window is
// open.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// DateLayout is the wire and storage form of a service date.
const DateLayout = "2006-01-02"

// Clock is the time source threaded through the engine and jobs.
type Clock interface {
	// Now returns the current instant in the clock's location.
	Now() time.Time
}

type realClock struct {
	loc *time.Location
}

// Real returns a Clock backed by time.Now, reporting times in loc. A nil loc
// means time.Local.
func Real(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return realClock{loc: loc}
}

func (c realClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Today formats the calendar date of c.Now().
func Today(c Clock) string {
	return DateOf(c.Now())
}

// DateOf formats the calendar date of t in t's own location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate validates a YYYY-MM-DD date and returns it normalized.
func ParseDate(value string) (string, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", value, err)
	}
	return t.Format(DateLayout), nil
}

// MinuteOfDay truncates t to whole minutes since local midnight.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Window is a practice window expressed in minutes since midnight.
type Window struct {
	Start int
	End   int
}

// Contains reports whether minute falls inside the window, both ends included.
func (w Window) Contains(minute int) bool {
	return minute >= w.Start && minute <= w.End
}

func (w Window) String() string {
	return fmt.Sprintf("%s - %s", formatMinute(w.Start), formatMinute(w.End))
}

// WindowFor returns the first window containing minute.
func WindowFor(windows []Window, minute int) (Window, bool) {
	for _, w := range windows {
		if w.Contains(minute) {
			return w, true
		}
	}
	return Window{}, false
}

// NextWindow returns the first window that opens after minute, falling back
// to the first window of the day. ok is false only for an empty slice.
func NextWindow(windows []Window, minute int) (Window, bool) {
	if len(windows) == 0 {
		return Window{}, false
	}
	for _, w := range windows {
		if w.Start > minute {
			return w, true
		}
	}
	return windows[0], true
}

func formatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseMinute parses an HH:MM or HH:MM:SS time of day into minutes since
// midnight. Seconds are dropped.
func ParseMinute(value string) (int, error) {
	layout := "15:04"
	if len(value) > 5 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", value, err)
	}
	return MinuteOfDay(t), nil
}
