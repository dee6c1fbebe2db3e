package timeutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period")

// maxPeriod bounds history lookbacks to what clip and history retention can cover.
const maxPeriod = 90 * 24 * time.Hour

// Window is a rolling [start, end) range ending at a fixed instant.
type Window struct {
	period string
	start  time.Time
	end    time.Time
}

// NewWindow builds the window covering period (e.g. "30m", "24h", "7d") before now.
func NewWindow(period string, now time.Time) (Window, error) {
	p := normalizePeriod(period)
	dur, err := ParsePeriod(p)
	if err != nil {
		return Window{}, err
	}
	now = now.UTC()
	return Window{period: p, start: now.Add(-dur), end: now}, nil
}

// Period returns the normalized period string.
func (w Window) Period() string { return w.period }

// Start returns the inclusive start of the window.
func (w Window) Start() time.Time { return w.start }

// End returns the exclusive end of the window.
func (w Window) End() time.Time { return w.end }

func (w Window) Duration() time.Duration { return w.end.Sub(w.start) }

// Contains reports whether ts falls within [start, end).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.start) && ts.Before(w.end)
}

// ParsePeriod converts a period with an m, h or d suffix into a duration.
func ParsePeriod(period string) (time.Duration, error) {
	p := normalizePeriod(period)
	if len(p) < 2 {
		return 0, ErrInvalidPeriod
	}
	value, err := strconv.Atoi(p[:len(p)-1])
	if err != nil || value <= 0 {
		return 0, ErrInvalidPeriod
	}
	var unit time.Duration
	switch p[len(p)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, ErrInvalidPeriod
	}
	// compare before multiplying so huge values cannot wrap negative
	if value > int(maxPeriod/unit) {
		return 0, ErrInvalidPeriod
	}
	return time.Duration(value) * unit, nil
}

func normalizePeriod(period string) string {
	return strings.ToLower(strings.TrimSpace(period))
}
