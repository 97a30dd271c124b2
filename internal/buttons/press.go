// Package buttons polls the HAT's push buttons and turns raw levels into
// short and long presses.
package buttons

import "time"

// Press is the kind of press a PressTimer reports.
type Press int

const (
	PressShort Press = iota + 1
	PressLong
)

func (p Press) String() string {
	switch p {
	case PressShort:
		return "short"
	case PressLong:
		return "long"
	default:
		return "none"
	}
}

// PressTimer classifies one button's samples. It moves
// released -> held(since) -> {short on release | long once held past LongAfter}.
// A long press does not also report a short press on release.
type PressTimer struct {
	LongAfter time.Duration // zero disables long presses

	held      bool
	since     time.Time
	longFired bool
}

// Update feeds one sample taken at now and reports a completed press.
func (t *PressTimer) Update(down bool, now time.Time) (Press, bool) {
	switch {
	case down && !t.held:
		t.held = true
		t.since = now
		t.longFired = false
	case down && t.held:
		if t.LongAfter > 0 && !t.longFired && now.Sub(t.since) >= t.LongAfter {
			t.longFired = true
			return PressLong, true
		}
	case !down && t.held:
		t.held = false
		if !t.longFired {
			return PressShort, true
		}
	}
	return 0, false
}

// Held reports whether the button is currently down, and since when.
func (t *PressTimer) Held() (bool, time.Time) {
	return t.held, t.since
}
