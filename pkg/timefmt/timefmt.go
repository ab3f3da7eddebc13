// Package timefmt formats instants on a broadcast clock.
//
// A broadcast day does not end at midnight. A programming day that starts at
// 06:00 runs until 06:00 the next morning, and events inside it are logged
// relative to the day start, so the hour field keeps counting past 23:
// an event 25 hours into the day prints as "25:00:00". As-run logs and
// transmission logs both use this convention.
package timefmt

import (
	"fmt"
	"time"
)

// BroadcastClock renders the elapsed time since dayStart as HH:MM:SS.
// Hours are not wrapped at 24; 90000 elapsed seconds prints as "25:00:00".
// Sub-second remainders truncate toward zero.
func BroadcastClock(dayStart, t time.Time) string {
	return ClockFromMillis(t.Sub(dayStart).Milliseconds())
}

// ClockFromMillis renders a millisecond offset as HH:MM:SS without wrapping
// the hour field. Negative offsets are prefixed with a minus sign.
func ClockFromMillis(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	secs := ms / 1000
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
}

// DurationSeconds renders a millisecond duration as a whole-second count
// followed by "s", the DUR column format of as-run logs. Values round to
// the nearest second.
func DurationSeconds(ms int64) string {
	sign := int64(1)
	if ms < 0 {
		sign = -1
		ms = -ms
	}
	return fmt.Sprintf("%ds", sign*((ms+500)/1000))
}

// ParseClock parses a broadcast-clock HH:MM:SS string back into a
// millisecond offset. The hour field may exceed 23.
func ParseClock(s string) (int64, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var h, m, sec int64
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("parsing broadcast clock %q: %w", s, err)
	}
	if m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("parsing broadcast clock %q: minute and second must be 00-59", s)
	}
	ms := ((h*3600 + m*60 + sec) * 1000)
	if neg {
		ms = -ms
	}
	return ms, nil
}
