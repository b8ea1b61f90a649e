package conflict

import (
	"fmt"
	"time"
)

const (
	minutesPerDay = 24 * 60
	dateLayout    = "2006-01-02"
)

// TimeToMinutes converts a canonical "HH:mm" wall-clock label (00:00-23:59)
// into minutes since midnight.
func TimeToMinutes(hhmm string) (int, error) {
	if len(hhmm) != 5 || hhmm[2] != ':' {
		return 0, fmt.Errorf("invalid time %q: want HH:mm", hhmm)
	}
	h, okH := twoDigits(hhmm[0], hhmm[1])
	m, okM := twoDigits(hhmm[3], hhmm[4])
	if !okH || !okM || h > 23 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: want HH:mm", hhmm)
	}
	return h*60 + m, nil
}

// MinutesToTime renders minutes since midnight as "HH:mm". Negative input
// clamps to 00:00; values past midnight keep counting hours (1440 is "24:00")
// so an end time is never folded onto the next day.
func MinutesToTime(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// CalculateEndTime returns the "HH:mm" label durationMinutes after start.
func CalculateEndTime(start string, durationMinutes int) (string, error) {
	m, err := TimeToMinutes(start)
	if err != nil {
		return "", err
	}
	if durationMinutes <= 0 {
		return "", fmt.Errorf("duration must be positive (got %d)", durationMinutes)
	}
	return MinutesToTime(m + durationMinutes), nil
}

// RangesOverlap widens both half-open ranges [start,end) by buffer minutes on
// each side and reports whether the widened ranges intersect.
func RangesOverlap(start1, end1, start2, end2, buffer int) bool {
	if buffer < 0 {
		buffer = 0
	}
	return start1-buffer < end2+buffer && start2-buffer < end1+buffer
}

func validDate(date string) bool {
	_, err := time.Parse(dateLayout, date)
	return err == nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}
