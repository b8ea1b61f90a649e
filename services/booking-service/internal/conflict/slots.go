package conflict

import "sort"

// Config bounds the alternative-slot search. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	DayStart       int // minutes since midnight, inclusive
	DayEnd         int // minutes since midnight, exclusive end for a slot
	Step           int
	MaxCandidates  int
	MaxSuggestions int
}

const DefaultBuffer = 15

func DefaultConfig() Config {
	return Config{
		DayStart:       9 * 60,
		DayEnd:         18 * 60,
		Step:           15,
		MaxCandidates:  10,
		MaxSuggestions: 5,
	}
}

// Occupied is an existing non-canceled appointment expressed in minutes.
type Occupied struct {
	AppointmentID string
	ServiceName   string
	Start         int
	End           int
}

// BlockedSlots returns the sorted step-aligned labels whose [label, label+step)
// window touches any occupied range widened by buffer.
func BlockedSlots(occupied []Occupied, buffer, step int) []string {
	if step <= 0 {
		step = DefaultConfig().Step
	}
	if buffer < 0 {
		buffer = 0
	}
	seen := make(map[int]struct{})
	for _, o := range occupied {
		from := o.Start - buffer
		if from < 0 {
			from = 0
		}
		from -= from % step
		until := o.End + buffer
		if until > minutesPerDay {
			until = minutesPerDay
		}
		for s := from; s < until; s += step {
			seen[s] = struct{}{}
		}
	}

	starts := make([]int, 0, len(seen))
	for s := range seen {
		starts = append(starts, s)
	}
	sort.Ints(starts)

	labels := make([]string, 0, len(starts))
	for _, s := range starts {
		labels = append(labels, MinutesToTime(s))
	}
	return labels
}

// GenerateAlternativeSlots scans the configured business-hours window in step
// increments and returns at most MaxSuggestions start labels for which a
// booking of durationMinutes would neither overlap (with buffer) an occupied
// range nor start on a blocked label.
func GenerateAlternativeSlots(cfg Config, durationMinutes int, occupied []Occupied, blocked []string, buffer int) []string {
	if durationMinutes <= 0 || cfg.Step <= 0 {
		return nil
	}
	blockedSet := make(map[string]struct{}, len(blocked))
	for _, b := range blocked {
		blockedSet[b] = struct{}{}
	}

	var found []string
	for start := cfg.DayStart; start+durationMinutes <= cfg.DayEnd; start += cfg.Step {
		if len(found) >= cfg.MaxCandidates {
			break
		}
		label := MinutesToTime(start)
		if _, ok := blockedSet[label]; ok {
			continue
		}
		if overlapsAny(start, start+durationMinutes, occupied, buffer) {
			continue
		}
		found = append(found, label)
	}

	if len(found) > cfg.MaxSuggestions {
		found = found[:cfg.MaxSuggestions]
	}
	return found
}

func overlapsAny(start, end int, occupied []Occupied, buffer int) bool {
	for _, o := range occupied {
		if RangesOverlap(start, end, o.Start, o.End, buffer) {
			return true
		}
	}
	return false
}
