package conflict

import "testing"

func TestTimeRoundTrip(t *testing.T) {
	for m := 0; m < minutesPerDay; m++ {
		label := MinutesToTime(m)
		back, err := TimeToMinutes(label)
		if err != nil {
			t.Fatalf("TimeToMinutes(%q) failed: %v", label, err)
		}
		if back != m {
			t.Fatalf("round trip of %d gave %d", m, back)
		}
		if MinutesToTime(back) != label {
			t.Fatalf("label %q did not round trip", label)
		}
	}
}

func TestTimeToMinutesRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "9:00", "09:5", "24:00", "12:60", "ab:cd", "09-00", "09:000"} {
		if _, err := TimeToMinutes(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestCalculateEndTime(t *testing.T) {
	end, err := CalculateEndTime("09:45", 30)
	if err != nil {
		t.Fatalf("CalculateEndTime failed: %v", err)
	}
	if end != "10:15" {
		t.Fatalf("expected 10:15, got %s", end)
	}

	end, err = CalculateEndTime("23:30", 30)
	if err != nil || end != "24:00" {
		t.Fatalf("expected 24:00, got %q (%v)", end, err)
	}

	if _, err := CalculateEndTime("10:00", 0); err == nil {
		t.Fatal("expected error for zero duration")
	}
}

func TestRangesOverlap(t *testing.T) {
	at := func(s string) int {
		m, err := TimeToMinutes(s)
		if err != nil {
			t.Fatalf("bad fixture %q: %v", s, err)
		}
		return m
	}

	if RangesOverlap(at("10:00"), at("10:30"), at("10:30"), at("11:00"), 0) {
		t.Fatal("back-to-back ranges must not overlap without buffer")
	}
	if !RangesOverlap(at("10:00"), at("10:30"), at("10:29"), at("11:00"), 0) {
		t.Fatal("ranges sharing a minute must overlap")
	}
	if !RangesOverlap(at("10:00"), at("10:30"), at("10:40"), at("11:00"), 15) {
		t.Fatal("a 10 minute gap must conflict under a 15 minute buffer")
	}
	if RangesOverlap(at("10:00"), at("10:30"), at("11:00"), at("11:30"), 15) {
		t.Fatal("a 30 minute gap must not conflict under a 15 minute buffer")
	}
	if RangesOverlap(at("10:00"), at("10:30"), at("10:30"), at("11:00"), -5) {
		t.Fatal("negative buffer must behave like zero")
	}
}
