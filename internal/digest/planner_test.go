package digest

import (
	"fmt"
	"testing"
	"time"
)

func prefDueIn(t *testing.T, id string, now time.Time, in time.Duration) Preference {
	t.Helper()
	slot := now.Add(in)
	p := DefaultPreference(id, id+"@example.com", "UTC")
	p.Daily = CadenceSettings{Enabled: true, SendTime: fmt.Sprintf("%02d:%02d", slot.Hour(), slot.Minute())}
	return p
}

func TestNextSleepPicksEarliestSlot(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 8, 0, 0, 0, time.UTC)
	prefs := []Preference{
		prefDueIn(t, "a", now, 5*time.Minute),
		prefDueIn(t, "b", now, 40*time.Minute),
		prefDueIn(t, "c", now, 10*time.Minute),
	}
	if got := NextSleep(prefs, now, PlanPolicy{}); got != 5*time.Minute {
		t.Fatalf("NextSleep = %v, want 5m", got)
	}

	// Without the earliest user the next slot is ten minutes away.
	if got := NextSleep(prefs[1:], now, PlanPolicy{}); got != 10*time.Minute {
		t.Fatalf("NextSleep = %v, want 10m", got)
	}
}

func TestNextSleepClampsToBounds(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 8, 0, 0, 0, time.UTC)

	far := []Preference{prefDueIn(t, "a", now, 3*time.Hour)}
	if got := NextSleep(far, now, PlanPolicy{}); got != DefaultMaxInterval {
		t.Fatalf("NextSleep(far) = %v, want %v", got, DefaultMaxInterval)
	}

	// A user inside an open window (e.g. after a failed send) pulls the plan
	// down to the minimum so the retry happens while the window lasts.
	open := []Preference{prefDueIn(t, "a", now, 0)}
	if got := NextSleep(open, now, PlanPolicy{}); got != DefaultMinInterval {
		t.Fatalf("NextSleep(open window) = %v, want %v", got, DefaultMinInterval)
	}

	if got := NextSleep(nil, now, PlanPolicy{}); got != DefaultMaxInterval {
		t.Fatalf("NextSleep(empty) = %v, want %v", got, DefaultMaxInterval)
	}

	pol := PlanPolicy{Min: 2 * time.Minute, Max: 10 * time.Minute}
	if got := NextSleep(far, now, pol); got != 10*time.Minute {
		t.Fatalf("NextSleep(custom max) = %v, want 10m", got)
	}
}

func TestNextSleepDayWraparound(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 23, 50, 0, 0, time.UTC)
	p := DefaultPreference("a", "a@example.com", "UTC")
	p.Daily = CadenceSettings{Enabled: true, SendTime: "00:05"}
	if got := NextSleep([]Preference{p}, now, PlanPolicy{}); got != 15*time.Minute {
		t.Fatalf("NextSleep across midnight = %v, want 15m", got)
	}
}

func TestNextSleepImmediateOverride(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 8, 0, 0, 0, time.UTC)
	far := prefDueIn(t, "a", now, 6*time.Hour)
	imm := DefaultPreference("b", "b@example.com", "UTC")
	imm.Daily.Enabled = false
	imm.Immediate.Enabled = true

	got := NextSleep([]Preference{far, imm}, now, PlanPolicy{})
	if got > DefaultImmediateInterval {
		t.Fatalf("NextSleep with immediate user = %v, want <= %v", got, DefaultImmediateInterval)
	}

	// A daily slot sooner than the immediate interval still wins.
	near := prefDueIn(t, "c", now, 2*time.Minute)
	if got := NextSleep([]Preference{near, imm}, now, PlanPolicy{}); got != 2*time.Minute {
		t.Fatalf("NextSleep = %v, want 2m", got)
	}
}

func TestNextSlotSkipsAlreadySentToday(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 9, 5, 0, 0, time.UTC)
	p := DefaultPreference("a", "a@example.com", "UTC")
	p.Daily = CadenceSettings{Enabled: true, SendTime: "09:00"}
	p.SetLastSent(CadenceDaily, now.Add(-4*time.Minute))

	at, ok := NextSlot(p, CadenceDaily, now, Policy{})
	if !ok {
		t.Fatal("NextSlot returned !ok")
	}
	want := time.Date(2025, 5, 7, 9, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("NextSlot = %v, want %v", at, want)
	}
}

func TestNextSlotWeeklyHonoursDay(t *testing.T) {
	t.Parallel()
	const tz = "Asia/Tokyo"
	// Tuesday 2025-05-06 10:00 local; next Monday is 2025-05-12.
	now := mustLocalUTC(t, tz, 2025, time.May, 6, 10, 0)
	p := DefaultPreference("a", "a@example.com", tz)
	p.Daily.Enabled = false
	p.Weekly = CadenceSettings{Enabled: true, SendTime: "07:30", SendDay: "monday"}

	at, ok := NextSlot(p, CadenceWeekly, now, Policy{})
	if !ok {
		t.Fatal("NextSlot returned !ok")
	}
	want := mustLocalUTC(t, tz, 2025, time.May, 12, 7, 30)
	if !at.Equal(want) {
		t.Fatalf("NextSlot = %v, want %v", at, want)
	}
}

func TestNextSlotPausedResumesInsideWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 8, 0, 0, 0, time.UTC)
	p := DefaultPreference("a", "a@example.com", "UTC")
	p.Daily = CadenceSettings{Enabled: true, SendTime: "09:00"}
	until := time.Date(2025, 5, 6, 9, 5, 0, 0, time.UTC)
	p.PausedUntil = &until

	at, ok := NextSlot(p, CadenceDaily, now, Policy{})
	if !ok || !at.Equal(until) {
		t.Fatalf("NextSlot = %v, %v; want %v", at, ok, until)
	}

	later := time.Date(2025, 5, 6, 12, 0, 0, 0, time.UTC)
	p.PausedUntil = &later
	at, _ = NextSlot(p, CadenceDaily, now, Policy{})
	if want := time.Date(2025, 5, 7, 9, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("NextSlot = %v, want %v", at, want)
	}
}

func TestNextSlotIgnoresBrokenConfig(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 5, 6, 8, 0, 0, 0, time.UTC)
	p := DefaultPreference("a", "a@example.com", "Nowhere/Atlantis")
	if _, ok := NextSlot(p, CadenceDaily, now, Policy{}); ok {
		t.Fatal("expected !ok for unresolvable timezone")
	}
	if got := NextSleep([]Preference{p}, now, PlanPolicy{}); got != DefaultMaxInterval {
		t.Fatalf("NextSleep = %v, want %v", got, DefaultMaxInterval)
	}
}

func TestPlanFallback(t *testing.T) {
	t.Parallel()
	if got := PlanFallback(PlanPolicy{}); got != DefaultMinInterval {
		t.Fatalf("PlanFallback = %v, want %v", got, DefaultMinInterval)
	}
	if got := PlanFallback(PlanPolicy{Min: 20 * time.Second}); got != 20*time.Second {
		t.Fatalf("PlanFallback = %v, want 20s", got)
	}
}
