package digest

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultMinInterval       = time.Minute
	DefaultMaxInterval       = 30 * time.Minute
	DefaultImmediateInterval = 5 * time.Minute
)

// PlanPolicy bounds the planner's sleep durations.
type PlanPolicy struct {
	Min time.Duration
	Max time.Duration
	// ImmediateInterval caps the plan while anyone has the immediate cadence
	// on: immediate eligibility depends on accumulating content, not a clock.
	ImmediateInterval time.Duration
	Due               Policy
}

func (p PlanPolicy) withDefaults() PlanPolicy {
	if p.Min <= 0 {
		p.Min = DefaultMinInterval
	}
	if p.Max <= 0 {
		p.Max = DefaultMaxInterval
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	if p.ImmediateInterval <= 0 {
		p.ImmediateInterval = DefaultImmediateInterval
	}
	p.Due = p.Due.withDefaults()
	return p
}

// PlanFallback is the sleep used when the population could not be listed:
// retry soon instead of going dark for the maximum interval.
func PlanFallback(pol PlanPolicy) time.Duration {
	return pol.withDefaults().Min
}

var slotParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextSleep computes how long the scheduler may sleep before the next
// evaluation pass: the time until the earliest upcoming slot across the
// whole population, capped while immediate digests are enabled, and
// clamped to [Min, Max].
func NextSleep(prefs []Preference, nowUTC time.Time, pol PlanPolicy) time.Duration {
	pol = pol.withDefaults()

	best := time.Duration(-1)
	consider := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if best < 0 || d < best {
			best = d
		}
	}

	for _, p := range prefs {
		if p.Immediate.Enabled {
			consider(pol.ImmediateInterval)
		}
		for _, c := range []Cadence{CadenceDaily, CadenceWeekly} {
			at, ok := NextSlot(p, c, nowUTC, pol.Due)
			if !ok {
				continue
			}
			consider(at.Sub(nowUTC))
		}
	}

	if best < 0 {
		return pol.Max
	}
	if best < pol.Min {
		return pol.Min
	}
	if best > pol.Max {
		return pol.Max
	}
	return best
}

// NextSlot returns the next instant at which clocked cadence c of p becomes
// eligible. A cadence that is due right now returns nowUTC so a failed send
// is retried while its window is still open. ok is false when the cadence is
// disabled, not clocked, or misconfigured.
func NextSlot(p Preference, c Cadence, nowUTC time.Time, due Policy) (time.Time, bool) {
	set := p.Settings(c)
	if !c.Clocked() || !set.Enabled {
		return time.Time{}, false
	}
	if ok, err := Evaluate(p, c, nowUTC, due); err != nil {
		return time.Time{}, false
	} else if ok {
		return nowUTC, true
	}

	loc, err := LoadLocation(p.Timezone)
	if err != nil {
		return time.Time{}, false
	}
	sched, err := slotSchedule(set, c, loc)
	if err != nil {
		return time.Time{}, false
	}
	local := nowUTC.In(loc)

	// cron's Next is strictly after its argument; search from one second
	// before the earliest admissible instant.
	from := local
	if set.LastSentAt != nil && sameLocalDate(set.LastSentAt.In(loc), local) {
		y, m, d := local.Date()
		from = time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Second)
	}
	if p.Paused(nowUTC) {
		resume := p.PausedUntil.In(loc)
		if ok, _ := Evaluate(p, c, *p.PausedUntil, due); ok {
			return resume.UTC(), true
		}
		if resume.After(from) {
			from = resume
		}
	}
	return sched.Next(from).UTC(), true
}

func slotSchedule(set CadenceSettings, c Cadence, loc *time.Location) (cron.Schedule, error) {
	mins, err := ParseSendTime(set.SendTime)
	if err != nil {
		return nil, err
	}
	dow := "*"
	if c == CadenceWeekly {
		d, err := ParseWeekday(set.SendDay)
		if err != nil {
			return nil, err
		}
		dow = fmt.Sprintf("%d", int(d))
	}
	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * %s", loc.String(), mins%60, mins/60, dow)
	return slotParser.Parse(spec)
}
