package digest

import (
	"fmt"
	"time"
)

const (
	DefaultDueWindow         = 15 * time.Minute
	DefaultImmediateCooldown = time.Hour
)

// Policy holds the evaluator's tolerances.
type Policy struct {
	// Window is how long after the send time a clocked cadence stays due.
	// It must exceed the planner's polling interval so no slot is missed.
	Window time.Duration
	// ImmediateCooldown is the minimum gap between two immediate digests.
	ImmediateCooldown time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = DefaultDueWindow
	}
	if p.ImmediateCooldown <= 0 {
		p.ImmediateCooldown = DefaultImmediateCooldown
	}
	return p
}

// IsDue reports whether cadence c of pref should fire at nowUTC.
// Configuration errors fail closed.
func IsDue(pref Preference, c Cadence, nowUTC time.Time, pol Policy) bool {
	due, err := Evaluate(pref, c, nowUTC, pol)
	return err == nil && due
}

// Evaluate is IsDue with the configuration error exposed for logging.
// When err != nil, due is always false.
//
// Clocked cadences are due inside [send_time, send_time+window) local time.
// The window is truncated at local midnight rather than wrapping, which
// keeps "at most one send per local calendar day" a plain date comparison.
func Evaluate(pref Preference, c Cadence, nowUTC time.Time, pol Policy) (bool, error) {
	pol = pol.withDefaults()
	set := pref.Settings(c)
	if !set.Enabled {
		return false, nil
	}
	if pref.Paused(nowUTC) {
		return false, nil
	}

	loc, err := LoadLocation(pref.Timezone)
	if err != nil {
		return false, err
	}
	local := nowUTC.In(loc)

	switch c {
	case CadenceDaily, CadenceWeekly:
		target, err := ParseSendTime(set.SendTime)
		if err != nil {
			return false, err
		}
		cur := local.Hour()*60 + local.Minute()
		window := int(pol.Window / time.Minute)
		if cur < target || cur >= target+window {
			return false, nil
		}
		if c == CadenceWeekly {
			day, err := ParseWeekday(set.SendDay)
			if err != nil {
				return false, err
			}
			if local.Weekday() != day {
				return false, nil
			}
		}
		if set.LastSentAt != nil && sameLocalDate(set.LastSentAt.In(loc), local) {
			return false, nil
		}
		return true, nil

	case CadenceImmediate:
		if !InBusinessHours(local.Hour(), pref.BusinessHoursStart, pref.BusinessHoursEnd) {
			return false, nil
		}
		if set.LastSentAt != nil && nowUTC.Sub(*set.LastSentAt) < pol.ImmediateCooldown {
			return false, nil
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w %q", ErrUnknownCadence, c)
	}
}

// InBusinessHours reports whether hour lies in [start, end). A start later
// than end describes an overnight window; start == end is empty.
func InBusinessHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
