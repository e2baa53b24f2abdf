package digest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var reSendTime = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseSendTime parses a "HH:MM" wall-clock time into minutes since midnight.
func ParseSendTime(raw string) (int, error) {
	m := reSendTime.FindStringSubmatch(raw)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w %q (want HH:MM)", ErrInvalidSendTime, raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return 0, fmt.Errorf("%w %q (out of range)", ErrInvalidSendTime, raw)
	}
	return hh*60 + mm, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday maps the symbolic day names ("monday".."sunday") to time.Weekday.
func ParseWeekday(raw string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrInvalidWeekday, raw)
	}
	return d, nil
}

// Location resolution hits the tz database on disk; every pass resolves the
// same handful of zones for the whole population, so keep them.
var locCache sync.Map // name -> *time.Location

// LoadLocation resolves an IANA zone name. Empty names are rejected rather
// than silently mapped to UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTimezone)
	}
	if v, ok := locCache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimezone, name, err)
	}
	locCache.Store(name, loc)
	return loc, nil
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
