package digest

import "errors"

// Configuration errors. The evaluator reports them so callers can log, and
// always treats the preference as not due.
var (
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrInvalidSendTime = errors.New("invalid send time")
	ErrInvalidWeekday  = errors.New("invalid send day")
	ErrUnknownCadence  = errors.New("unknown cadence")
)
