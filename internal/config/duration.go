package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a config duration. Besides Go durations it
// accepts whole days ("7d") since cooldowns and resets are often set that
// way. Empty means zero; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("bad day count %q", n)
		}
		return time.Duration(days) * day, nil
	}
	return time.ParseDuration(s)
}

// ParseDurationOrDefault is ParseDurationField with zero mapped to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// DurationOr parses raw, returning def when it is empty, zero or invalid.
// Callers run Validate first, so errors are not expected here.
func DurationOr(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}
