package mailer

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one recipient domain.
//
// It implements a simple consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuitCfg holds effective settings after applying defaults.
type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return circuitCfg{enabled: false}
	}
	base := cfg.CircuitBaseDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	maxD := cfg.CircuitMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	reset := cfg.CircuitResetAfter
	if reset <= 0 {
		reset = 30 * time.Minute
	}
	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

type breaker struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (b *breaker) getLocked(key string) *circuitState {
	if b.m == nil {
		b.m = make(map[string]*circuitState)
	}
	st := b.m[key]
	if st == nil {
		st = &circuitState{}
		b.m[key] = st
	}
	return st
}

// isOpen reports whether sends to key are suspended and until when.
func (b *breaker) isOpen(now time.Time, key string, cc circuitCfg) (bool, time.Time) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.getLocked(key)

	// Opportunistic reset if last failure was long ago.
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, key string, cc circuitCfg, err error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !cc.enabled || key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.getLocked(key)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

// openCount returns how many domains are currently suspended.
func (b *breaker) openCount(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
