package scheduler

import (
	"context"
	"errors"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	logx "digestd/pkg/logx"
)

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		deps:     deps,
		now:      time.Now,
		cfg:      cfg,
		lastWarn: map[string]time.Time{},
		warnNow:  time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// PlanPolicy returns the planner tolerances of the current config.
func (s *Service) PlanPolicy() digest.PlanPolicy { return s.config().PlanPolicy() }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start arms the first pass. Calling it twice is a no-op with a warning.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // passes run detached from the caller

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.log.Warn("start ignored: scheduler already stopped")
		return
	}
	if s.started {
		s.log.Warn("start ignored: scheduler already running")
		return
	}
	s.started = true
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; manual triggers only")
		return
	}
	s.armLocked(s.cfg.StartDelay)
	pol := s.cfg.PlanPolicy()
	s.log.Info("service started",
		logx.Duration("start_delay", s.cfg.StartDelay),
		logx.Duration("min_interval", pol.Min),
		logx.Duration("max_interval", pol.Max),
	)
}

// Stop cancels the armed timer, refuses new passes and waits for an
// in-flight pass to finish, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.smu.Lock()
	s.stats.NextRunTime = time.Time{}
	s.stats.NextSleep = 0
	s.smu.Unlock()

	done := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for pass", logx.Duration("took", time.Since(start)))
		return ctx.Err()
	}
}

// Apply swaps the tuning; the next arm uses it. Toggling Enabled arms or
// disarms the timer of a started service.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.cfg.Enabled
	s.cfg = cfg
	if !s.started || s.stopped {
		return
	}
	switch {
	case was && !cfg.Enabled:
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.log.Info("scheduler disabled by config")
	case !was && cfg.Enabled:
		s.armLocked(cfg.StartDelay)
		s.log.Info("scheduler enabled by config")
	}
}

// GetStats returns a snapshot copy.
func (s *Service) GetStats() Stats {
	s.smu.Lock()
	st := s.stats
	s.smu.Unlock()
	st.IsRunning = s.running.Load()
	return st
}

func (s *Service) arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.cfg.Enabled {
		return
	}
	s.armLocked(d)
}

func (s *Service) armLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.tick)

	s.smu.Lock()
	s.stats.NextSleep = d
	s.stats.NextRunTime = s.now().UTC().Add(d)
	s.smu.Unlock()
	s.log.Debug("next pass armed", logx.Duration("sleep", d))
}

func (s *Service) tick() {
	rep, err := s.RunPass(context.Background())
	switch {
	case errors.Is(err, ErrStopped):
		return
	case errors.Is(err, ErrPassInProgress):
		// A manual trigger holds the guard; come back soon.
		s.arm(digest.PlanFallback(s.config().PlanPolicy()))
	default:
		s.arm(rep.NextSleep)
	}
}

// beginPass takes the single-pass guard. Registering with the wait group
// under mu keeps Stop from missing a pass that is just starting.
func (s *Service) beginPass() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrPassInProgress
	}
	s.passes.Add(1)
	return nil
}

func (s *Service) endPass() {
	s.running.Store(false)
	s.passes.Done()
}

func (s *Service) recordPass(rep PassReport) {
	s.smu.Lock()
	defer s.smu.Unlock()
	st := &s.stats
	st.LastRun = rep.StartedAt
	st.TotalRuns++
	st.TotalSent += int64(rep.Sent)
	st.TotalSkipped += int64(rep.Skipped + rep.NotDue)
	st.TotalErrors += int64(rep.Failed + rep.Errors)
	st.LastDuration = rep.Duration
	st.AvgProcessingTime += (rep.Duration - st.AvgProcessingTime) / time.Duration(st.TotalRuns)
}

func (s *Service) recordManual(status digest.RunStatus, bookkeepingErrs int) {
	s.smu.Lock()
	defer s.smu.Unlock()
	switch status {
	case digest.StatusSent:
		s.stats.TotalSent++
	case digest.StatusFailed:
		s.stats.TotalErrors++
	default:
		s.stats.TotalSkipped++
	}
	s.stats.TotalErrors += int64(bookkeepingErrs)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now().UTC(), Data: data})
}

func (s *Service) publishError(op, userID string, c digest.Cadence, err error) {
	s.publish(EventError, ErrorEvent{Op: op, UserID: userID, Cadence: c, Error: err.Error(), At: s.now().UTC()})
}

const configWarnEvery = time.Hour

// warnConfig logs a misconfigured preference at most once per hour per
// user and cadence; the evaluator sees it on every pass.
func (s *Service) warnConfig(p digest.Preference, c digest.Cadence, err error) {
	key := p.UserID + "/" + string(c)
	now := s.warnNow()
	s.wmu.Lock()
	last, seen := s.lastWarn[key]
	if seen && now.Sub(last) < configWarnEvery {
		s.wmu.Unlock()
		return
	}
	for k, at := range s.lastWarn {
		if now.Sub(at) >= configWarnEvery {
			delete(s.lastWarn, k)
		}
	}
	s.lastWarn[key] = now
	s.wmu.Unlock()
	s.log.Warn("preference misconfigured; treated as not due",
		logx.String("user", p.UserID),
		logx.String("cadence", string(c)),
		logx.Err(err),
	)
}
