package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"digestd/internal/digest"
	logx "digestd/pkg/logx"

	"github.com/google/uuid"
)

// RunPass runs one evaluation pass over every cadence and returns the plan
// for the next one. It returns ErrPassInProgress without touching anything
// when another pass or manual trigger holds the guard.
//
// The pass is detached from ctx cancellation: once started it runs to
// completion so no history write is left half-done. Each external call is
// bounded by CallTimeout instead.
func (s *Service) RunPass(ctx context.Context) (PassReport, error) {
	if err := s.beginPass(); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			s.log.Debug("pass skipped: another pass in progress")
		}
		return PassReport{}, err
	}
	defer s.endPass()

	ctx = context.WithoutCancel(ctx)
	cfg := s.config()
	pol := cfg.PlanPolicy()
	rep := PassReport{StartedAt: s.now().UTC()}
	began := time.Now()

	fallback := false
	for _, c := range digest.Cadences {
		prefs, err := s.activePreferences(ctx, cfg, c)
		if err != nil {
			fallback = true
			rep.Errors++
			s.log.Error("list preferences failed; cadence aborted", logx.String("cadence", string(c)), logx.Err(err))
			s.publishError("list_preferences", "", c, err)
			continue
		}
		for _, p := range prefs {
			rep.Evaluated++
			due, err := digest.Evaluate(p, c, s.now().UTC(), pol.Due)
			if err != nil {
				s.warnConfig(p, c, err)
			}
			if !due {
				rep.NotDue++
				continue
			}
			rec, bookkeeping, _ := s.fire(ctx, cfg, p, c, digest.TriggerScheduled)
			rep.Errors += bookkeeping
			switch rec.Status {
			case digest.StatusSent:
				rep.Sent++
			case digest.StatusFailed:
				rep.Failed++
			default:
				rep.Skipped++
			}
		}
	}

	rep.Fallback = fallback
	rep.NextSleep = s.plan(ctx, cfg, pol, &rep)
	rep.Duration = time.Since(began)

	s.recordPass(rep)
	s.publish(EventPassComplete, rep)
	s.log.Info("pass complete",
		logx.Int("evaluated", rep.Evaluated),
		logx.Int("sent", rep.Sent),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Duration),
		logx.Duration("next_sleep", rep.NextSleep),
	)
	return rep, nil
}

func (s *Service) plan(ctx context.Context, cfg Config, pol digest.PlanPolicy, rep *PassReport) time.Duration {
	if rep.Fallback {
		return digest.PlanFallback(pol)
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	defer cancel()
	prefs, err := s.deps.Store.ListActive(cctx)
	if err != nil {
		rep.Fallback = true
		rep.Errors++
		s.log.Error("list active preferences failed; using fallback plan", logx.Err(err))
		s.publishError("plan", "", "", err)
		return digest.PlanFallback(pol)
	}
	return digest.NextSleep(prefs, s.now().UTC(), pol)
}

func (s *Service) activePreferences(ctx context.Context, cfg Config, c digest.Cadence) ([]digest.Preference, error) {
	cctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	defer cancel()
	return s.deps.Store.ActivePreferences(cctx, c)
}

// TriggerForUser sends cadence c (daily when empty) to one user right now.
// Window and idempotency checks are bypassed; content gating and recording
// are not. A failed delivery is returned as both a failed result and an
// error.
func (s *Service) TriggerForUser(ctx context.Context, userID string, c digest.Cadence) (RunResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RunResult{}, errors.New("user id is required")
	}
	if c == "" {
		c = digest.CadenceDaily
	}
	if _, err := digest.ParseCadence(string(c)); err != nil {
		return RunResult{}, err
	}
	if err := s.beginPass(); err != nil {
		return RunResult{}, err
	}
	defer s.endPass()

	// A caller that goes away after the send must not lose the record.
	ctx = context.WithoutCancel(ctx)
	cfg := s.config()
	cctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	p, err := s.deps.Store.GetPreference(cctx, userID)
	cancel()
	if err != nil {
		return RunResult{}, fmt.Errorf("load preference %s: %w", userID, err)
	}

	rec, bookkeeping, sendErr := s.fire(ctx, cfg, p, c, digest.TriggerManual)
	s.recordManual(rec.Status, bookkeeping)
	s.log.Info("manual trigger",
		logx.String("user", userID),
		logx.String("cadence", string(c)),
		logx.String("status", string(rec.Status)),
	)

	res := RunResult{
		RunID:      rec.ID,
		UserID:     rec.UserID,
		Cadence:    rec.Cadence,
		Status:     rec.Status,
		ItemCounts: rec.ItemCounts,
		Subject:    rec.SubjectLine,
		MessageID:  rec.ProviderMessageID,
		Error:      rec.Error,
	}
	return res, sendErr
}

// fire runs gather, gate, deliver and record for one user. It returns the
// written record, the number of bookkeeping failures (history or preference
// writes) and the cause of a failed status.
func (s *Service) fire(ctx context.Context, cfg Config, p digest.Preference, c digest.Cadence, trig digest.Trigger) (digest.RunRecord, int, error) {
	log := s.log.With(logx.String("user", p.UserID), logx.String("cadence", string(c)))
	rec := digest.RunRecord{
		ID:      uuid.NewString(),
		UserID:  p.UserID,
		Cadence: c,
		Trigger: trig,
	}

	cause := s.deliver(ctx, cfg, p, c, &rec)
	if cause != nil {
		rec.Status = digest.StatusFailed
		rec.Error = cause.Error()
		log.Warn("digest failed", logx.Err(cause))
	}
	rec.SentAt = s.now().UTC()

	bookkeeping := 0
	hctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	err := s.deps.Store.AppendHistory(hctx, rec)
	cancel()
	if err != nil {
		bookkeeping++
		log.Error("append history failed", logx.String("run", rec.ID), logx.Err(err))
		s.publishError("append_history", p.UserID, c, err)
	}

	if rec.Status == digest.StatusSent {
		sentAt := rec.SentAt
		uctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
		err := s.deps.Store.UpdatePreference(uctx, p.UserID, digest.PreferenceUpdate{
			Cadence:        c,
			LastSentAt:     &sentAt,
			TotalSentDelta: 1,
		})
		cancel()
		if err != nil {
			// The digest went out; the next pass may send it again.
			bookkeeping++
			log.Error("update preference after send failed", logx.Err(err))
			s.publishError("update_preference", p.UserID, c, err)
		}
	}

	s.publish(EventRun, rec)
	log.Debug("digest run recorded", logx.String("status", string(rec.Status)), logx.String("run", rec.ID))
	return rec, bookkeeping, cause
}

// deliver fills rec with the gating outcome and returns the failure cause,
// if any. Panics in collaborators are turned into failures.
func (s *Service) deliver(ctx context.Context, cfg Config, p digest.Preference, c digest.Cadence, rec *digest.RunRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	bundle, err := s.gather(ctx, cfg, digest.GatherRequest{
		UserID:     p.UserID,
		Timezone:   p.Timezone,
		Categories: p.Categories,
		Cadence:    c,
		Now:        s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	bundle.Cadence = c
	if bundle.UserID == "" {
		bundle.UserID = p.UserID
	}
	if bundle.Timezone == "" {
		bundle.Timezone = p.Timezone
	}
	rec.ItemCounts = bundle.ItemCounts

	total := bundle.Total()
	if total == 0 {
		rec.Status = digest.StatusSkippedEmpty
		return nil
	}
	if c == digest.CadenceImmediate && total < p.Threshold() {
		rec.Status = digest.StatusSkippedThreshold
		return nil
	}

	receipt, err := s.send(ctx, cfg, p.Email, bundle)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	rec.Status = digest.StatusSent
	rec.SubjectLine = receipt.Subject
	rec.ProviderMessageID = receipt.MessageID
	return nil
}

func (s *Service) gather(ctx context.Context, cfg Config, req digest.GatherRequest) (digest.ContentBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	defer cancel()
	return s.deps.Gatherer.Gather(ctx, req)
}

func (s *Service) send(ctx context.Context, cfg Config, email string, b digest.ContentBundle) (digest.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.callTimeout())
	defer cancel()
	return s.deps.Deliverer.Deliver(ctx, email, b, cfg.BaseURL)
}
