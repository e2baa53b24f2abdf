package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	"digestd/internal/mailer"
	"digestd/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RuntimeCollectors = false
	return cfg
}

func TestHandleRunEvents(t *testing.T) {
	e := New(testConfig(), nil)

	e.Handle(eventbus.Event{Type: scheduler.EventRun, Data: digest.RunRecord{
		Cadence: digest.CadenceDaily, Status: digest.StatusSent, Trigger: digest.TriggerScheduled,
		ItemCounts: map[digest.Category]int{digest.CategoryFollowups: 3, digest.CategoryWins: 0},
	}})
	e.Handle(eventbus.Event{Type: scheduler.EventRun, Data: digest.RunRecord{
		Cadence: digest.CadenceImmediate, Status: digest.StatusSkippedThreshold, Trigger: digest.TriggerScheduled,
		ItemCounts: map[digest.Category]int{digest.CategoryFollowups: 2},
	}})

	assert.Equal(t, 1.0, testutil.ToFloat64(e.runs.WithLabelValues("daily", "sent", "scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.runs.WithLabelValues("immediate", "skipped_threshold", "scheduled")))
	// Only sent digests count items.
	assert.Equal(t, 3.0, testutil.ToFloat64(e.items.WithLabelValues("followups")))
}

func TestHandlePassAndErrorEvents(t *testing.T) {
	e := New(testConfig(), nil)

	e.Handle(eventbus.Event{Type: scheduler.EventPassComplete, Data: scheduler.PassReport{
		StartedAt: time.Unix(1700000000, 0), Duration: 250 * time.Millisecond, NextSleep: 5 * time.Minute, Fallback: true,
	}})
	e.Handle(eventbus.Event{Type: scheduler.EventError, Data: scheduler.ErrorEvent{Op: "list_preferences"}})
	e.Handle(eventbus.Event{Type: "unrelated", Data: 42})

	assert.Equal(t, 1.0, testutil.ToFloat64(e.passes))
	assert.Equal(t, 300.0, testutil.ToFloat64(e.nextSleep))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(e.lastPass))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.fallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.errors.WithLabelValues("list_preferences")))
}

func TestHandleMailerEvents(t *testing.T) {
	e := New(testConfig(), nil)

	e.Handle(eventbus.Event{Type: mailer.EventSent, Data: mailer.DeliveryEvent{Attempts: 2}})
	e.Handle(eventbus.Event{Type: mailer.EventFailed, Data: mailer.DeliveryEvent{Attempts: 3}})

	assert.Equal(t, 1.0, testutil.ToFloat64(e.mails.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.mails.WithLabelValues("failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(e.mailAttempts))
}

func TestObserveConsumesBus(t *testing.T) {
	bus := eventbus.New()
	e := New(testConfig(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Observe(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: scheduler.EventError, Data: scheduler.ErrorEvent{Op: "plan"}})
		return testutil.ToFloat64(e.errors.WithLabelValues("plan")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestHandlerServesMetrics(t *testing.T) {
	e := New(testConfig(), eventbus.New())
	e.Handle(eventbus.Event{Type: scheduler.EventRun, Data: digest.RunRecord{
		Cadence: digest.CadenceWeekly, Status: digest.StatusSent, Trigger: digest.TriggerManual,
	}})

	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "digestd_digest_runs_total")
	assert.Contains(t, body, "digestd_scheduler_passes_total")
	assert.Contains(t, body, "digestd_eventbus_dropped_total")
}
