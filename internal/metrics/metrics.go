// Package metrics exports scheduler activity in Prometheus format. It is
// an eventbus observer: the scheduler never calls it directly.
package metrics

import (
	"context"
	"net/http"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	"digestd/internal/mailer"
	"digestd/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "digestd"

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for pass duration histograms (in seconds)
	DurationBuckets []float64

	// RuntimeCollectors adds the Go and process collectors.
	RuntimeCollectors bool
}

// DefaultConfig returns default exporter configuration.
func DefaultConfig() Config {
	return Config{
		DurationBuckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		RuntimeCollectors: true,
	}
}

// Exporter turns scheduler and mailer events into Prometheus metrics.
type Exporter struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	items        *prometheus.CounterVec
	passes       prometheus.Counter
	passDuration prometheus.Histogram
	nextSleep    prometheus.Gauge
	lastPass     prometheus.Gauge
	fallbacks    prometheus.Counter
	errors       *prometheus.CounterVec
	mails        *prometheus.CounterVec
	mailAttempts prometheus.Counter
}

// New creates the exporter. bus may be nil; when set its drop counter is
// exported as well.
func New(cfg Config, bus eventbus.Bus) *Exporter {
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = DefaultConfig().DurationBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "runs_total",
			Help:      "Digest fire decisions by cadence, status and trigger",
		},
		[]string{"cadence", "status", "trigger"},
	)
	e.items = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "items_total",
			Help:      "Items included in sent digests by category",
		},
		[]string{"category"},
	)
	e.passes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "passes_total",
		Help:      "Completed evaluation passes",
	})
	e.passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "pass_duration_seconds",
		Help:      "Evaluation pass duration in seconds",
		Buckets:   cfg.DurationBuckets,
	})
	e.nextSleep = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "next_sleep_seconds",
		Help:      "Sleep planned after the last pass",
	})
	e.lastPass = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix time the last pass started",
	})
	e.fallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "fallback_plans_total",
		Help:      "Passes that could not list preferences and used the retry interval",
	})
	e.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Scheduler errors outside the run history, by operation",
		},
		[]string{"op"},
	)

	e.mails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailer",
			Name:      "deliveries_total",
			Help:      "Delivery outcomes after retries",
		},
		[]string{"result"},
	)
	e.mailAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mailer",
		Name:      "send_attempts_total",
		Help:      "Transport send attempts including retries",
	})

	registry.MustRegister(
		e.runs,
		e.items,
		e.passes,
		e.passDuration,
		e.nextSleep,
		e.lastPass,
		e.fallbacks,
		e.errors,
		e.mails,
		e.mailAttempts,
	)
	if bus != nil {
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was full",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	if cfg.RuntimeCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return e
}

// Observe consumes events until ctx is done or the subscription closes.
func (e *Exporter) Observe(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256, "digest.", "mailer.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.Handle(ev)
		}
	}
}

// Handle applies one event.
func (e *Exporter) Handle(ev eventbus.Event) {
	switch ev.Type {
	case scheduler.EventRun:
		rec, ok := ev.Data.(digest.RunRecord)
		if !ok {
			return
		}
		e.runs.WithLabelValues(string(rec.Cadence), string(rec.Status), string(rec.Trigger)).Inc()
		if rec.Status == digest.StatusSent {
			for cat, n := range rec.ItemCounts {
				if n > 0 {
					e.items.WithLabelValues(string(cat)).Add(float64(n))
				}
			}
		}
	case scheduler.EventPassComplete:
		rep, ok := ev.Data.(scheduler.PassReport)
		if !ok {
			return
		}
		e.passes.Inc()
		e.passDuration.Observe(rep.Duration.Seconds())
		e.nextSleep.Set(rep.NextSleep.Seconds())
		e.lastPass.Set(float64(rep.StartedAt.UnixNano()) / float64(time.Second))
		if rep.Fallback {
			e.fallbacks.Inc()
		}
	case scheduler.EventError:
		ee, ok := ev.Data.(scheduler.ErrorEvent)
		if !ok {
			return
		}
		e.errors.WithLabelValues(ee.Op).Inc()
	case mailer.EventSent, mailer.EventFailed:
		de, ok := ev.Data.(mailer.DeliveryEvent)
		if !ok {
			return
		}
		result := "sent"
		if ev.Type == mailer.EventFailed {
			result = "failed"
		}
		e.mails.WithLabelValues(result).Inc()
		e.mailAttempts.Add(float64(de.Attempts))
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
