package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"digestd/internal/config"
	"digestd/internal/gatherer"
	"digestd/internal/mailer"
	"digestd/internal/metrics"
	"digestd/internal/observability/httpserver"
	"digestd/internal/scheduler"
	"digestd/internal/storage"
	logx "digestd/pkg/logx"
)

// lookupEnv resolves *_env secret references; swapped in tests.
var lookupEnv = os.Getenv

// secret prefers the env var named by envKey over the inline value.
func secret(inline, envKey string) string {
	if k := strings.TrimSpace(envKey); k != "" {
		if v := lookupEnv(k); v != "" {
			return v
		}
	}
	return inline
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	// Zero durations fall back to the digest package defaults.
	return scheduler.Config{
		Enabled:           s.Enabled,
		StartDelay:        config.DurationOr("scheduler.start_delay", s.StartDelay, 0),
		MinInterval:       config.DurationOr("scheduler.min_interval", s.MinInterval, 0),
		MaxInterval:       config.DurationOr("scheduler.max_interval", s.MaxInterval, 0),
		ImmediateInterval: config.DurationOr("scheduler.immediate_interval", s.ImmediateInterval, 0),
		DueWindow:         config.DurationOr("scheduler.due_window", s.DueWindow, 0),
		ImmediateCooldown: config.DurationOr("scheduler.immediate_cooldown", s.ImmediateCooldown, 0),
		CallTimeout:       config.DurationOr("scheduler.call_timeout", s.CallTimeout, scheduler.DefaultCallTimeout),
		BaseURL:           strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"),
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          secret(sc.DSN, sc.DSNEnv),
		MaxOpenConns: sc.MaxOpenConns,
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out.BusyTimeout = busy
	if (driver == "postgres" || driver == "postgresql") && out.DSN == "" {
		return storage.Config{}, fmt.Errorf("storage: postgres DSN is empty (check %s)", sc.DSNEnv)
	}
	return out, nil
}

func mapMailer(cfg *config.Config) mailer.Config {
	m := cfg.Mailer
	return mailer.Config{
		Transport:           m.Transport,
		SMTPHost:            strings.TrimSpace(m.SMTPHost),
		SMTPPort:            m.SMTPPort,
		SMTPUsername:        m.Username,
		SMTPPassword:        secret(m.Password, m.PasswordEnv),
		FromEmail:           strings.TrimSpace(m.FromEmail),
		FromName:            m.FromName,
		UseTLS:              m.UseTLS,
		UseSSL:              m.UseSSL,
		ProductName:         m.ProductName,
		RatePerSec:          m.RatePerSec,
		RetryMax:            m.RetryMax,
		RetryBase:           config.DurationOr("mailer.retry_base", m.RetryBase, 0),
		RetryMaxDelay:       config.DurationOr("mailer.retry_max_delay", m.RetryMaxDelay, 0),
		SendTimeout:         config.DurationOr("mailer.send_timeout", m.SendTimeout, 0),
		CircuitTripFailures: m.Circuit.TripFailures,
		CircuitBaseDelay:    config.DurationOr("mailer.circuit.base_delay", m.Circuit.BaseDelay, 0),
		CircuitMaxDelay:     config.DurationOr("mailer.circuit.max_delay", m.Circuit.MaxDelay, 0),
		CircuitResetAfter:   config.DurationOr("mailer.circuit.reset_after", m.Circuit.ResetAfter, 0),
	}
}

func mapGatherer(cfg *config.Config) gatherer.Config {
	return gatherer.Config{MaxItemsPerCategory: cfg.Gatherer.MaxItemsPerCategory}
}

func mapMetrics(cfg *config.Config) metrics.Config {
	mc := metrics.DefaultConfig()
	mc.RuntimeCollectors = cfg.Observability.Metrics.RuntimeCollectors
	return mc
}

func mapHTTP(cfg *config.Config) httpserver.Config {
	h := cfg.Observability.HTTP
	return httpserver.Config{
		Enabled:              h.Enabled,
		Addr:                 strings.TrimSpace(h.Addr),
		Token:                secret(h.Token, h.TokenEnv),
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		PprofPrefix:          h.PprofPrefix,
		ReadTimeout:          config.DurationOr("observability.http.read_timeout", h.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.DurationOr("observability.http.write_timeout", h.WriteTimeout, 0),
		IdleTimeout:          config.DurationOr("observability.http.idle_timeout", h.IdleTimeout, time.Minute),
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
		MemProfileRate:       h.MemProfileRate,
	}
}
