package config

import (
	"sort"
	"strings"

	logx "digestd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (passwords, DSNs, tokens) are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.min_interval", strings.TrimSpace(s.MinInterval)),
			logx.String("scheduler.max_interval", strings.TrimSpace(s.MaxInterval)),
			logx.String("scheduler.immediate_interval", strings.TrimSpace(s.ImmediateInterval)),
			logx.String("scheduler.due_window", strings.TrimSpace(s.DueWindow)),
			logx.String("scheduler.base_url", strings.TrimSpace(s.BaseURL)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		s := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(s.DSN) != "" || strings.TrimSpace(s.DSNEnv) != ""),
		)
	}

	if oldCfg.Mailer != newCfg.Mailer {
		m := newCfg.Mailer
		changed = append(changed, "mailer")
		attrs = append(attrs,
			logx.String("mailer.transport", strings.TrimSpace(m.Transport)),
			logx.String("mailer.smtp_host", strings.TrimSpace(m.SMTPHost)),
			logx.Int("mailer.smtp_port", m.SMTPPort),
			logx.Bool("mailer.password_set", m.Password != "" || m.PasswordEnv != ""),
			logx.Int("mailer.rate_per_sec", m.RatePerSec),
			logx.Int("mailer.retry_max", m.RetryMax),
			logx.Int("mailer.circuit.trip_failures", m.Circuit.TripFailures),
		)
	}

	if oldCfg.Gatherer != newCfg.Gatherer {
		changed = append(changed, "gatherer")
		attrs = append(attrs, logx.Int("gatherer.max_items_per_category", newCfg.Gatherer.MaxItemsPerCategory))
	}

	if oldCfg.Observability != newCfg.Observability {
		h := newCfg.Observability.HTTP
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.http.enabled", h.Enabled),
			logx.String("observability.http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("observability.http.token_set", h.Token != "" || h.TokenEnv != ""),
			logx.Bool("observability.http.pprof", h.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "gatherer":
			out = append(out, s)
		}
	}
	return out
}
