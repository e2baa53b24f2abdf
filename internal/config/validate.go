package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate rejects configs the services cannot apply. It runs on load and
// before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := validateMailer(cfg.Mailer); err != nil {
		return err
	}
	if cfg.Gatherer.MaxItemsPerCategory < 0 {
		return fmt.Errorf("gatherer.max_items_per_category must be >= 0")
	}
	return validateHTTP(cfg.Observability.HTTP)
}

func validateScheduler(s SchedulerConfig) error {
	fields := []struct{ path, raw string }{
		{"scheduler.start_delay", s.StartDelay},
		{"scheduler.min_interval", s.MinInterval},
		{"scheduler.max_interval", s.MaxInterval},
		{"scheduler.immediate_interval", s.ImmediateInterval},
		{"scheduler.due_window", s.DueWindow},
		{"scheduler.immediate_cooldown", s.ImmediateCooldown},
		{"scheduler.call_timeout", s.CallTimeout},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	minI, _ := ParseDurationField("scheduler.min_interval", s.MinInterval)
	maxI, _ := ParseDurationField("scheduler.max_interval", s.MaxInterval)
	if minI > 0 && maxI > 0 && minI > maxI {
		return fmt.Errorf("scheduler.min_interval (%s) must be <= scheduler.max_interval (%s)", minI, maxI)
	}
	if raw := strings.TrimSpace(s.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("scheduler.base_url: invalid absolute URL %q", raw)
		}
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "memory":
	case "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(s.DSN) == "" && strings.TrimSpace(s.DSNEnv) == "" {
			return fmt.Errorf("storage.dsn or storage.dsn_env is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", s.Driver)
	}
	if s.MaxOpenConns < 0 {
		return fmt.Errorf("storage.max_open_conns must be >= 0")
	}
	_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return err
}

func validateMailer(m MailerConfig) error {
	if m.RatePerSec < 0 {
		return fmt.Errorf("mailer.rate_per_sec must be >= 0")
	}
	if m.RetryMax < 0 {
		return fmt.Errorf("mailer.retry_max must be >= 0")
	}
	fields := []struct{ path, raw string }{
		{"mailer.retry_base", m.RetryBase},
		{"mailer.retry_max_delay", m.RetryMaxDelay},
		{"mailer.send_timeout", m.SendTimeout},
		{"mailer.circuit.base_delay", m.Circuit.BaseDelay},
		{"mailer.circuit.max_delay", m.Circuit.MaxDelay},
		{"mailer.circuit.reset_after", m.Circuit.ResetAfter},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	// Transport-level checks (host, port, sender) live with the mailer.
	return nil
}

func validateHTTP(h HTTPConfig) error {
	for _, f := range []struct{ path, raw string }{
		{"observability.http.read_timeout", h.ReadTimeout},
		{"observability.http.write_timeout", h.WriteTimeout},
		{"observability.http.idle_timeout", h.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
