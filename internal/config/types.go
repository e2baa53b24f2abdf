package config

// Config is the digestd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets can be given inline or through *_env keys naming an environment
// variable; the env form wins when both are set.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Storage       StorageConfig       `json:"storage"`
	Mailer        MailerConfig        `json:"mailer"`
	Gatherer      GathererConfig      `json:"gatherer,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts mirrors warn/error lines to stderr at a bounded rate.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the digest run coordinator.
//
// Defaults (when fields are omitted/empty):
//   - min_interval: "5m"
//   - max_interval: "1h"
//   - immediate_interval: "15m"
//   - due_window: "15m"
//   - immediate_cooldown: "1h"
//   - call_timeout: "30s"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	StartDelay        string `json:"start_delay,omitempty"`
	MinInterval       string `json:"min_interval,omitempty"`
	MaxInterval       string `json:"max_interval,omitempty"`
	ImmediateInterval string `json:"immediate_interval,omitempty"`
	DueWindow         string `json:"due_window,omitempty"`
	ImmediateCooldown string `json:"immediate_cooldown,omitempty"`
	CallTimeout       string `json:"call_timeout,omitempty"`

	// BaseURL prefixes deep links in digests (e.g. "https://crm.example.com").
	BaseURL string `json:"base_url"`
}

// StorageConfig selects the preference store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./digestd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`     // postgres (do not log)
	DSNEnv       string `json:"dsn_env,omitempty"` // env var holding the DSN
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// MailerConfig controls digest delivery.
type MailerConfig struct {
	Transport   string `json:"transport"` // "smtp" (default) or "log"
	SMTPHost    string `json:"smtp_host,omitempty"`
	SMTPPort    int    `json:"smtp_port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	PasswordEnv string `json:"password_env,omitempty"`
	FromEmail   string `json:"from_email,omitempty"`
	FromName    string `json:"from_name,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	UseTLS      bool   `json:"use_tls,omitempty"`
	UseSSL      bool   `json:"use_ssl,omitempty"`

	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	Circuit CircuitConfig `json:"circuit,omitempty"`
}

// CircuitConfig tunes the per-domain delivery breaker. trip_failures < 0
// disables it.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

type GathererConfig struct {
	MaxItemsPerCategory int `json:"max_items_per_category,omitempty"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics,omitempty"`
	HTTP    HTTPConfig    `json:"http,omitempty"`
}

type MetricsConfig struct {
	// RuntimeCollectors adds Go and process metrics.
	RuntimeCollectors bool `json:"runtime_collectors,omitempty"`
}

// HTTPConfig controls the ops server (/healthz, /metrics, /stats, /trigger).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	TokenEnv      string `json:"token_env,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
