package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	logx "digestd/pkg/logx"
)

var (
	ErrPassInProgress = errors.New("digest pass already in progress")
	ErrStopped        = errors.New("digest scheduler stopped")
)

// Event types published on the bus.
const (
	EventRun          = "digest.run"
	EventPassComplete = "digest.pass_complete"
	EventError        = "digest.error"
)

const DefaultCallTimeout = 30 * time.Second

// Config controls the run coordinator. Zero durations fall back to the
// digest package defaults.
type Config struct {
	Enabled bool
	// StartDelay delays the first pass after Start; 0 runs it immediately.
	StartDelay time.Duration

	MinInterval       time.Duration
	MaxInterval       time.Duration
	ImmediateInterval time.Duration
	DueWindow         time.Duration
	ImmediateCooldown time.Duration

	// CallTimeout bounds every store, gatherer and transport call.
	CallTimeout time.Duration
	// BaseURL is handed to the deliverer for deep links.
	BaseURL string
}

// PlanPolicy maps the config onto the planner and evaluator tolerances.
func (c Config) PlanPolicy() digest.PlanPolicy {
	return digest.PlanPolicy{
		Min:               c.MinInterval,
		Max:               c.MaxInterval,
		ImmediateInterval: c.ImmediateInterval,
		Due: digest.Policy{
			Window:            c.DueWindow,
			ImmediateCooldown: c.ImmediateCooldown,
		},
	}
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return c.CallTimeout
}

// Store is the part of the preference store the coordinator needs.
type Store interface {
	ActivePreferences(ctx context.Context, c digest.Cadence) ([]digest.Preference, error)
	ListActive(ctx context.Context) ([]digest.Preference, error)
	GetPreference(ctx context.Context, userID string) (digest.Preference, error)
	UpdatePreference(ctx context.Context, userID string, u digest.PreferenceUpdate) error
	AppendHistory(ctx context.Context, r digest.RunRecord) error
}

// Gatherer builds the content bundle for one user and cadence.
type Gatherer interface {
	Gather(ctx context.Context, req digest.GatherRequest) (digest.ContentBundle, error)
}

// Deliverer renders and sends a bundle.
type Deliverer interface {
	Deliver(ctx context.Context, email string, b digest.ContentBundle, baseURL string) (digest.Receipt, error)
}

type Deps struct {
	Store     Store
	Gatherer  Gatherer
	Deliverer Deliverer
}

// Stats is a process-lifetime snapshot; nothing here is persisted.
type Stats struct {
	LastRun           time.Time     `json:"last_run"`
	TotalRuns         int64         `json:"total_runs"`
	TotalSent         int64         `json:"total_sent"`
	TotalSkipped      int64         `json:"total_skipped"`
	TotalErrors       int64         `json:"total_errors"`
	NextRunTime       time.Time     `json:"next_run_time"`
	NextSleep         time.Duration `json:"next_sleep"`
	LastDuration      time.Duration `json:"last_duration"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	IsRunning         bool          `json:"is_running"`
}

// PassReport summarizes one evaluation pass.
type PassReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Evaluated int           `json:"evaluated"`
	NotDue    int           `json:"not_due"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
	NextSleep time.Duration `json:"next_sleep"`
	// Fallback is set when the plan used the retry interval because the
	// population could not be listed.
	Fallback bool `json:"fallback"`
}

// RunResult is the synchronous outcome of TriggerForUser.
type RunResult struct {
	RunID      string                  `json:"run_id"`
	UserID     string                  `json:"user_id"`
	Cadence    digest.Cadence          `json:"cadence"`
	Status     digest.RunStatus        `json:"status"`
	ItemCounts map[digest.Category]int `json:"item_counts,omitempty"`
	Subject    string                  `json:"subject,omitempty"`
	MessageID  string                  `json:"message_id,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// ErrorEvent is published for failures that do not show up in the run
// history (enumeration, bookkeeping).
type ErrorEvent struct {
	Op      string         `json:"op"`
	UserID  string         `json:"user_id,omitempty"`
	Cadence digest.Cadence `json:"cadence,omitempty"`
	Error   string         `json:"error"`
	At      time.Time      `json:"at"`
}

type Option func(*Service)

// WithClock overrides the wall clock used for due evaluation and records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the run coordinator: it owns the self-rearming timer, the
// single-pass guard and the stats.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	cfg     Config
	timer   *time.Timer
	started bool
	stopped bool

	running atomic.Bool
	passes  sync.WaitGroup

	smu   sync.Mutex
	stats Stats

	// Config warnings are throttled per user and cadence.
	wmu      sync.Mutex
	lastWarn map[string]time.Time
	warnNow  func() time.Time
}
