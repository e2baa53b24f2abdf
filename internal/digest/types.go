package digest

import (
	"strings"
	"time"
)

// Cadence is one of the independent delivery tiers a user can enable.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceImmediate Cadence = "immediate"
)

// Cadences lists the tiers in the order a scheduled pass processes them.
var Cadences = []Cadence{CadenceDaily, CadenceWeekly, CadenceImmediate}

// ParseCadence accepts the symbolic cadence names (case-insensitive).
func ParseCadence(raw string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(raw))); c {
	case CadenceDaily, CadenceWeekly, CadenceImmediate:
		return c, nil
	default:
		return "", ErrUnknownCadence
	}
}

// Clocked reports whether the cadence fires at a fixed local send time.
func (c Cadence) Clocked() bool { return c == CadenceDaily || c == CadenceWeekly }

// Category is a content section of a digest.
type Category string

const (
	CategoryAppointments Category = "appointments"
	CategoryFollowups    Category = "followups"
	CategoryStaleDeals   Category = "stale_deals"
	CategoryWins         Category = "wins"
)

// CadenceSettings holds the per-tier part of a preference.
type CadenceSettings struct {
	Enabled    bool       `json:"enabled"`
	SendTime   string     `json:"send_time,omitempty"` // "HH:MM", daily/weekly only
	SendDay    string     `json:"send_day,omitempty"`  // weekly only, "monday".."sunday"
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
}

// CategoryConfig toggles digest sections and carries the gatherer's tuning
// values. The scheduler never interprets it.
type CategoryConfig struct {
	Appointments    bool `json:"appointments"`
	Followups       bool `json:"followups"`
	StaleDeals      bool `json:"stale_deals"`
	Wins            bool `json:"wins"`
	PipelineSummary bool `json:"pipeline_summary"`

	AppointmentLookaheadHours int `json:"appointment_lookahead_hours,omitempty"`
	FollowupLookaheadDays     int `json:"followup_lookahead_days,omitempty"`
	StaleDealDays             int `json:"stale_deal_days,omitempty"`
}

// Preference is the digest configuration of one user across all cadences.
type Preference struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`

	Daily     CadenceSettings `json:"daily"`
	Weekly    CadenceSettings `json:"weekly"`
	Immediate CadenceSettings `json:"immediate"`

	ImmediateThreshold int `json:"immediate_threshold"`
	BusinessHoursStart int `json:"business_hours_start"`
	BusinessHoursEnd   int `json:"business_hours_end"`

	PausedUntil *time.Time     `json:"paused_until,omitempty"`
	Categories  CategoryConfig `json:"categories"`
	TotalSent   int64          `json:"total_sent"`
}

// DefaultPreference is the record created when a user opts in: a morning
// daily digest, everything else off.
func DefaultPreference(userID, email, tz string) Preference {
	if strings.TrimSpace(tz) == "" {
		tz = "UTC"
	}
	return Preference{
		UserID:             userID,
		Email:              email,
		Timezone:           tz,
		Daily:              CadenceSettings{Enabled: true, SendTime: "08:00"},
		Weekly:             CadenceSettings{SendTime: "08:00", SendDay: "monday"},
		Immediate:          CadenceSettings{},
		ImmediateThreshold: 5,
		BusinessHoursStart: 9,
		BusinessHoursEnd:   18,
		Categories: CategoryConfig{
			Appointments:              true,
			Followups:                 true,
			StaleDeals:                true,
			Wins:                      true,
			PipelineSummary:           true,
			AppointmentLookaheadHours: 24,
			FollowupLookaheadDays:     3,
			StaleDealDays:             14,
		},
	}
}

// Settings returns the tier settings for c.
func (p Preference) Settings(c Cadence) CadenceSettings {
	switch c {
	case CadenceDaily:
		return p.Daily
	case CadenceWeekly:
		return p.Weekly
	case CadenceImmediate:
		return p.Immediate
	default:
		return CadenceSettings{}
	}
}

// SetLastSent stores t as the last successful send for c.
func (p *Preference) SetLastSent(c Cadence, t time.Time) {
	tt := t
	switch c {
	case CadenceDaily:
		p.Daily.LastSentAt = &tt
	case CadenceWeekly:
		p.Weekly.LastSentAt = &tt
	case CadenceImmediate:
		p.Immediate.LastSentAt = &tt
	}
}

// AnyEnabled reports whether at least one cadence is on.
func (p Preference) AnyEnabled() bool {
	return p.Daily.Enabled || p.Weekly.Enabled || p.Immediate.Enabled
}

// Paused reports whether all cadences are suppressed at now.
func (p Preference) Paused(now time.Time) bool {
	return p.PausedUntil != nil && p.PausedUntil.After(now)
}

// Threshold returns the immediate item threshold, never below 1.
func (p Preference) Threshold() int {
	if p.ImmediateThreshold < 1 {
		return 1
	}
	return p.ImmediateThreshold
}

// PreferenceUpdate is the partial write the scheduler performs after a send.
type PreferenceUpdate struct {
	Cadence        Cadence
	LastSentAt     *time.Time
	TotalSentDelta int64
}

// RunStatus is the outcome of one fire decision.
type RunStatus string

const (
	StatusSent             RunStatus = "sent"
	StatusSkippedEmpty     RunStatus = "skipped_empty"
	StatusSkippedThreshold RunStatus = "skipped_threshold"
	StatusFailed           RunStatus = "failed"
)

// Trigger tells scheduled sends from ad-hoc ones in the audit trail.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// RunRecord is one append-only history row.
type RunRecord struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	Cadence           Cadence          `json:"cadence"`
	ItemCounts        map[Category]int `json:"item_counts,omitempty"`
	Status            RunStatus        `json:"status"`
	Error             string           `json:"error,omitempty"`
	SentAt            time.Time        `json:"sent_at"`
	SubjectLine       string           `json:"subject_line,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	Trigger           Trigger          `json:"trigger"`
}

// Item is one line of digest content.
type Item struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at,omitempty"`
	URL    string    `json:"url,omitempty"`
}

// PipelineSummary is informational and never counts as actionable content.
type PipelineSummary struct {
	OpenDeals  int     `json:"open_deals"`
	OpenValue  float64 `json:"open_value"`
	WonThisWk  int     `json:"won_this_week"`
	LostThisWk int     `json:"lost_this_week"`
}

// ContentBundle is what the gatherer produces for one user and cadence.
type ContentBundle struct {
	UserID       string           `json:"user_id"`
	Cadence      Cadence          `json:"cadence"`
	Timezone     string           `json:"timezone"`
	Appointments []Item           `json:"appointments,omitempty"`
	Followups    []Item           `json:"followups,omitempty"`
	StaleDeals   []Item           `json:"stale_deals,omitempty"`
	Wins         []Item           `json:"wins,omitempty"`
	Pipeline     *PipelineSummary `json:"pipeline,omitempty"`
	ItemCounts   map[Category]int `json:"item_counts"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// Total sums the actionable item counts.
func (b ContentBundle) Total() int {
	n := 0
	for _, v := range b.ItemCounts {
		if v > 0 {
			n += v
		}
	}
	return n
}

// GatherRequest is the gatherer's input.
type GatherRequest struct {
	UserID     string
	Timezone   string
	Categories CategoryConfig
	Cadence    Cadence
	Now        time.Time
}

// Receipt is what the transport reports after a successful send.
type Receipt struct {
	MessageID string
	Subject   string
}
