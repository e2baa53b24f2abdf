// Package gatherer builds digest content bundles from the CRM tables.
package gatherer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"digestd/internal/digest"
	logx "digestd/pkg/logx"
)

const (
	defaultMaxItems         = 10
	defaultAppointmentHours = 24
	defaultFollowupDays     = 3
	defaultStaleDealDays    = 14
	immediateWinsLookback   = time.Hour
	dailyWinsLookback       = 24 * time.Hour
	weeklyWinsLookback      = 7 * 24 * time.Hour
)

// Config tunes the SQL gatherer.
type Config struct {
	// MaxItemsPerCategory caps the items listed per section; 0 means 10.
	// ItemCounts always carry the full match count.
	MaxItemsPerCategory int
}

// SQL reads appointments, follow-ups and deals owned by the digest user.
type SQL struct {
	db     *sql.DB
	rebind func(string) string
	cfg    Config
	log    logx.Logger
}

// NewSQL wraps db. rebind converts "?" placeholders for the driver; nil
// leaves queries untouched.
func NewSQL(db *sql.DB, rebind func(string) string, cfg Config, log logx.Logger) *SQL {
	if rebind == nil {
		rebind = func(q string) string { return q }
	}
	if cfg.MaxItemsPerCategory <= 0 {
		cfg.MaxItemsPerCategory = defaultMaxItems
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQL{db: db, rebind: rebind, cfg: cfg, log: log}
}

// Gather collects every enabled section. A failing section fails the whole
// bundle so a partial digest is never sent.
func (g *SQL) Gather(ctx context.Context, req digest.GatherRequest) (digest.ContentBundle, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cats := req.Categories
	b := digest.ContentBundle{
		UserID:      req.UserID,
		Cadence:     req.Cadence,
		Timezone:    req.Timezone,
		GeneratedAt: now,
		ItemCounts:  map[digest.Category]int{},
	}

	if cats.Appointments {
		hours := positive(cats.AppointmentLookaheadHours, defaultAppointmentHours)
		items, total, err := g.appointments(ctx, req.UserID, now, now.Add(time.Duration(hours)*time.Hour))
		if err != nil {
			return digest.ContentBundle{}, fmt.Errorf("appointments: %w", err)
		}
		b.Appointments = items
		b.ItemCounts[digest.CategoryAppointments] = total
	}
	if cats.Followups {
		days := positive(cats.FollowupLookaheadDays, defaultFollowupDays)
		items, total, err := g.followups(ctx, req.UserID, now.AddDate(0, 0, days))
		if err != nil {
			return digest.ContentBundle{}, fmt.Errorf("followups: %w", err)
		}
		b.Followups = items
		b.ItemCounts[digest.CategoryFollowups] = total
	}
	if cats.StaleDeals {
		days := positive(cats.StaleDealDays, defaultStaleDealDays)
		items, total, err := g.staleDeals(ctx, req.UserID, now.AddDate(0, 0, -days))
		if err != nil {
			return digest.ContentBundle{}, fmt.Errorf("stale deals: %w", err)
		}
		b.StaleDeals = items
		b.ItemCounts[digest.CategoryStaleDeals] = total
	}
	if cats.Wins {
		items, total, err := g.wins(ctx, req.UserID, now.Add(-winsLookback(req.Cadence)))
		if err != nil {
			return digest.ContentBundle{}, fmt.Errorf("wins: %w", err)
		}
		b.Wins = items
		b.ItemCounts[digest.CategoryWins] = total
	}
	if cats.PipelineSummary {
		sum, err := g.pipeline(ctx, req.UserID, startOfWeek(now, req.Timezone))
		if err != nil {
			return digest.ContentBundle{}, fmt.Errorf("pipeline: %w", err)
		}
		b.Pipeline = &sum
	}

	g.log.Debug("bundle gathered",
		logx.String("user", req.UserID),
		logx.String("cadence", string(req.Cadence)),
		logx.Int("items", b.Total()),
	)
	return b, nil
}

// Each section lists at most MaxItemsPerCategory items for the message but
// reports the full match count, which is what threshold gating compares.

const (
	appointmentsWhere = `appointments WHERE owner_id = ? AND starts_at >= ? AND starts_at < ?`
	followupsWhere    = `followups WHERE owner_id = ? AND completed = 0 AND due_at < ?`
	staleDealsWhere   = `deals WHERE owner_id = ? AND stage = 'open' AND updated_at < ?`
	winsWhere         = `deals WHERE owner_id = ? AND stage = 'won' AND closed_at >= ?`
)

// total returns the number of rows matching from. listed is how many the
// capped query returned; below the cap it is already exact.
func (g *SQL) total(ctx context.Context, listed int, from string, args ...any) (int, error) {
	if listed < g.cfg.MaxItemsPerCategory {
		return listed, nil
	}
	var n int
	if err := g.db.QueryRowContext(ctx, g.rebind(`SELECT COUNT(*) FROM `+from), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (g *SQL) appointments(ctx context.Context, owner string, from, to time.Time) ([]digest.Item, int, error) {
	args := []any{owner, from.UnixMilli(), to.UnixMilli()}
	rows, err := g.db.QueryContext(ctx, g.rebind(`SELECT id, title, contact_name, location, starts_at
		FROM `+appointmentsWhere+` ORDER BY starts_at LIMIT ?`), append(args, g.cfg.MaxItemsPerCategory)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []digest.Item
	for rows.Next() {
		var (
			it                digest.Item
			contact, location string
			startsAt          int64
		)
		if err := rows.Scan(&it.ID, &it.Title, &contact, &location, &startsAt); err != nil {
			return nil, 0, err
		}
		it.At = time.UnixMilli(startsAt).UTC()
		it.Detail = joinNonEmpty(" · ", contact, location)
		it.URL = "/appointments/" + it.ID
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	n, err := g.total(ctx, len(out), appointmentsWhere, args...)
	return out, n, err
}

// followups returns open follow-ups due before until, overdue ones included.
func (g *SQL) followups(ctx context.Context, owner string, until time.Time) ([]digest.Item, int, error) {
	args := []any{owner, until.UnixMilli()}
	rows, err := g.db.QueryContext(ctx, g.rebind(`SELECT id, title, contact_name, due_at
		FROM `+followupsWhere+` ORDER BY due_at LIMIT ?`), append(args, g.cfg.MaxItemsPerCategory)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []digest.Item
	for rows.Next() {
		var (
			it    digest.Item
			dueAt int64
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Detail, &dueAt); err != nil {
			return nil, 0, err
		}
		it.At = time.UnixMilli(dueAt).UTC()
		it.URL = "/followups/" + it.ID
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	n, err := g.total(ctx, len(out), followupsWhere, args...)
	return out, n, err
}

func (g *SQL) staleDeals(ctx context.Context, owner string, before time.Time) ([]digest.Item, int, error) {
	return g.deals(ctx, staleDealsWhere, "updated_at", owner, before)
}

func (g *SQL) wins(ctx context.Context, owner string, since time.Time) ([]digest.Item, int, error) {
	return g.deals(ctx, winsWhere, "closed_at DESC", owner, since)
}

func (g *SQL) deals(ctx context.Context, from, order, owner string, at time.Time) ([]digest.Item, int, error) {
	args := []any{owner, at.UnixMilli()}
	tsCol, _, _ := strings.Cut(order, " ")
	rows, err := g.db.QueryContext(ctx, g.rebind(`SELECT id, title, value, `+tsCol+`
		FROM `+from+` ORDER BY `+order+` LIMIT ?`), append(args, g.cfg.MaxItemsPerCategory)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []digest.Item
	for rows.Next() {
		var (
			it    digest.Item
			value float64
			ts    int64
		)
		if err := rows.Scan(&it.ID, &it.Title, &value, &ts); err != nil {
			return nil, 0, err
		}
		it.At = time.UnixMilli(ts).UTC()
		it.Detail = fmt.Sprintf("%.2f", value)
		it.URL = "/deals/" + it.ID
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	n, err := g.total(ctx, len(out), from, args...)
	return out, n, err
}

func (g *SQL) pipeline(ctx context.Context, owner string, weekStart time.Time) (digest.PipelineSummary, error) {
	var sum digest.PipelineSummary
	err := g.db.QueryRowContext(ctx, g.rebind(`SELECT
			COALESCE(SUM(CASE WHEN stage = 'open' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage = 'open' THEN value ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage = 'won' AND closed_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stage = 'lost' AND closed_at >= ? THEN 1 ELSE 0 END), 0)
		FROM deals WHERE owner_id = ?`), weekStart.UnixMilli(), weekStart.UnixMilli(), owner,
	).Scan(&sum.OpenDeals, &sum.OpenValue, &sum.WonThisWk, &sum.LostThisWk)
	return sum, err
}

func winsLookback(c digest.Cadence) time.Duration {
	switch c {
	case digest.CadenceWeekly:
		return weeklyWinsLookback
	case digest.CadenceImmediate:
		return immediateWinsLookback
	default:
		return dailyWinsLookback
	}
}

// startOfWeek returns local Monday 00:00 of the week containing now.
func startOfWeek(now time.Time, tz string) time.Time {
	loc, err := digest.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	y, m, d := local.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

// Empty gathers nothing. It stands in when storage has no CRM tables, so
// every scheduled digest is recorded as skipped_empty.
type Empty struct{}

func (Empty) Gather(ctx context.Context, req digest.GatherRequest) (digest.ContentBundle, error) {
	_ = ctx
	return digest.ContentBundle{
		UserID:      req.UserID,
		Cadence:     req.Cadence,
		Timezone:    req.Timezone,
		GeneratedAt: req.Now,
		ItemCounts:  map[digest.Category]int{},
	}, nil
}
