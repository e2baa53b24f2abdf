package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"digestd/internal/digest"
	logx "digestd/pkg/logx"

	"github.com/google/uuid"
)

//go:embed migrations.sql
var migrations string

// sqlStore backs both database drivers. Queries are written with "?"
// placeholders and rebound for postgres. Timestamps are unix milliseconds.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	dollarPH bool
}

func newSQLStore(ctx context.Context, db *sql.DB, log logx.Logger, dollarPH bool) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, dollarPH: dollarPH}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqlStore) DB() *sql.DB { return s.db }

// Rebind converts "?" placeholders to the driver's syntax.
func (s *sqlStore) Rebind(query string) string {
	if !s.dollarPH {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const prefColumns = `user_id, email, timezone,
	daily_enabled, daily_send_time, daily_last_sent_at,
	weekly_enabled, weekly_send_time, weekly_send_day, weekly_last_sent_at,
	immediate_enabled, immediate_last_sent_at,
	immediate_threshold, business_hours_start, business_hours_end,
	paused_until, categories, total_sent`

func enabledColumn(c digest.Cadence) (string, error) {
	switch c {
	case digest.CadenceDaily:
		return "daily_enabled", nil
	case digest.CadenceWeekly:
		return "weekly_enabled", nil
	case digest.CadenceImmediate:
		return "immediate_enabled", nil
	default:
		return "", digest.ErrUnknownCadence
	}
}

func (s *sqlStore) ActivePreferences(ctx context.Context, c digest.Cadence) ([]digest.Preference, error) {
	col, err := enabledColumn(c)
	if err != nil {
		return nil, err
	}
	return s.queryPrefs(ctx, `SELECT `+prefColumns+` FROM digest_preferences WHERE `+col+` = 1 ORDER BY user_id`)
}

func (s *sqlStore) ListActive(ctx context.Context) ([]digest.Preference, error) {
	return s.queryPrefs(ctx, `SELECT `+prefColumns+` FROM digest_preferences
		WHERE daily_enabled = 1 OR weekly_enabled = 1 OR immediate_enabled = 1 ORDER BY user_id`)
}

func (s *sqlStore) queryPrefs(ctx context.Context, query string, args ...any) ([]digest.Preference, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []digest.Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetPreference(ctx context.Context, userID string) (digest.Preference, error) {
	row := s.db.QueryRowContext(ctx, s.Rebind(`SELECT `+prefColumns+` FROM digest_preferences WHERE user_id = ?`), strings.TrimSpace(userID))
	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.Preference{}, ErrNotFound
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPreference(sc scanner) (digest.Preference, error) {
	var (
		p                           digest.Preference
		dEn, wEn, iEn               int
		dLast, wLast, iLast, paused sql.NullInt64
		categories                  string
	)
	err := sc.Scan(
		&p.UserID, &p.Email, &p.Timezone,
		&dEn, &p.Daily.SendTime, &dLast,
		&wEn, &p.Weekly.SendTime, &p.Weekly.SendDay, &wLast,
		&iEn, &iLast,
		&p.ImmediateThreshold, &p.BusinessHoursStart, &p.BusinessHoursEnd,
		&paused, &categories, &p.TotalSent,
	)
	if err != nil {
		return digest.Preference{}, err
	}
	p.Daily.Enabled = dEn != 0
	p.Weekly.Enabled = wEn != 0
	p.Immediate.Enabled = iEn != 0
	p.Daily.LastSentAt = fromMillis(dLast)
	p.Weekly.LastSentAt = fromMillis(wLast)
	p.Immediate.LastSentAt = fromMillis(iLast)
	p.PausedUntil = fromMillis(paused)
	if strings.TrimSpace(categories) != "" {
		if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
			return digest.Preference{}, fmt.Errorf("preference %s: categories: %w", p.UserID, err)
		}
	}
	return p, nil
}

func (s *sqlStore) SavePreference(ctx context.Context, p digest.Preference) error {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return errors.New("preference user_id is required")
	}
	cats, err := json.Marshal(p.Categories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.Rebind(`INSERT INTO digest_preferences(`+prefColumns+`, updated_at)
		VALUES(?,?,?, ?,?,?, ?,?,?,?, ?,?, ?,?,?, ?,?,?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email=excluded.email, timezone=excluded.timezone,
			daily_enabled=excluded.daily_enabled, daily_send_time=excluded.daily_send_time,
			daily_last_sent_at=excluded.daily_last_sent_at,
			weekly_enabled=excluded.weekly_enabled, weekly_send_time=excluded.weekly_send_time,
			weekly_send_day=excluded.weekly_send_day, weekly_last_sent_at=excluded.weekly_last_sent_at,
			immediate_enabled=excluded.immediate_enabled, immediate_last_sent_at=excluded.immediate_last_sent_at,
			immediate_threshold=excluded.immediate_threshold,
			business_hours_start=excluded.business_hours_start, business_hours_end=excluded.business_hours_end,
			paused_until=excluded.paused_until, categories=excluded.categories,
			total_sent=excluded.total_sent, updated_at=excluded.updated_at`),
		p.UserID, p.Email, p.Timezone,
		boolInt(p.Daily.Enabled), p.Daily.SendTime, toMillis(p.Daily.LastSentAt),
		boolInt(p.Weekly.Enabled), p.Weekly.SendTime, p.Weekly.SendDay, toMillis(p.Weekly.LastSentAt),
		boolInt(p.Immediate.Enabled), toMillis(p.Immediate.LastSentAt),
		p.ImmediateThreshold, p.BusinessHoursStart, p.BusinessHoursEnd,
		toMillis(p.PausedUntil), string(cats), p.TotalSent,
		time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) UpdatePreference(ctx context.Context, userID string, u digest.PreferenceUpdate) error {
	var col string
	switch u.Cadence {
	case digest.CadenceDaily:
		col = "daily_last_sent_at"
	case digest.CadenceWeekly:
		col = "weekly_last_sent_at"
	case digest.CadenceImmediate:
		col = "immediate_last_sent_at"
	default:
		return digest.ErrUnknownCadence
	}
	set := `total_sent = total_sent + ?, updated_at = ?`
	args := []any{u.TotalSentDelta, time.Now().UnixMilli()}
	if u.LastSentAt != nil {
		set = col + ` = ?, ` + set
		args = append([]any{u.LastSentAt.UnixMilli()}, args...)
	}
	args = append(args, strings.TrimSpace(userID))

	res, err := s.db.ExecContext(ctx, s.Rebind(`UPDATE digest_preferences SET `+set+` WHERE user_id = ?`), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AppendHistory(ctx context.Context, r digest.RunRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now().UTC()
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	var counts any
	if len(r.ItemCounts) > 0 {
		b, err := json.Marshal(r.ItemCounts)
		if err != nil {
			return err
		}
		counts = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.Rebind(`INSERT INTO digest_runs(id, user_id, cadence, item_counts, status, err, sent_at, subject_line, provider_message_id, run_trigger)
		VALUES(?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.UserID, string(r.Cadence), counts, string(r.Status), nullStr(r.Error),
		r.SentAt.UnixMilli(), nullStr(r.SubjectLine), nullStr(r.ProviderMessageID), string(r.Trigger),
	)
	return err
}

func (s *sqlStore) History(ctx context.Context, userID string, limit int) ([]digest.RunRecord, error) {
	query := `SELECT id, user_id, cadence, item_counts, status, err, sent_at, subject_line, provider_message_id, run_trigger
		FROM digest_runs WHERE user_id = ? ORDER BY sent_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []digest.RunRecord
	for rows.Next() {
		var (
			r                                  digest.RunRecord
			cadence, status, trigger           string
			counts, errText, subject, provider sql.NullString
			sentAt                             int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &cadence, &counts, &status, &errText, &sentAt, &subject, &provider, &trigger); err != nil {
			return nil, err
		}
		r.Cadence = digest.Cadence(cadence)
		r.Status = digest.RunStatus(status)
		r.Trigger = digest.Trigger(trigger)
		r.Error = errText.String
		r.SubjectLine = subject.String
		r.ProviderMessageID = provider.String
		r.SentAt = time.UnixMilli(sentAt).UTC()
		if counts.Valid && counts.String != "" {
			if err := json.Unmarshal([]byte(counts.String), &r.ItemCounts); err != nil {
				s.log.Debug("run item_counts unreadable", logx.String("id", r.ID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
