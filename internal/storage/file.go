package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"digestd/internal/digest"
	logx "digestd/pkg/logx"
)

// fileStore is a dependency-free persistence backend. Without paths it is a
// plain in-memory store.
//
// Files:
//   - <prefix>.prefs.snapshot.json (periodic snapshot)
//   - <prefix>.prefs.journal.jsonl (append-only journal of full records)
//   - <prefix>.history.jsonl       (append-only run history)
//
// The journal is compacted into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	prefs   map[string]digest.Preference
	history []digest.RunRecord // memory mode only

	snapshotPath string
	journalFile  *os.File
	historyPath  string
	historyFile  *os.File

	writes       int
	compactEvery int
}

// NewMemory returns a store that keeps everything in process memory.
func NewMemory() Store {
	return &fileStore{log: logx.Nop(), prefs: map[string]digest.Preference{}}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".prefs.snapshot.json"
	journalPath := prefix + ".prefs.journal.jsonl"
	historyPath := prefix + ".history.jsonl"

	prefs := map[string]digest.Preference{}
	if err := loadPrefSnapshot(snapPath, prefs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("preference snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayPrefJournal(journalPath, prefs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("preference journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = hf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		prefs:        prefs,
		snapshotPath: snapPath,
		journalFile:  jf,
		historyPath:  historyPath,
		historyFile:  hf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) persistent() bool { return s.journalFile != nil }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.persistent() {
		return nil
	}
	errCompact := s.compactLocked()
	err1 := s.historyFile.Close()
	err2 := s.journalFile.Close()
	s.historyFile, s.journalFile = nil, nil
	return errors.Join(errCompact, err1, err2)
}

func (s *fileStore) ActivePreferences(ctx context.Context, c digest.Cadence) ([]digest.Preference, error) {
	_ = ctx
	return s.list(func(p digest.Preference) bool { return p.Settings(c).Enabled })
}

func (s *fileStore) ListActive(ctx context.Context) ([]digest.Preference, error) {
	_ = ctx
	return s.list(digest.Preference.AnyEnabled)
}

func (s *fileStore) list(keep func(digest.Preference) bool) ([]digest.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]digest.Preference, 0, len(s.prefs))
	for _, p := range s.prefs {
		if keep(p) {
			out = append(out, clonePreference(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fileStore) GetPreference(ctx context.Context, userID string) (digest.Preference, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return digest.Preference{}, ErrClosed
	}
	p, ok := s.prefs[strings.TrimSpace(userID)]
	if !ok {
		return digest.Preference{}, ErrNotFound
	}
	return clonePreference(p), nil
}

func (s *fileStore) SavePreference(ctx context.Context, p digest.Preference) error {
	_ = ctx
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return errors.New("preference user_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p = clonePreference(p)
	s.prefs[p.UserID] = p
	return s.journalLocked(p)
}

func (s *fileStore) UpdatePreference(ctx context.Context, userID string, u digest.PreferenceUpdate) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.prefs[strings.TrimSpace(userID)]
	if !ok {
		return ErrNotFound
	}
	if u.LastSentAt != nil {
		p.SetLastSent(u.Cadence, u.LastSentAt.UTC())
	}
	p.TotalSent += u.TotalSentDelta
	s.prefs[p.UserID] = p
	return s.journalLocked(p)
}

func (s *fileStore) AppendHistory(ctx context.Context, r digest.RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now().UTC()
	}
	if !s.persistent() {
		s.history = append(s.history, r)
		return nil
	}
	return json.NewEncoder(s.historyFile).Encode(r)
}

func (s *fileStore) History(ctx context.Context, userID string, limit int) ([]digest.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var all []digest.RunRecord
	if s.persistent() {
		var err error
		if all, err = readHistory(s.historyPath, userID); err != nil {
			return nil, err
		}
	} else {
		for _, r := range s.history {
			if r.UserID == userID {
				all = append(all, r)
			}
		}
	}

	out := make([]digest.RunRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) journalLocked(p digest.Preference) error {
	if !s.persistent() {
		return nil
	}
	if err := json.NewEncoder(s.journalFile).Encode(p); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("preference compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.prefs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadPrefSnapshot(path string, out map[string]digest.Preference) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]digest.Preference
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayPrefJournal(path string, out map[string]digest.Preference) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var p digest.Preference
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			continue
		}
		if p.UserID == "" {
			continue
		}
		out[p.UserID] = p
	}
	return sc.Err()
}

func readHistory(path, userID string) ([]digest.RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []digest.RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r digest.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, sc.Err()
}

func clonePreference(p digest.Preference) digest.Preference {
	p.Daily.LastSentAt = cloneTime(p.Daily.LastSentAt)
	p.Weekly.LastSentAt = cloneTime(p.Weekly.LastSentAt)
	p.Immediate.LastSentAt = cloneTime(p.Immediate.LastSentAt)
	p.PausedUntil = cloneTime(p.PausedUntil)
	return p
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
