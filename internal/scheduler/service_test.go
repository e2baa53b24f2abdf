package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	"digestd/internal/storage"
	logx "digestd/pkg/logx"
)

type fakeGatherer struct {
	mu      sync.Mutex
	bundles map[string]digest.ContentBundle
	fail    map[string]error
	panics  map[string]bool
	calls   int
}

func (g *fakeGatherer) Gather(ctx context.Context, req digest.GatherRequest) (digest.ContentBundle, error) {
	g.mu.Lock()
	g.calls++
	b, ok := g.bundles[req.UserID]
	err := g.fail[req.UserID]
	boom := g.panics[req.UserID]
	g.mu.Unlock()
	if boom {
		panic("gatherer exploded")
	}
	if err != nil {
		return digest.ContentBundle{}, err
	}
	if !ok {
		b = bundleWith(3)
	}
	return b, nil
}

type fakeDeliverer struct {
	mu    sync.Mutex
	fail  map[string]error
	sent  []string
	block chan struct{} // when set, Deliver waits on it
	enter chan struct{} // signalled when Deliver starts
	after func()        // runs after a successful send
}

func (d *fakeDeliverer) Deliver(ctx context.Context, email string, b digest.ContentBundle, baseURL string) (digest.Receipt, error) {
	if d.enter != nil {
		d.enter <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[email]; err != nil {
		return digest.Receipt{}, err
	}
	d.sent = append(d.sent, email)
	if d.after != nil {
		d.after()
	}
	return digest.Receipt{MessageID: "<" + b.UserID + "@test>", Subject: "Your " + string(b.Cadence) + " digest"}, nil
}

func (d *fakeDeliverer) sentTo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type failingStore struct {
	Store
	listErr error
}

func (f failingStore) ActivePreferences(ctx context.Context, c digest.Cadence) ([]digest.Preference, error) {
	return nil, f.listErr
}

func (f failingStore) ListActive(ctx context.Context) ([]digest.Preference, error) {
	return nil, f.listErr
}

// ctxStore fails writes whose context is already done, like a real driver.
type ctxStore struct {
	storage.Store
}

func (c ctxStore) AppendHistory(ctx context.Context, r digest.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.AppendHistory(ctx, r)
}

func (c ctxStore) UpdatePreference(ctx context.Context, userID string, u digest.PreferenceUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.UpdatePreference(ctx, userID, u)
}

type panicGatherer struct {
	ctx context.Context
}

func (g *panicGatherer) Gather(ctx context.Context, req digest.GatherRequest) (digest.ContentBundle, error) {
	g.ctx = ctx
	panic("gatherer exploded")
}

func bundleWith(n int) digest.ContentBundle {
	return digest.ContentBundle{ItemCounts: map[digest.Category]int{digest.CategoryFollowups: n}}
}

// 2025-05-06 09:05 UTC, a Tuesday.
var passNow = time.Date(2025, 5, 6, 9, 5, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func dueDaily(id string) digest.Preference {
	p := digest.DefaultPreference(id, id+"@example.com", "UTC")
	p.Daily = digest.CadenceSettings{Enabled: true, SendTime: "09:00"}
	return p
}

type harness struct {
	svc   *Service
	store storage.Store
	g     *fakeGatherer
	d     *fakeDeliverer
}

func newHarness(t *testing.T, prefs ...digest.Preference) *harness {
	t.Helper()
	st := storage.NewMemory()
	for _, p := range prefs {
		if err := st.SavePreference(context.Background(), p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	h := &harness{
		store: st,
		g:     &fakeGatherer{bundles: map[string]digest.ContentBundle{}, fail: map[string]error{}, panics: map[string]bool{}},
		d:     &fakeDeliverer{fail: map[string]error{}},
	}
	h.svc = New(Config{Enabled: true}, Deps{Store: st, Gatherer: h.g, Deliverer: h.d}, logx.Nop(), nil, WithClock(fixedClock(passNow)))
	return h
}

func (h *harness) history(t *testing.T, userID string) []digest.RunRecord {
	t.Helper()
	out, err := h.store.History(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return out
}

func TestRunPassSendsAndRecordsOncePerDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent=%d, want 1", rep.Sent)
	}
	hist := h.history(t, "a")
	if len(hist) != 1 || hist[0].Status != digest.StatusSent || hist[0].Trigger != digest.TriggerScheduled {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].ProviderMessageID == "" || hist[0].SubjectLine == "" {
		t.Fatalf("receipt not recorded: %+v", hist[0])
	}
	p, _ := h.store.GetPreference(context.Background(), "a")
	if p.Daily.LastSentAt == nil || !p.Daily.LastSentAt.Equal(passNow) || p.TotalSent != 1 {
		t.Fatalf("preference bookkeeping = %+v", p)
	}

	// Same window, same local day: nothing more happens.
	rep, err = h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass #2: %v", err)
	}
	if rep.Sent != 0 || rep.NotDue != 1 {
		t.Fatalf("second pass = %+v", rep)
	}
	if got := len(h.history(t, "a")); got != 1 {
		t.Fatalf("history len = %d, want 1", got)
	}
	if got := len(h.d.sentTo()); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestRunPassEmptyContentSkipsWithoutBookkeeping(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))
	h.g.bundles["a"] = bundleWith(0)

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Skipped != 1 || rep.Sent != 0 {
		t.Fatalf("report = %+v", rep)
	}
	hist := h.history(t, "a")
	if len(hist) != 1 || hist[0].Status != digest.StatusSkippedEmpty {
		t.Fatalf("history = %+v", hist)
	}
	p, _ := h.store.GetPreference(context.Background(), "a")
	if p.Daily.LastSentAt != nil || p.TotalSent != 0 {
		t.Fatalf("empty digest must not count as sent: %+v", p.Daily)
	}
	if len(h.d.sentTo()) != 0 {
		t.Fatal("transport must not be called for empty content")
	}

	// Content appears later inside the window: the user is still due.
	h.g.mu.Lock()
	h.g.bundles["a"] = bundleWith(2)
	h.g.mu.Unlock()
	rep, _ = h.svc.RunPass(context.Background())
	if rep.Sent != 1 {
		t.Fatalf("second pass sent=%d, want 1", rep.Sent)
	}
}

func TestRunPassImmediateThreshold(t *testing.T) {
	t.Parallel()
	p := digest.DefaultPreference("imm", "imm@example.com", "UTC")
	p.Daily.Enabled = false
	p.Immediate.Enabled = true
	p.ImmediateThreshold = 5
	h := newHarness(t, p)
	h.g.bundles["imm"] = bundleWith(4)

	if _, err := h.svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	hist := h.history(t, "imm")
	if len(hist) != 1 || hist[0].Status != digest.StatusSkippedThreshold {
		t.Fatalf("history = %+v", hist)
	}
	got, _ := h.store.GetPreference(context.Background(), "imm")
	if got.Immediate.LastSentAt != nil {
		t.Fatal("threshold skip must not update last sent")
	}

	h.g.mu.Lock()
	h.g.bundles["imm"] = bundleWith(5)
	h.g.mu.Unlock()
	if _, err := h.svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	hist = h.history(t, "imm")
	if hist[0].Status != digest.StatusSent {
		t.Fatalf("newest status = %s, want sent", hist[0].Status)
	}
}

func TestRunPassFailureIsolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"), dueDaily("b"))
	h.d.fail["a@example.com"] = errors.New("smtp: connection reset")

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Failed != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	ha := h.history(t, "a")
	if len(ha) != 1 || ha[0].Status != digest.StatusFailed || ha[0].Error == "" {
		t.Fatalf("history a = %+v", ha)
	}
	hb := h.history(t, "b")
	if len(hb) != 1 || hb[0].Status != digest.StatusSent {
		t.Fatalf("history b = %+v", hb)
	}
	pa, _ := h.store.GetPreference(context.Background(), "a")
	if pa.Daily.LastSentAt != nil {
		t.Fatal("failed send must leave last sent untouched")
	}
	if st := h.svc.GetStats(); st.TotalErrors != 1 || st.TotalSent != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRunPassRecoversCollaboratorPanic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"), dueDaily("b"))
	h.g.panics["a"] = true

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Failed != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if ha := h.history(t, "a"); len(ha) != 1 || ha[0].Status != digest.StatusFailed {
		t.Fatalf("history a = %+v", ha)
	}
}

func TestConfigWarningsArePruned(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	now := passNow
	h.svc.warnNow = func() time.Time { return now }
	bad := errors.New("bad timezone")

	h.svc.warnConfig(dueDaily("x"), digest.CadenceDaily, bad)
	h.svc.warnConfig(dueDaily("y"), digest.CadenceWeekly, bad)
	if got := len(h.svc.lastWarn); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	now = now.Add(configWarnEvery + time.Minute)
	h.svc.warnConfig(dueDaily("z"), digest.CadenceDaily, bad)
	if got := len(h.svc.lastWarn); got != 1 {
		t.Fatalf("entries after expiry = %d, want 1", got)
	}
	if _, ok := h.svc.lastWarn["z/daily"]; !ok {
		t.Fatalf("lastWarn = %v", h.svc.lastWarn)
	}
}

func TestRunPassSkipsMisconfiguredPreference(t *testing.T) {
	t.Parallel()
	bad := dueDaily("bad")
	bad.Timezone = "Not/AZone"
	h := newHarness(t, bad, dueDaily("ok"))

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.Sent != 1 || rep.NotDue != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.history(t, "bad")) != 0 {
		t.Fatal("misconfigured preference must not produce a record")
	}
}

func TestRunPassReentrancyGuard(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))
	h.d.block = make(chan struct{})
	h.d.enter = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.RunPass(context.Background())
		done <- err
	}()
	<-h.d.enter

	if !h.svc.GetStats().IsRunning {
		t.Fatal("IsRunning = false during pass")
	}
	if _, err := h.svc.RunPass(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("second RunPass err = %v, want ErrPassInProgress", err)
	}
	if _, err := h.svc.TriggerForUser(context.Background(), "a", digest.CadenceDaily); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("TriggerForUser err = %v, want ErrPassInProgress", err)
	}

	close(h.d.block)
	if err := <-done; err != nil {
		t.Fatalf("first RunPass: %v", err)
	}
	if got := len(h.history(t, "a")); got != 1 {
		t.Fatalf("history len = %d, want 1", got)
	}
	if st := h.svc.GetStats(); st.TotalRuns != 1 || st.IsRunning {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRunPassEnumerationFailureFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.svc.deps.Store = failingStore{Store: h.store, listErr: errors.New("db down")}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	h.svc.bus = bus

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if !rep.Fallback || rep.NextSleep != digest.DefaultMinInterval {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Errors != len(digest.Cadences) {
		t.Fatalf("errors = %d, want %d", rep.Errors, len(digest.Cadences))
	}
	if st := h.svc.GetStats(); st.TotalErrors != int64(len(digest.Cadences)) {
		t.Fatalf("stats errors = %d", st.TotalErrors)
	}

	var sawError bool
	for len(ch) > 0 {
		if e := <-ch; e.Type == EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no error event published")
	}
}

func TestRunPassPlansNextSleep(t *testing.T) {
	t.Parallel()
	later := digest.DefaultPreference("later", "later@example.com", "UTC")
	later.Daily = digest.CadenceSettings{Enabled: true, SendTime: "09:20"}
	h := newHarness(t, later)

	rep, err := h.svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if rep.NextSleep != 15*time.Minute {
		t.Fatalf("NextSleep = %v, want 15m", rep.NextSleep)
	}
}

func TestRunPassPublishesEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	h.svc.bus = bus

	if _, err := h.svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	seen := map[string]int{}
	for len(ch) > 0 {
		e := <-ch
		seen[e.Type]++
		if e.Type == EventRun {
			if rec, ok := e.Data.(digest.RunRecord); !ok || rec.UserID != "a" {
				t.Fatalf("run event data = %#v", e.Data)
			}
		}
	}
	if seen[EventRun] != 1 || seen[EventPassComplete] != 1 {
		t.Fatalf("events = %v", seen)
	}
}

func TestTriggerForUserBypassesWindow(t *testing.T) {
	t.Parallel()
	p := dueDaily("a")
	p.Daily.SendTime = "17:00" // far outside the window at passNow
	h := newHarness(t, p)

	res, err := h.svc.TriggerForUser(context.Background(), "a", "")
	if err != nil {
		t.Fatalf("TriggerForUser: %v", err)
	}
	if res.Status != digest.StatusSent || res.Cadence != digest.CadenceDaily || res.MessageID == "" {
		t.Fatalf("result = %+v", res)
	}
	hist := h.history(t, "a")
	if len(hist) != 1 || hist[0].Trigger != digest.TriggerManual {
		t.Fatalf("history = %+v", hist)
	}

	// Idempotency is bypassed too.
	if _, err := h.svc.TriggerForUser(context.Background(), "a", digest.CadenceDaily); err != nil {
		t.Fatalf("second TriggerForUser: %v", err)
	}
	if got := len(h.d.sentTo()); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
}

func TestTriggerForUserSurvivesCallerCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))
	h.svc = New(Config{Enabled: true}, Deps{Store: ctxStore{h.store}, Gatherer: h.g, Deliverer: h.d}, logx.Nop(), nil, WithClock(fixedClock(passNow)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.after = cancel

	res, err := h.svc.TriggerForUser(ctx, "a", digest.CadenceDaily)
	if err != nil || res.Status != digest.StatusSent {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not canceled by the deliverer")
	}
	if hist := h.history(t, "a"); len(hist) != 1 || hist[0].Status != digest.StatusSent {
		t.Fatalf("history = %+v", hist)
	}
	p, err := h.store.GetPreference(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if p.Daily.LastSentAt == nil || p.TotalSent != 1 {
		t.Fatalf("bookkeeping lost: last_sent=%v total=%d", p.Daily.LastSentAt, p.TotalSent)
	}
}

func TestCollaboratorPanicReleasesCallContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))
	g := &panicGatherer{}
	h.svc = New(Config{Enabled: true}, Deps{Store: h.store, Gatherer: g, Deliverer: h.d}, logx.Nop(), nil, WithClock(fixedClock(passNow)))

	res, err := h.svc.TriggerForUser(context.Background(), "a", digest.CadenceDaily)
	if err == nil || res.Status != digest.StatusFailed {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if g.ctx == nil || !errors.Is(g.ctx.Err(), context.Canceled) {
		t.Fatalf("gather context not released after panic: %v", g.ctx)
	}
}

func TestTriggerForUserKeepsGatingAndReportsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("empty"), dueDaily("broken"))
	h.g.bundles["empty"] = bundleWith(0)
	h.d.fail["broken@example.com"] = errors.New("mailbox unavailable")

	res, err := h.svc.TriggerForUser(context.Background(), "empty", digest.CadenceDaily)
	if err != nil || res.Status != digest.StatusSkippedEmpty {
		t.Fatalf("empty: %+v, %v", res, err)
	}

	res, err = h.svc.TriggerForUser(context.Background(), "broken", digest.CadenceDaily)
	if err == nil || res.Status != digest.StatusFailed || res.Error == "" {
		t.Fatalf("broken: %+v, %v", res, err)
	}

	if _, err := h.svc.TriggerForUser(context.Background(), "ghost", digest.CadenceDaily); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ghost err = %v, want ErrNotFound", err)
	}
	if _, err := h.svc.TriggerForUser(context.Background(), "empty", "hourly"); !errors.Is(err, digest.ErrUnknownCadence) {
		t.Fatalf("bad cadence err = %v", err)
	}
}

func TestStartIsIdempotentAndStopBlocksPasses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.svc.Apply(Config{Enabled: true, StartDelay: 10 * time.Millisecond})

	h.svc.Start(context.Background())
	h.svc.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for h.svc.GetStats().TotalRuns == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first pass never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// A second Start must not have armed a duplicate timer.
	time.Sleep(30 * time.Millisecond)
	if got := h.svc.GetStats().TotalRuns; got != 1 {
		t.Fatalf("TotalRuns = %d, want 1", got)
	}
	if st := h.svc.GetStats(); st.NextSleep != digest.DefaultMaxInterval || st.NextRunTime.IsZero() {
		t.Fatalf("stats after pass = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := h.svc.RunPass(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("RunPass after Stop err = %v, want ErrStopped", err)
	}
	if st := h.svc.GetStats(); !st.NextRunTime.IsZero() {
		t.Fatalf("NextRunTime after Stop = %v", st.NextRunTime)
	}
}

func TestStopWaitsForInFlightPass(t *testing.T) {
	t.Parallel()
	h := newHarness(t, dueDaily("a"))
	h.d.block = make(chan struct{})
	h.d.enter = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		_, _ = h.svc.RunPass(context.Background())
		close(done)
	}()
	<-h.d.enter

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.svc.Stop(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}

	close(h.d.block)
	<-done
	if hist := h.history(t, "a"); len(hist) != 1 || hist[0].Status != digest.StatusSent {
		t.Fatalf("in-flight pass must complete its record: %+v", hist)
	}
}
