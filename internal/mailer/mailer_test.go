package mailer

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	"digestd/internal/render"
	logx "digestd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []Envelope
	calls int
	errs  []error // consumed one per call; nil entries succeed
}

func (f *fakeTransport) Send(_ context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, env)
	return nil
}

func testConfig() Config {
	return Config{
		Transport:     "smtp",
		SMTPHost:      "smtp.example.com",
		SMTPPort:      587,
		FromEmail:     "digest@crm.example.com",
		FromName:      "Acme CRM",
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func bundle() digest.ContentBundle {
	return digest.ContentBundle{
		UserID:     "alice",
		Cadence:    digest.CadenceDaily,
		Timezone:   "UTC",
		Followups:  []digest.Item{{ID: "f1", Title: "Call Bob", URL: "/followups/f1"}},
		ItemCounts: map[digest.Category]int{digest.CategoryFollowups: 1},
	}
}

func newMailer(t *testing.T, cfg Config, tr Transport, bus eventbus.Bus) *Mailer {
	t.Helper()
	rnd, err := render.New(render.Options{ProductName: "Acme CRM"})
	require.NoError(t, err)
	m, err := New(cfg, rnd, logx.Nop(), bus, WithTransport(tr))
	require.NoError(t, err)
	return m
}

func TestDeliverSendsRenderedMessage(t *testing.T) {
	tr := &fakeTransport{}
	m := newMailer(t, testConfig(), tr, nil)

	rc, err := m.Deliver(context.Background(), "Alice <alice@example.org>", bundle(), "https://crm.example.com")
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)

	env := tr.sent[0]
	assert.Equal(t, "alice@example.org", env.To)
	assert.Equal(t, "digest@crm.example.com", env.From)
	assert.Equal(t, rc.Subject, env.Subject)
	assert.Equal(t, rc.MessageID, env.MessageID)
	assert.True(t, strings.HasSuffix(rc.MessageID, "@crm.example.com>"))
	assert.Contains(t, env.Text, "https://crm.example.com/followups/f1")
	assert.Contains(t, env.HTML, "<a href=")
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("conn reset"), errors.New("timeout"), nil}}
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(4)
	defer unsub()
	m := newMailer(t, testConfig(), tr, bus)

	_, err := m.Deliver(context.Background(), "alice@example.org", bundle(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, tr.calls)

	select {
	case ev := <-sub:
		require.Equal(t, EventSent, ev.Type)
		assert.Equal(t, 3, ev.Data.(DeliveryEvent).Attempts)
	case <-time.After(time.Second):
		t.Fatal("no sent event")
	}
}

func TestDeliverGivesUpAfterRetries(t *testing.T) {
	boom := errors.New("boom")
	tr := &fakeTransport{errs: []error{boom, boom, boom, boom}}
	m := newMailer(t, testConfig(), tr, nil)

	_, err := m.Deliver(context.Background(), "alice@example.org", bundle(), "")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, tr.calls)
}

func TestDeliverDoesNotRetryPermanentRejection(t *testing.T) {
	rej := &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	tr := &fakeTransport{errs: []error{rej}}
	m := newMailer(t, testConfig(), tr, nil)

	_, err := m.Deliver(context.Background(), "alice@example.org", bundle(), "")
	require.Error(t, err)
	assert.Equal(t, 1, tr.calls)
}

func TestDeliverRejectsBadRecipient(t *testing.T) {
	tr := &fakeTransport{}
	m := newMailer(t, testConfig(), tr, nil)

	for _, addr := range []string{"", "not-an-address"} {
		_, err := m.Deliver(context.Background(), addr, bundle(), "")
		assert.ErrorIs(t, err, ErrNoRecipient, addr)
	}
	assert.Zero(t, tr.calls)
}

func TestCircuitOpensPerDomain(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMax = 0
	cfg.CircuitTripFailures = 2
	cfg.CircuitBaseDelay = time.Minute

	now := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	boom := errors.New("boom")
	tr := &fakeTransport{errs: []error{boom, boom}}
	rnd, err := render.New(render.Options{})
	require.NoError(t, err)
	m, err := New(cfg, rnd, logx.Nop(), nil, WithTransport(tr), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := m.Deliver(ctx, "a@bad.example", bundle(), "")
		require.ErrorIs(t, err, boom)
	}
	_, err = m.Deliver(ctx, "b@bad.example", bundle(), "")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, tr.calls)
	assert.Equal(t, 1, m.OpenCircuits())

	// Other domains are unaffected.
	_, err = m.Deliver(ctx, "c@good.example", bundle(), "")
	require.NoError(t, err)

	// Cooldown elapses; a success closes the circuit.
	now = now.Add(2 * time.Minute)
	_, err = m.Deliver(ctx, "a@bad.example", bundle(), "")
	require.NoError(t, err)
	assert.Zero(t, m.OpenCircuits())
}

func TestDeliverHonorsCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	tr := &fakeTransport{errs: []error{errors.New("boom"), errors.New("boom")}}
	m := newMailer(t, cfg, tr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := m.Deliver(ctx, "alice@example.org", bundle(), "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, tr.calls)
}

func TestConfigValidate(t *testing.T) {
	ok := testConfig()
	require.NoError(t, ok.Validate())

	logOnly := Config{Transport: "log"}
	require.NoError(t, logOnly.Validate())

	cases := map[string]func(*Config){
		"unknown transport": func(c *Config) { c.Transport = "pigeon" },
		"missing host":      func(c *Config) { c.SMTPHost = "" },
		"port zero":         func(c *Config) { c.SMTPPort = 0 },
		"port too large":    func(c *Config) { c.SMTPPort = 70000 },
		"missing from":      func(c *Config) { c.FromEmail = "" },
		"bad from":          func(c *Config) { c.FromEmail = "nope" },
		"tls and ssl":       func(c *Config) { c.UseTLS, c.UseSSL = true, true },
	}
	for name, mutate := range cases {
		c := testConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
	assert.Equal(t, "smtp.example.com:587", ok.ServerAddress())
}

func TestBuildMessage(t *testing.T) {
	raw, err := buildMessage(Envelope{
		From:      "digest@crm.example.com",
		FromName:  "Acme CRM",
		To:        "alice@example.org",
		Subject:   "Acme CRM: your daily digest (1 item)",
		Text:      "hello",
		HTML:      "<p>hello</p>",
		MessageID: "<id@crm.example.com>",
		Date:      time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	s := string(raw)
	assert.Contains(t, s, `From: "Acme CRM" <digest@crm.example.com>`)
	assert.Contains(t, s, "To: <alice@example.org>")
	assert.Contains(t, s, "Message-ID: <id@crm.example.com>")
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, "text/plain; charset=utf-8")
	assert.Contains(t, s, "text/html; charset=utf-8")
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}
