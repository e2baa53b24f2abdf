package mailer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/mail"
	"strings"
	"sync"
	"time"

	"digestd/internal/digest"
	"digestd/internal/eventbus"
	"digestd/internal/render"
	logx "digestd/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrNoRecipient = errors.New("recipient address missing or invalid")
	ErrCircuitOpen = errors.New("delivery suspended for recipient domain")
)

// Event types published on the bus.
const (
	EventSent   = "mailer.sent"
	EventFailed = "mailer.failed"
)

// DeliveryEvent is the payload of EventSent and EventFailed.
type DeliveryEvent struct {
	To        string    `json:"to"`
	MessageID string    `json:"message_id,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Option func(*Mailer)

// WithTransport replaces the transport built from config.
func WithTransport(t Transport) Option {
	return func(m *Mailer) {
		if t != nil {
			m.tr = t
			m.fixedTr = true
		}
	}
}

// WithClock overrides the clock used for the circuit breaker and Date header.
func WithClock(now func() time.Time) Option {
	return func(m *Mailer) {
		if now != nil {
			m.now = now
		}
	}
}

// Mailer renders digests and sends them with rate limiting, retry and a
// per-domain circuit breaker.
//
// It is safe for concurrent use.
type Mailer struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	tr      Transport
	fixedTr bool

	rnd *render.Renderer
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	br breaker
}

func New(cfg Config, rnd *render.Renderer, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Mailer, error) {
	if rnd == nil {
		return nil, errors.New("mailer: renderer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	m := &Mailer{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		rnd:     rnd,
		log:     log,
		bus:     bus,
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.tr == nil {
		m.tr = newTransport(cfg, log)
	}
	return m, nil
}

// Apply swaps the delivery settings. Breaker state survives.
func (m *Mailer) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	m.limiter.SetBurst(cfg.RatePerSec)
	if !m.fixedTr {
		m.tr = newTransport(cfg, m.log)
	}
	return nil
}

// OpenCircuits returns how many recipient domains are currently suspended.
func (m *Mailer) OpenCircuits() int { return m.br.openCount(m.now()) }

// Deliver renders b and sends it to email.
func (m *Mailer) Deliver(ctx context.Context, email string, b digest.ContentBundle, baseURL string) (digest.Receipt, error) {
	m.mu.Lock()
	cfg := m.cfg
	lim := m.limiter
	tr := m.tr
	m.mu.Unlock()

	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Address == "" {
		return digest.Receipt{}, fmt.Errorf("%w: %q", ErrNoRecipient, email)
	}
	domain := domainOf(addr.Address)
	cc := effectiveCircuitCfg(cfg)
	if open, until := m.br.isOpen(m.now(), domain, cc); open {
		return digest.Receipt{}, fmt.Errorf("%w: %s until %s", ErrCircuitOpen, domain, until.UTC().Format(time.RFC3339))
	}

	msg, err := m.rnd.Render(b, baseURL)
	if err != nil {
		return digest.Receipt{}, fmt.Errorf("render: %w", err)
	}
	env := Envelope{
		From:      cfg.FromEmail,
		FromName:  cfg.FromName,
		To:        addr.Address,
		Subject:   msg.Subject,
		Text:      msg.Text,
		HTML:      msg.HTML,
		MessageID: fmt.Sprintf("<%s@%s>", uuid.NewString(), messageIDHost(cfg.FromEmail)),
		Date:      m.now(),
	}

	attempts, err := m.sendWithRetry(ctx, cfg, lim, tr, env)
	m.br.record(m.now(), domain, cc, err)
	if err != nil {
		m.publish(EventFailed, DeliveryEvent{To: env.To, Attempts: attempts, Error: err.Error(), At: m.now().UTC()})
		return digest.Receipt{}, err
	}
	m.publish(EventSent, DeliveryEvent{To: env.To, MessageID: env.MessageID, Attempts: attempts, At: m.now().UTC()})
	return digest.Receipt{MessageID: env.MessageID, Subject: env.Subject}, nil
}

func (m *Mailer) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, tr Transport, env Envelope) (int, error) {
	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				return attempt - 1, lastErr
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := tr.Send(callCtx, env)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		m.log.Debug("mail send failed", logx.String("to", env.To), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || permanent(err) {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, lastErr
		}
	}
	return min(attempt, maxAttempts), lastErr
}

func (m *Mailer) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: data})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

func messageIDHost(from string) string {
	if d := domainOf(from); d != "" {
		return d
	}
	return "digestd.local"
}
