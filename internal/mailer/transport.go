package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	logx "digestd/pkg/logx"
)

// Envelope is one fully rendered message ready for the wire.
type Envelope struct {
	From      string
	FromName  string
	To        string
	Subject   string
	Text      string
	HTML      string
	MessageID string
	Date      time.Time
}

// Transport puts an envelope on the wire.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

func newTransport(cfg Config, log logx.Logger) Transport {
	if cfg.transport() == "log" {
		return logTransport{log: log}
	}
	return &smtpTransport{cfg: cfg}
}

// logTransport records digests in the log. Useful for staging and demos.
type logTransport struct{ log logx.Logger }

func (t logTransport) Send(_ context.Context, env Envelope) error {
	t.log.Info("digest email (log transport)",
		logx.String("to", env.To),
		logx.String("subject", env.Subject),
		logx.String("message_id", env.MessageID),
		logx.Int("text_bytes", len(env.Text)),
		logx.Int("html_bytes", len(env.HTML)),
	)
	return nil
}

type smtpTransport struct{ cfg Config }

func (t *smtpTransport) Send(ctx context.Context, env Envelope) error {
	cfg := t.cfg
	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	tlsCfg := &tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12}
	if cfg.UseSSL {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if cfg.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not support STARTTLS")
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if cfg.SMTPUsername != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(env.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(env.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	msg, err := buildMessage(env)
	if err != nil {
		_ = w.Close()
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

// permanent reports SMTP 5xx replies; retrying them only burns quota.
func permanent(err error) bool {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code >= 500 && te.Code < 600
	}
	return false
}
