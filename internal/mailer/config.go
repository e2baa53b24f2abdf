package mailer

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config controls delivery. Transport "log" writes digests to the log
// instead of sending them.
type Config struct {
	Transport    string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
	UseTLS       bool // STARTTLS
	UseSSL       bool // implicit TLS

	ProductName string

	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	CircuitTripFailures int // 0 means 5, negative disables
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) transport() string {
	t := strings.ToLower(strings.TrimSpace(c.Transport))
	if t == "" {
		return "smtp"
	}
	return t
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.transport() {
	case "log":
		return nil
	case "smtp":
	default:
		return errors.Errorf("unknown mail transport %q", c.Transport)
	}
	if c.SMTPHost == "" {
		return errors.New("SMTP host is required")
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return errors.New("SMTP port must be between 1 and 65535")
	}
	if c.FromEmail == "" {
		return errors.New("from email is required")
	}
	if _, err := mail.ParseAddress(c.FromEmail); err != nil {
		return errors.Wrap(err, "from email")
	}
	if c.UseTLS && c.UseSSL {
		return errors.New("use_tls and use_ssl are mutually exclusive")
	}
	return nil
}

// ServerAddress returns the SMTP server address in the format "host:port".
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	if c.FromName == "" {
		c.FromName = c.ProductName
	}
	return c
}
