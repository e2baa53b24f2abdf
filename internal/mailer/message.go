package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"time"
)

// buildMessage renders env as a multipart/alternative RFC 5322 message.
func buildMessage(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	from := mail.Address{Name: env.FromName, Address: env.From}
	to := mail.Address{Address: env.To}

	hdr := []struct{ k, v string }{
		{"From", from.String()},
		{"To", to.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", env.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"Message-ID", env.MessageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary())},
	}
	var head bytes.Buffer
	for _, h := range hdr {
		if h.v == "" {
			continue
		}
		fmt.Fprintf(&head, "%s: %s\r\n", h.k, h.v)
	}
	head.WriteString("\r\n")

	if err := writePart(mw, "text/plain; charset=utf-8", env.Text); err != nil {
		return nil, err
	}
	if env.HTML != "" {
		if err := writePart(mw, "text/html; charset=utf-8", env.HTML); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	qw := quotedprintable.NewWriter(pw)
	if _, err := qw.Write([]byte(body)); err != nil {
		return err
	}
	return qw.Close()
}
