package services

import (
	"crypto/tls"
	"fmt"
	"log"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig is the mail transport configuration, loaded from settings with
// the password already decrypted.
type SMTPConfig struct {
	Server   string
	Port     string
	TLSMode  string // "ssl" for implicit TLS, anything else for STARTTLS/plain
	Username string
	Password string
	From     string
}

// SMTPConfigSource yields the current transport config and default
// recipients. Kept separate from ConfigStore so the mailer can be built
// before the full settings store in tests.
type SMTPConfigSource interface {
	SMTPConfig() (SMTPConfig, error)
	DefaultRecipients() []string
}

// Mailer sends UTF-8 plain text mail per the configured SMTP transport.
type Mailer struct {
	store SMTPConfigSource
}

func NewMailer(store SMTPConfigSource) *Mailer {
	return &Mailer{store: store}
}

// Send delivers one message. A nil recipients slice falls back to the
// configured defaults; an empty effective list is logged and dropped, not an
// error, so alert cooldowns still advance.
func (m *Mailer) Send(subject, body string, recipients []string) error {
	cfg, err := m.store.SMTPConfig()
	if err != nil {
		return fmt.Errorf("load smtp config: %w", err)
	}
	if cfg.Server == "" || cfg.From == "" {
		log.Println("[MAIL] SMTP not configured, dropping message:", subject)
		return nil
	}

	if recipients == nil {
		recipients = m.store.DefaultRecipients()
	}
	recipients = dedupeAddresses(recipients)
	if len(recipients) == 0 {
		log.Println("[MAIL] No recipients resolved, dropping message:", subject)
		return nil
	}

	msg := buildMessage(cfg.From, recipients, subject, body)
	addr := net.JoinHostPort(cfg.Server, cfg.Port)

	if cfg.Port == "465" || strings.EqualFold(cfg.TLSMode, "ssl") {
		err = m.sendTLS(addr, cfg, recipients, msg)
	} else {
		var auth smtp.Auth
		if cfg.Username != "" {
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Server)
		}
		err = smtp.SendMail(addr, auth, cfg.From, recipients, msg)
	}
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	log.Printf("[MAIL] Sent %q to %d recipient(s)", subject, len(recipients))
	return nil
}

// sendTLS handles implicit-TLS servers (port 465), which smtp.SendMail does
// not support.
func (m *Mailer) sendTLS(addr string, cfg SMTPConfig, recipients []string, msg []byte) error {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 15 * time.Second}, "tcp", addr, &tls.Config{
		ServerName: cfg.Server,
	})
	if err != nil {
		return err
	}

	client, err := smtp.NewClient(conn, cfg.Server)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Server)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return err
	}
	for _, recip := range recipients {
		if err := client.Rcpt(recip); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, recipients []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(recipients, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func dedupeAddresses(in []string) []string {
	var out []string
	for _, addr := range in {
		addr = strings.TrimSpace(addr)
		if addr == "" || containsString(out, addr) {
			continue
		}
		out = append(out, addr)
	}
	return out
}
