package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

type EmailConfig struct {
	SMTPServer string
	SMTPUser   string
	SMTPPass   string
	From       string
	To         []string
	Subject    string
}

type EmailChannel struct {
	cfg    EmailConfig
	levels []Level
}

func NewEmailChannel(cfg EmailConfig, levels []Level) *EmailChannel {
	return &EmailChannel{cfg: cfg, levels: levels}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(event ScanEvent) error {
	if !levelAllowed(e.levels, event.Level) {
		return nil
	}
	if e.cfg.SMTPServer == "" || e.cfg.From == "" || len(e.cfg.To) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	subject := e.cfg.Subject
	if subject == "" {
		subject = "plugboard scan event"
	}
	body := fmt.Sprintf("Level: %s\nKind: %s\nIdentifier: %s\nReason: %s\n", event.Level, event.Kind, event.Identifier, event.Reason)
	msg := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + strings.Join(e.cfg.To, ","),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if e.cfg.SMTPUser != "" && e.cfg.SMTPPass != "" {
		host := strings.Split(e.cfg.SMTPServer, ":")[0]
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, host)
	}
	return smtp.SendMail(e.cfg.SMTPServer, auth, e.cfg.From, e.cfg.To, []byte(msg))
}
