package main

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/AutumnsGrove/groveauth/pkg/log"
)

// Mailer is the magiccode.Mailer contract, restated here so config.go's
// MailerConfig.Build doesn't need to import magiccode just for the type.
type Mailer interface {
	SendMagicCode(ctx context.Context, email, code string) error
}

// smtpMailer sends the six-digit code over plain SMTP auth. There is no
// ecosystem mail client in this module's dependency set, so this is built
// on net/smtp directly rather than pulled in from elsewhere in the corpus.
type smtpMailer struct {
	cfg SMTPConfig
}

func newSMTPMailer(cfg SMTPConfig) *smtpMailer {
	return &smtpMailer{cfg: cfg}
}

func (m *smtpMailer) SendMagicCode(ctx context.Context, email, code string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Your sign-in code\r\n\r\nYour code is %s. It expires in 10 minutes.\r\n",
		m.cfg.From, email, code)

	return smtp.SendMail(addr, auth, m.cfg.From, []string{email}, []byte(msg))
}

// loggingMailer is the no-SMTP-configured fallback: it logs the code
// instead of sending it, for local development against an in-memory
// storage backend.
type loggingMailer struct {
	logger log.Logger
}

func newLoggingMailer(logger log.Logger) *loggingMailer {
	return &loggingMailer{logger: logger}
}

func (m *loggingMailer) SendMagicCode(ctx context.Context, email, code string) error {
	m.logger.Infof("magic code for %s: %s (no SMTP configured)", email, code)
	return nil
}
