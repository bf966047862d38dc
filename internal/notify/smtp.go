package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type SMTPSender struct {
	cfg    config.SMTP
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *zap.Logger
	tracer trace.Tracer
}

func NewSMTPSender(cfg config.SMTP, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logger,
		tracer: otel.Tracer("notify/smtp"),
	}
}

func (s *SMTPSender) Send(ctx context.Context, to string, m Message) error {
	ctx, span := s.tracer.Start(ctx, "smtp.Send")
	defer span.End()
	span.SetAttributes(attribute.String("subject", m.Subject))

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}

	if err := s.send(addr, auth, s.from(), []string{to}, s.compose(to, m)); err != nil {
		span.RecordError(err)
		logx.Error(ctx, s.logger, "smtp send failed", zap.String("subject", m.Subject), zap.Error(err))
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *SMTPSender) from() string {
	if s.cfg.From != "" {
		return s.cfg.From
	}
	return s.cfg.User
}

func (s *SMTPSender) compose(to string, m Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from())
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}
