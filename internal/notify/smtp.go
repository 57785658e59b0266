package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSink delivers notes via a plain SMTP relay.
type SMTPSink struct {
	Server string
	From   string
	To     []string
}

// NewSMTPSink builds a sink from configured addresses. Returns nil when
// no recipient is configured, which disables delivery.
func NewSMTPSink(server, from, to string) *SMTPSink {
	if to == "" {
		return nil
	}
	if server == "" {
		server = "localhost:25"
	}
	var recipients []string
	for _, addr := range strings.Split(to, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	return &SMTPSink{Server: server, From: from, To: recipients}
}

func (s *SMTPSink) Send(subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.From, strings.Join(s.To, ", "), subject, body)
	if err := smtp.SendMail(s.Server, nil, s.From, s.To, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
