// Package notify delivers idle-process alerts to humans over SMTP.
package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/oselab/gpumon/internal/config"
)

// Notifier delivers one alert message. Failures are logged by the caller and
// never retried within the same tick.
type Notifier interface {
	Send(recipient, subject, body string) error
}

// DeliveryError wraps a transport or auth failure while sending an alert.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering alert to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SMTPNotifier sends mail through a STARTTLS SMTP submission port.
type SMTPNotifier struct {
	server   string
	port     int
	sender   string
	password string
}

// NewSMTP builds a notifier from the email config section.
func NewSMTP(cfg config.EmailConfig) *SMTPNotifier {
	return &SMTPNotifier{
		server:   cfg.SMTPServer,
		port:     cfg.SMTPPort,
		sender:   cfg.Sender,
		password: cfg.Password,
	}
}

// Send delivers one plain-text message.
func (n *SMTPNotifier) Send(recipient, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.server, n.port)

	client, err := smtp.Dial(addr)
	if err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}
	defer client.Close()

	if err := client.StartTLS(&tls.Config{ServerName: n.server}); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}

	auth := smtp.PlainAuth("", n.sender, n.password, n.server)
	if err := client.Auth(auth); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}

	if err := client.Mail(n.sender); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}
	if err := client.Rcpt(recipient); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}

	w, err := client.Data()
	if err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}
	msg := buildMessage(n.sender, recipient, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}
	if err := w.Close(); err != nil {
		return &DeliveryError{Recipient: recipient, Err: err}
	}

	return client.Quit()
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
