package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/brightsend/campaign-engine/internal/pkg/logger"
)

// SMTPTransport sends through an SMTPS submission endpoint (implicit TLS,
// Gmail's port 465 style) authenticating each message with the sender's
// OAuth access token.
type SMTPTransport struct {
	host    string
	port    int
	timeout time.Duration
}

func NewSMTPTransport(host string, port int, timeout time.Duration) *SMTPTransport {
	if host == "" {
		host = "smtp.gmail.com"
	}
	if port == 0 {
		port = 465
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{host: host, port: port, timeout: timeout}
}

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if msg.AccessToken == "" {
		return errors.New("smtp transport needs an access token")
	}

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", fmt.Sprintf("%s:%d", t.host, t.port),
		&tls.Config{ServerName: t.host})
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := client.Auth(&xoauth2Auth{user: msg.From, token: msg.AccessToken}); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMIME(msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}

	logger.Info("smtp delivered", "recipient", msg.To)
	return client.Quit()
}

func buildMIME(msg *Message) []byte {
	var b strings.Builder
	if msg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", msg.FromName, msg.From)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	}
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism Gmail expects.
type xoauth2Auth struct {
	user  string
	token string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2 requires a TLS connection")
	}
	resp := []byte("user=" + a.user + "\x01auth=Bearer " + a.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server sent an error payload; an empty line asks it to finish.
		return []byte(""), nil
	}
	return nil, nil
}
