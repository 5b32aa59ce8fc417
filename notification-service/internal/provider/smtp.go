package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// sendMailHook is replaced in tests.
var sendMailHook = smtp.SendMail

// SMTP sends email through a plain SMTP relay.
type SMTP struct {
	emailBase
	addr string
	host string
	auth smtp.Auth
}

// NewSMTP needs host and from_email. port defaults to 587; username and
// password enable PLAIN auth.
func NewSMTP(cfg Config, _ Deps) (Provider, error) {
	if err := cfg.require("host", "from_email"); err != nil {
		return nil, err
	}
	host := cfg.credential("host")
	port := cfg.credential("port")
	if port == "" {
		port = "587"
	}
	s := &SMTP{
		emailBase: newEmailBase(cfg),
		addr:      net.JoinHostPort(host, port),
		host:      host,
	}
	if user := cfg.credential("username"); user != "" {
		s.auth = smtp.PlainAuth("", user, cfg.credential("password"), host)
	}
	return s, nil
}

// Send hands the message to the relay. net/smtp has no context support,
// so a cancelled ctx abandons the call instead of interrupting it.
func (s *SMTP) Send(ctx context.Context, d *Delivery) (*Result, error) {
	n := d.Notification
	if err := s.validate(n); err != nil {
		return nil, err
	}

	msgID := fmt.Sprintf("<%s@%s>", ulid.Make().String(), s.host)
	msg := s.compose(n, msgID, time.Now())
	rcpts := make([]string, 0, n.RecipientCount())
	rcpts = append(rcpts, n.To...)
	rcpts = append(rcpts, n.CC...)
	rcpts = append(rcpts, n.BCC...)

	done := make(chan error, 1)
	go func() {
		done <- sendMailHook(s.addr, s.auth, s.sender(n), rcpts, msg)
	}()

	select {
	case <-ctx.Done():
		return nil, classifyTransport(ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(err)
		}
	}
	return &Result{MessageID: strings.Trim(msgID, "<>")}, nil
}

func (s *SMTP) compose(n *notification.Notification, msgID string, now time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}

	from := s.sender(n)
	if s.fromName != "" && n.From == "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.fromName), from)
	}
	header("From", from)
	header("To", strings.Join(n.To, ", "))
	header("Cc", strings.Join(n.CC, ", "))
	header("Reply-To", n.ReplyTo)
	header("Subject", mime.QEncoding.Encode("utf-8", n.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("MIME-Version", "1.0")
	if isHTML(n) {
		header("Content-Type", `text/html; charset="utf-8"`)
	} else {
		header("Content-Type", `text/plain; charset="utf-8"`)
	}
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(n.Content, "\n", "\r\n"))
	return b.Bytes()
}

// classifySMTP treats permanent (5xx) replies as final.
func classifySMTP(err error) error {
	var te *textproto.Error
	if !errors.As(err, &te) {
		return classifyTransport(err)
	}
	e := &Error{Code: CodeProviderError, Message: te.Msg, StatusCode: te.Code, Retryable: te.Code < 500}
	switch te.Code {
	case 535, 534, 530:
		e.Code = CodeAuthentication
	case 550, 551, 553:
		e.Code = CodeInvalidRecipient
	}
	return e
}
