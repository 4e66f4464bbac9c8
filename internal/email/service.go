package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/notify-engine/internal/model"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

type Service interface {
	SendCustom(ctx context.Context, to string, subject string, content string) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Dialer is satisfied by *gomail.Dialer.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPService struct {
	dialer Dialer
	from   string
}

var _ Service = (*SMTPService)(nil)

func NewSMTPService(cfg Config) *SMTPService {
	return &SMTPService{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func NewService(dialer Dialer, from string) *SMTPService {
	return &SMTPService{dialer: dialer, from: from}
}

// SendCustom sends an HTML message. gomail has no context support, so ctx
// is only checked before dialing.
func (s *SMTPService) SendCustom(ctx context.Context, to string, subject string, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", content)

	if err := s.dialer.DialAndSend(m); err != nil {
		return apperrors.Transient(model.ChannelEmail.Key(), fmt.Errorf("smtp send to %s: %w", to, err))
	}
	return nil
}

var bodyTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<body>
  <h2>{{.Title}}</h2>
  <p>{{.Message}}</p>
  {{- if .Link}}
  <p><a href="{{.Link}}">Open</a></p>
  {{- end}}
</body>
</html>`))

// Render builds the subject and HTML body for n.
func Render(n *model.Notification) (string, string, error) {
	data := struct {
		Title   string
		Message string
		Link    string
	}{
		Title:   n.Title,
		Message: n.Message,
	}
	if sys, ok := n.Payload.(model.SystemPayload); ok {
		data.Link = sys.Link
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", "", apperrors.Validation("template", err.Error())
	}

	subject := n.Title
	if subject == "" {
		subject = "New notification"
	}
	return subject, buf.String(), nil
}
