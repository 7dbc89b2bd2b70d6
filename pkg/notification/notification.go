// Package notification tells users that the processing of their record has
// finished.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
)

// batchSize bounds the monitors handled by one run.
const batchSize = 100

// Message is an HTML e-mail.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends messages through an SMTP relay with PLAIN auth.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
}

// NewSMTPSender returns a sender for the configured relay.
func NewSMTPSender(cfg config.NotificationConfig) *SMTPSender {
	s := &SMTPSender{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from: cfg.From,
	}
	if s.from == "" {
		s.from = cfg.Username
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

// Send implements Sender. smtp.SendMail has no context support; the call
// is skipped if ctx is already done.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(msg.HTML)

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{msg.To}, b.Bytes()); err != nil {
		return fmt.Errorf("sending mail to %s: %w", msg.To, err)
	}
	return nil
}

var bodyTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<body>
<p>Hallo,</p>
{{if .Succeeded}}<p>die Verarbeitung Ihres Datensatzes {{.RecordID}} ist abgeschlossen.</p>
{{else}}<p>die Verarbeitung Ihres Datensatzes {{.RecordID}} konnte nicht abgeschlossen werden.</p>
{{end}}{{if .Duration}}<p>Dauer: {{.Duration}}</p>
{{end}}</body>
</html>
`))

// FormatDuration renders d as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// Compose builds the notification of a finished monitor.
func Compose(m repository.TaskMonitorModel) (Message, error) {
	duration := ""
	if m.EndDate != nil && !m.StartDate.IsZero() {
		duration = FormatDuration(m.EndDate.Sub(m.StartDate))
	}

	var body strings.Builder
	err := bodyTemplate.Execute(&body, struct {
		RecordID  uint
		Succeeded bool
		Duration  string
	}{m.RecordID, m.Succeeded, duration})
	if err != nil {
		return Message{}, fmt.Errorf("rendering notification: %w", err)
	}

	return Message{
		To:      m.Recipient,
		Subject: fmt.Sprintf("Verarbeitung abgeschlossen für Datensatz ID %d", m.RecordID),
		HTML:    body.String(),
	}, nil
}

// Result counts the outcome of a notifier run.
type Result struct {
	Sent    int
	Failed  int
	Skipped int
}

// Notifier sends a notification for every finished monitor that has none.
type Notifier struct {
	monitors repository.TaskMonitor
	sender   Sender
	logger   *zap.Logger
}

// NewNotifier returns a notifier.
func NewNotifier(monitors repository.TaskMonitor, sender Sender, logger *zap.Logger) *Notifier {
	return &Notifier{monitors: monitors, sender: sender, logger: logger}
}

// Run handles one batch. A monitor is marked as notified only after its
// message was sent; failed sends are attempted again by the next run.
func (n *Notifier) Run(ctx context.Context) (Result, error) {
	var res Result

	monitors, err := n.monitors.ListUnnotifiedMonitors(ctx, batchSize)
	if err != nil {
		return res, fmt.Errorf("listing monitors: %w", err)
	}

	for _, m := range monitors {
		logger := n.logger.With(zap.Uint("recordID", m.RecordID), zap.String("runID", m.RunID))
		if m.Recipient == "" {
			// Nobody to tell. Marking it keeps it out of the next batches.
			if err := n.monitors.MarkNotificationSent(ctx, m.ID); err != nil {
				return res, fmt.Errorf("marking monitor %d: %w", m.ID, err)
			}
			res.Skipped++
			continue
		}

		msg, err := Compose(m)
		if err == nil {
			err = n.sender.Send(ctx, msg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Error("Failed to send notification", zap.Error(err))
			res.Failed++
			continue
		}

		if err := n.monitors.MarkNotificationSent(ctx, m.ID); err != nil {
			return res, fmt.Errorf("marking monitor %d: %w", m.ID, err)
		}
		logger.Info("Notification sent")
		res.Sent++
	}
	return res, nil
}
