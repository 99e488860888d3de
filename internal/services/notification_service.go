package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/google/logger"

	"raffle/internal/models"
	"raffle/internal/observability"
)

const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"

	settingEmailTemplate     = "template_email"
	settingMessagingTemplate = "template_messaging"

	winnerSubject   = "🎉 ¡Felicidades! Ganaste en la rifa"
	reminderSubject = "Recordatorio de pago - Rifa"
)

const (
	DefaultEmailTemplate = `¡Hola {{.Name}}!
¡Felicidades! Has ganado el premio: {{.Prize}} en nuestra rifa.
Detalles:
- Boleto: {{.Ticket}}
- Premio: {{.Prize}}
Pronto nos pondremos en contacto para coordinar la entrega.
¡Gracias por participar!`

	DefaultMessagingTemplate = `🎉 ¡Felicidades, {{.Name}}! Ganaste: *{{.Prize}}* en la rifa. Boleto: {{.Ticket}}. Pronto te contactaremos.`

	DefaultReminderTemplate = `Hola {{.Name}},
Te recordamos que tu pago para la rifa está pendiente.
Detalles:
- Boleto: {{.Ticket}}
- Monto: ${{.Amount}}
- Enlace de pago: {{.PaymentLink}}
Por favor, realiza el pago para confirmar tu participación.
¡Gracias!`
)

// Channel delivers a rendered message to one recipient.
type Channel interface {
	Name() string
	// Configured reports whether the channel has the credentials it needs.
	Configured() bool
	// Recipient returns the address of p on this channel, or "" if p has none.
	Recipient(p models.Participant) string
	Send(ctx context.Context, to, subject, body string) error
}

type ChannelStatus string

const (
	StatusSent          ChannelStatus = "sent"
	StatusFailed        ChannelStatus = "failed"
	StatusNotConfigured ChannelStatus = "not_configured"
)

// ChannelOutcome is the result of one channel attempt for one recipient.
type ChannelOutcome struct {
	Channel string        `json:"channel"`
	Status  ChannelStatus `json:"status"`
	Detail  string        `json:"detail,omitempty"`
}

type RecipientReport struct {
	Ticket   string           `json:"ticket"`
	Name     string           `json:"name"`
	Outcomes []ChannelOutcome `json:"outcomes"`
}

// DispatchReport is the per-recipient, per-channel outcome table of a batch.
type DispatchReport struct {
	Recipients []RecipientReport `json:"recipients"`
}

// Count returns how many recipients ended with status on channel.
func (r DispatchReport) Count(channel string, status ChannelStatus) int {
	n := 0
	for _, rec := range r.Recipients {
		for _, o := range rec.Outcomes {
			if o.Channel == channel && o.Status == status {
				n++
			}
		}
	}
	return n
}

// MessageData is what templates can reference.
type MessageData struct {
	Name        string
	Ticket      string
	Prize       string
	Amount      string
	PaymentLink string
}

// SettingsStore persists editable templates.
type SettingsStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Dispatcher sends notifications over every configured channel. Each
// recipient and each channel is attempted independently: a failure is
// recorded in the report and the batch carries on.
type Dispatcher struct {
	channels []Channel
	settings SettingsStore
	defaults models.Templates
	metrics  *observability.Metrics
}

func NewDispatcher(settings SettingsStore, defaults models.Templates, metrics *observability.Metrics, channels ...Channel) *Dispatcher {
	if defaults.Email == "" {
		defaults.Email = DefaultEmailTemplate
	}
	if defaults.Messaging == "" {
		defaults.Messaging = DefaultMessagingTemplate
	}
	return &Dispatcher{
		channels: channels,
		settings: settings,
		defaults: defaults,
		metrics:  metrics,
	}
}

// Templates returns the winner templates in effect.
func (d *Dispatcher) Templates(ctx context.Context) models.Templates {
	t := d.defaults
	if d.settings == nil {
		return t
	}
	if v, ok, err := d.settings.Setting(ctx, settingEmailTemplate); err == nil && ok {
		t.Email = v
	}
	if v, ok, err := d.settings.Setting(ctx, settingMessagingTemplate); err == nil && ok {
		t.Messaging = v
	}
	return t
}

// SetTemplates validates and stores new winner templates. Empty fields are
// left as they are.
func (d *Dispatcher) SetTemplates(ctx context.Context, t models.Templates) error {
	if d.settings == nil {
		return errors.New("template settings not available")
	}
	for key, body := range map[string]string{settingEmailTemplate: t.Email, settingMessagingTemplate: t.Messaging} {
		if body == "" {
			continue
		}
		if _, err := template.New(key).Parse(body); err != nil {
			return &models.ValidationError{Field: key, Err: err}
		}
		if err := d.settings.SetSetting(ctx, key, body); err != nil {
			return err
		}
	}
	return nil
}

// TemplateSettings maps templates to their settings keys for a restore.
func TemplateSettings(t *models.Templates) map[string]string {
	out := map[string]string{}
	if t == nil {
		return out
	}
	if t.Email != "" {
		out[settingEmailTemplate] = t.Email
	}
	if t.Messaging != "" {
		out[settingMessagingTemplate] = t.Messaging
	}
	return out
}

// Notify sends the winner message for prizeLabel to winner on every channel.
func (d *Dispatcher) Notify(ctx context.Context, winner models.Participant, prizeLabel string) RecipientReport {
	t := d.Templates(ctx)
	return d.deliver(ctx, winner, winnerSubject, func(channel string) string {
		if channel == ChannelEmail {
			return t.Email
		}
		return t.Messaging
	}, MessageData{Name: winner.Name, Ticket: winner.Ticket, Prize: prizeLabel})
}

// Dispatch notifies every winner.
func (d *Dispatcher) Dispatch(ctx context.Context, winners []models.Participant, prizeLabel string) DispatchReport {
	report := DispatchReport{Recipients: make([]RecipientReport, 0, len(winners))}
	for _, w := range winners {
		report.Recipients = append(report.Recipients, d.Notify(ctx, w, prizeLabel))
	}
	return report
}

// SendReminders sends the same reminder body over every channel to each
// participant. data fills Amount and PaymentLink per participant.
func (d *Dispatcher) SendReminders(ctx context.Context, participants []models.Participant, subject, body string, data func(models.Participant) MessageData) DispatchReport {
	if body == "" {
		body = DefaultReminderTemplate
	}
	report := DispatchReport{Recipients: make([]RecipientReport, 0, len(participants))}
	for _, p := range participants {
		report.Recipients = append(report.Recipients,
			d.deliver(ctx, p, subject, func(string) string { return body }, data(p)))
	}
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, p models.Participant, subject string, bodyFor func(channel string) string, data MessageData) RecipientReport {
	rec := RecipientReport{Ticket: p.Ticket, Name: p.Name}
	for _, ch := range d.channels {
		o := d.attempt(ctx, ch, p, subject, bodyFor(ch.Name()), data)
		d.metrics.Notifications.WithLabelValues(o.Channel, string(o.Status)).Inc()
		rec.Outcomes = append(rec.Outcomes, o)
	}
	return rec
}

func (d *Dispatcher) attempt(ctx context.Context, ch Channel, p models.Participant, subject, body string, data MessageData) ChannelOutcome {
	o := ChannelOutcome{Channel: ch.Name()}
	if !ch.Configured() {
		o.Status, o.Detail = StatusNotConfigured, "channel not configured"
		return o
	}
	to := ch.Recipient(p)
	if to == "" {
		o.Status, o.Detail = StatusNotConfigured, "no contact for channel"
		return o
	}

	msg, err := render(body, data)
	if err != nil {
		o.Status, o.Detail = StatusFailed, err.Error()
		logger.Errorf("notify: %s template for %s: %v", ch.Name(), p.Ticket, err)
		return o
	}
	if err := ch.Send(ctx, to, subject, msg); err != nil {
		o.Status, o.Detail = StatusFailed, err.Error()
		logger.Errorf("notify: %s to %s (%s) failed: %v", ch.Name(), p.Name, p.Ticket, err)
		return o
	}
	logger.Infof("notify: %s sent to %s (%s)", ch.Name(), p.Name, p.Ticket)
	o.Status = StatusSent
	return o
}

func render(body string, data MessageData) (string, error) {
	tmpl, err := template.New("message").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
