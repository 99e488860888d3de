package services

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"raffle/internal/models"
)

// MessageSender is the subset of *tgbotapi.BotAPI the reporter uses.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramReporter posts a summary of every recorded draw to an operator chat.
type TelegramReporter struct {
	bot    MessageSender
	chatID int64
}

func NewTelegramReporter(bot MessageSender, chatID int64) *TelegramReporter {
	return &TelegramReporter{bot: bot, chatID: chatID}
}

func (r *TelegramReporter) ReportOutcome(_ context.Context, o models.DrawOutcome, report DispatchReport) error {
	if _, err := r.bot.Send(tgbotapi.NewMessage(r.chatID, FormatOutcome(o, report))); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// FormatOutcome renders a draw and its notification results as plain text.
func FormatOutcome(o models.DrawOutcome, report DispatchReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sorteo %s\nNúmero oficial: %s\nPremio: %s\n", o.Date, o.OfficialNumber, o.PrizeLabel)
	if len(o.Winners) == 0 {
		b.WriteString("Sin ganadores pagos.")
		return b.String()
	}
	fmt.Fprintf(&b, "Ganadores: %d\n", len(o.Winners))
	for _, w := range o.Winners {
		fmt.Fprintf(&b, "- %s (boleto %s)\n", w.Name, w.Ticket)
	}
	for _, ch := range []string{ChannelEmail, ChannelWhatsApp} {
		fmt.Fprintf(&b, "%s: %d/%d enviados\n", ch, report.Count(ch, StatusSent), len(o.Winners))
	}
	return strings.TrimRight(b.String(), "\n")
}
