package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts order events to one chat.
type Telegram struct {
	bot    sender
	chatID int64
}

// NewTelegram connects the bot. It fails if the token is rejected.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = false
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatEvent(topic, payload))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatEvent(topic string, payload []byte) string {
	var ev OrderEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.TradeID == "" {
		return topic + ": " + string(payload)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", strings.ToUpper(ev.State), strings.ToUpper(ev.Side), ev.Symbol)
	fmt.Fprintf(&b, "filled %s @ %s (%s)\n", ev.FilledQuantity, ev.AveragePrice, ev.Status)
	fmt.Fprintf(&b, "trade %s", ev.TradeID)
	if ev.BrokerOrderID != "" {
		fmt.Fprintf(&b, " / order %s", ev.BrokerOrderID)
	}
	return b.String()
}
