package alert

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramProvider posts alerts into a Telegram chat, typically a group the
// extension officers watch.
type TelegramProvider struct {
	bot    telegramSender
	chatID int64
}

// NewTelegramProvider authenticates with the bot token and targets chatID.
func NewTelegramProvider(token string, chatID int64) (*TelegramProvider, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramProvider{bot: bot, chatID: chatID}, nil
}

func (p *TelegramProvider) Name() string { return "telegram" }

func (p *TelegramProvider) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sent, err := p.bot.Send(tgbotapi.NewMessage(p.chatID, msg.Body))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}
