package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/planfirst/sreagent/internal/planning"
)

// TelegramMessenger talks to one Telegram chat through the Bot API
type TelegramMessenger struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegramMessenger authorizes the bot token. endpoint may be empty for
// the public Bot API.
func NewTelegramMessenger(token string, chatID int64, endpoint string, log *slog.Logger) (*TelegramMessenger, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log.Info("telegram bot authorized", "username", bot.Self.UserName, "chat_id", chatID)
	return &TelegramMessenger{bot: bot, chatID: chatID, log: log}, nil
}

// Name implements Messenger
func (t *TelegramMessenger) Name() string {
	return "telegram"
}

// Send implements Messenger
func (t *TelegramMessenger) Send(ctx context.Context, text string) error {
	return t.send(text, 0)
}

func (t *TelegramMessenger) send(text string, replyTo int) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// Listen implements Messenger. Messages from other chats are ignored.
func (t *TelegramMessenger) Listen(ctx context.Context, handle HandlerFunc) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := t.message(update)
			if !ok {
				continue
			}
			if err := handle(ctx, msg); err != nil {
				t.log.Warn("telegram message not handled", "sender", msg.Sender, "error", err)
			}
		}
	}
}

func (t *TelegramMessenger) message(update tgbotapi.Update) (planning.Message, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || m.Chat.ID != t.chatID || m.Text == "" {
		return planning.Message{}, false
	}
	sender := ""
	if m.From != nil {
		sender = m.From.UserName
		if sender == "" {
			sender = strconv.FormatInt(m.From.ID, 10)
		}
	}
	replyTo := m.MessageID
	return planning.Message{
		Text:      m.Text,
		Sender:    sender,
		Timestamp: m.Time(),
		Reply: func(ctx context.Context, text string) error {
			return t.send(text, replyTo)
		},
	}, true
}
