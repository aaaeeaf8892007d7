package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/planfirst/sreagent/internal/planning"
)

// Discord rejects messages longer than this
const discordMaxMessage = 2000

// DiscordMessenger talks to one Discord channel through a bot session
type DiscordMessenger struct {
	session   *discordgo.Session
	channelID string
	log       *slog.Logger
}

// NewDiscordMessenger creates a bot session. The websocket is only opened
// by Listen.
func NewDiscordMessenger(token, channelID string, log *slog.Logger) (*DiscordMessenger, error) {
	if token == "" {
		return nil, errors.New("discord bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	if log == nil {
		log = slog.Default()
	}
	return &DiscordMessenger{session: session, channelID: channelID, log: log}, nil
}

// Name implements Messenger
func (d *DiscordMessenger) Name() string {
	return "discord"
}

// Send implements Messenger
func (d *DiscordMessenger) Send(ctx context.Context, text string) error {
	if _, err := d.session.ChannelMessageSend(d.channelID, clip(text, discordMaxMessage), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

// Listen implements Messenger
func (d *DiscordMessenger) Listen(ctx context.Context, handle HandlerFunc) error {
	remove := d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		selfID := ""
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		msg, ok := d.message(m, selfID)
		if !ok {
			return
		}
		if err := handle(ctx, msg); err != nil {
			d.log.Warn("discord message not handled", "sender", msg.Sender, "error", err)
		}
	})
	defer remove()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	defer d.session.Close()

	<-ctx.Done()
	return nil
}

// message filters to human messages in the configured channel
func (d *DiscordMessenger) message(m *discordgo.MessageCreate, selfID string) (planning.Message, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return planning.Message{}, false
	}
	if m.Author.Bot || m.Author.ID == selfID || m.ChannelID != d.channelID || m.Content == "" {
		return planning.Message{}, false
	}
	messageID := m.ID
	return planning.Message{
		Text:      m.Content,
		Sender:    m.Author.Username,
		Timestamp: m.Timestamp,
		Reply: func(ctx context.Context, text string) error {
			_, err := d.session.ChannelMessageSendReply(d.channelID, clip(text, discordMaxMessage), &discordgo.MessageReference{
				MessageID: messageID,
				ChannelID: d.channelID,
			}, discordgo.WithContext(ctx))
			return err
		},
	}, true
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
