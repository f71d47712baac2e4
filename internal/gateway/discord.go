package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter connects the gateway to Discord through the bot gateway
// websocket.
type DiscordAdapter struct {
	token   string
	session *discordgo.Session
	handler MessageHandler
	logger  *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter.
func NewDiscordAdapter(token string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{token: token, logger: logger}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

func (a *DiscordAdapter) OnMessage(h MessageHandler) { a.handler = h }

// Connect opens the Discord gateway websocket.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	a.session = session

	a.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	a.session.AddHandler(a.onMessageCreate)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	if len(a.session.State.Guilds) == 0 {
		a.logger.Warn("discord bot not added to any server, invite it first")
	}
	a.logger.Info("discord adapter connected",
		zap.String("user", a.session.State.User.Username),
		zap.Int("guilds", len(a.session.State.Guilds)))
	return nil
}

func (a *DiscordAdapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// The bot must never react to its own output.
	if m.Author.ID == s.State.User.ID {
		return
	}
	if a.handler == nil {
		return
	}
	a.handler(&InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	})
}

// Send posts a message to a Discord channel, splitting at the 2000-character
// message limit.
func (a *DiscordAdapter) Send(_ context.Context, channelID, text string) error {
	for _, chunk := range splitMessage(text, 2000) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
