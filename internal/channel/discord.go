package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coreastra/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

// Discord posts session notifications to a Discord channel.
type Discord struct {
	token     string
	channelID string
	session   *discordgo.Session
	logger    *slog.Logger
}

// DiscordConfig configures the Discord notifier.
type DiscordConfig struct {
	Token     string
	ChannelID string
	Logger    *slog.Logger
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:     cfg.Token,
		channelID: cfg.ChannelID,
		logger:    cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with the bot token, subscribes to notifications and blocks
// until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.NotificationBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.session = session
	d.logger.Info("discord notifier connected", "user", session.State.User.Username, "channel_id", d.channelID)

	bus.Subscribe("discord", d.Notify)

	<-ctx.Done()
	d.logger.Info("discord notifier disconnecting")
	return session.Close()
}

func (d *Discord) Notify(n domain.Notification) {
	if d.session == nil {
		return
	}
	d.sendMessage(formatNotice(n))
}

func (d *Discord) sendMessage(content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(d.channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", d.channelID, "err", err)
		}
	}
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
