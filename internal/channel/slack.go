package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"coreastra/internal/domain"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// Slack posts session notifications to a Slack channel. It is
// notification-only: decisions are taken through the API or Telegram.
type Slack struct {
	botToken string
	channel  string
	client   *slack.Client
	logger   *slog.Logger
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	BotToken string
	Channel  string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack notifier.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		channel:  cfg.Channel,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start verifies the token, subscribes to notifications and blocks until ctx
// is cancelled.
func (s *Slack) Start(ctx context.Context, bus domain.NotificationBus) error {
	api := slack.New(s.botToken)
	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.client = api
	s.logger.Info("slack notifier connected", "user", authResp.User, "team", authResp.Team, "channel", s.channel)

	bus.Subscribe("slack", s.Notify)

	<-ctx.Done()
	s.logger.Info("slack notifier stopping")
	return nil
}

// Notify posts every notification kind to the configured channel.
func (s *Slack) Notify(n domain.Notification) {
	if s.client == nil {
		return
	}
	s.sendMessage(formatNotice(n))
}

func (s *Slack) sendMessage(content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(
			s.channel,
			slack.MsgOptionText(chunk, false),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", s.channel, "err", err)
		}
	}
}

// formatNotice renders a notification for notify-only channels.
func formatNotice(n domain.Notification) string {
	switch n.Kind {
	case domain.NotifyConfirmationRequired:
		return formatPrompt(n) + "\nApprove or reject it through the API or Telegram."
	case domain.NotifyConfirmationResolved:
		return formatResolved(n)
	case domain.NotifyExecutionFinished:
		return formatFinished(n)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", n.Kind, shortSession(n.SessionID), n.Message))
}
