package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"coreastra/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Callback data prefixes on the confirmation keyboard.
const (
	cbApprove       = "approve"
	cbApproveBackup = "backup"
	cbReject        = "reject"
)

// Telegram posts confirmation requests to a chat and applies the Approve /
// Reject buttons to the gate.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	chatID    int64
	parseMode string

	bot     *tgbotapi.BotAPI
	decider domain.Decider
	logger  *slog.Logger

	// prompts maps session IDs to the message carrying their keyboard.
	prompts   map[string]int
	promptsMu sync.Mutex
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ChatID    string   // where confirmation requests are posted
	ParseMode string
	Decider   domain.Decider
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat ID %q: %w", cfg.ChatID, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		chatID:    chatID,
		parseMode: cfg.ParseMode,
		decider:   cfg.Decider,
		logger:    cfg.Logger,
		prompts:   make(map[string]int),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram, subscribes to notifications and polls for
// button presses until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.NotificationBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.Subscribe("telegram", t.Notify)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "chat_id", t.chatID)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Notify posts prompts for confirmation_required, strips the keyboard once
// the confirmation is resolved, and reports the outcome of prompted sessions.
func (t *Telegram) Notify(n domain.Notification) {
	if t.bot == nil {
		return
	}
	switch n.Kind {
	case domain.NotifyConfirmationRequired:
		msg := tgbotapi.NewMessage(t.chatID, formatPrompt(n))
		msg.ReplyMarkup = confirmKeyboard(n.SessionID)
		sent, err := t.bot.Send(msg)
		if err != nil {
			t.logger.Error("telegram prompt failed", "session", n.SessionID, "err", err)
			return
		}
		t.promptsMu.Lock()
		t.prompts[n.SessionID] = sent.MessageID
		t.promptsMu.Unlock()

	case domain.NotifyConfirmationResolved:
		t.promptsMu.Lock()
		msgID, ok := t.prompts[n.SessionID]
		t.promptsMu.Unlock()
		if !ok {
			return
		}
		edit := tgbotapi.NewEditMessageReplyMarkup(t.chatID, msgID, tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
		_, _ = t.bot.Send(edit)
		t.sendMessage(t.chatID, formatResolved(n))

	case domain.NotifyExecutionFinished:
		t.promptsMu.Lock()
		_, ok := t.prompts[n.SessionID]
		delete(t.prompts, n.SessionID)
		t.promptsMu.Unlock()
		if ok {
			t.sendMessage(t.chatID, formatFinished(n))
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}
	if update.Message.IsCommand() {
		t.handleCommand(chatID, update.Message)
	}
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	var answer string
	if !t.isAllowed(cq.From.ID) {
		t.logger.Warn("unauthorized telegram decision", "user_id", cq.From.ID, "data", cq.Data)
		answer = "Not allowed."
	} else {
		answer = t.decide(cq.Data, cq.From.UserName)
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, answer))
}

// decide applies one keyboard press and returns the text shown to the user.
func (t *Telegram) decide(data, user string) string {
	action, id, ok := parseCallback(data)
	if !ok {
		return "Unknown action."
	}
	var err error
	switch action {
	case cbApprove:
		err = t.decider.Approve(id, false)
	case cbApproveBackup:
		err = t.decider.Approve(id, true)
	case cbReject:
		reason := "rejected via telegram"
		if user != "" {
			reason += " by @" + user
		}
		err = t.decider.Reject(id, reason)
	}

	var cd *domain.CoolDownError
	switch {
	case err == nil:
		t.logger.Info("telegram decision applied", "session", id, "action", action, "user", user)
		if action == cbReject {
			return "Rejected."
		}
		return "Approved."
	case errors.As(err, &cd):
		return fmt.Sprintf("Cooling down, try again in %.0fs.", cd.Remaining.Seconds()+0.5)
	case errors.Is(err, domain.ErrSessionNotFound):
		return "Session no longer exists."
	case errors.Is(err, domain.ErrInvalidState):
		return "Already decided."
	default:
		t.logger.Warn("telegram decision failed", "session", id, "action", action, "err", err)
		return "Failed: " + err.Error()
	}
}

func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "CoreAstra posts confirmation requests for risky commands here.\n\nUse the buttons under each request to approve or reject it.\n\nCommands:\n/status - Show bot status\n/help - Show this message")
	case "status":
		t.promptsMu.Lock()
		pending := len(t.prompts)
		t.promptsMu.Unlock()
		t.sendMessage(chatID, fmt.Sprintf("Bot: @%s\nYour ID: %d\nChat ID: %d\nOpen prompts: %d", t.bot.Self.UserName, msg.From.ID, chatID, pending))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func confirmKeyboard(sessionID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", cbApprove+":"+sessionID),
			tgbotapi.NewInlineKeyboardButtonData("Approve + backup", cbApproveBackup+":"+sessionID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Reject", cbReject+":"+sessionID),
		),
	)
}

func parseCallback(data string) (action, sessionID string, ok bool) {
	action, sessionID, found := strings.Cut(data, ":")
	if !found || sessionID == "" {
		return "", "", false
	}
	switch action {
	case cbApprove, cbApproveBackup, cbReject:
		return action, sessionID, true
	}
	return "", "", false
}

func formatPrompt(n domain.Notification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Confirmation required (%s risk)\n\n", strings.ToUpper(string(n.RiskLevel)))
	fmt.Fprintf(&sb, "$ %s\n\n", n.Command)
	if n.Message != "" {
		sb.WriteString(n.Message)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Session: %s", n.SessionID)
	return sb.String()
}

func formatResolved(n domain.Notification) string {
	if n.State == domain.StateRejected {
		return fmt.Sprintf("Session %s rejected: %s", shortSession(n.SessionID), n.Message)
	}
	return fmt.Sprintf("Session %s approved.", shortSession(n.SessionID))
}

func formatFinished(n domain.Notification) string {
	msg := fmt.Sprintf("Session %s finished: %s", shortSession(n.SessionID), n.State)
	if n.Message != "" {
		msg += "\n" + n.Message
	}
	return msg
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram has a 4096 char limit per message
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// With a parse mode set, a parse error falls back to plain text.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			continue
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
