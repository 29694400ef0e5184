package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/inbox-triage/internal/models"
	"go.uber.org/zap"
)

const (
	maxExcerpt = 200

	// pollTimeout is the long-poll window for getUpdates; the HTTP client
	// timeout must outlast it.
	pollTimeout   = 30
	clientTimeout = 45 * time.Second

	alertQueueSize = 64
)

// ErrAlertQueueFull is returned when alerts arrive faster than Telegram
// accepts them.
var ErrAlertQueueFull = errors.New("bot: alert queue full")

// botAPI is the part of tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// PriorityLister returns the conversations awaiting human attention.
type PriorityLister interface {
	HighPriority(ctx context.Context) ([]models.Conversation, error)
}

// Bot alerts an operator chat about escalated conversations and answers
// /priority from that chat.
type Bot struct {
	api           botAPI
	chatID        int64
	conversations PriorityLister
	alerts        chan string
	logger        *zap.Logger
}

func New(token string, chatID int64, conversations PriorityLister, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: clientTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return newBot(api, chatID, conversations, logger)
}

func newBot(api botAPI, chatID int64, conversations PriorityLister, logger *zap.Logger) (*Bot, error) {
	if chatID == 0 {
		return nil, errors.New("bot: operator chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		api:           api,
		chatID:        chatID,
		conversations: conversations,
		alerts:        make(chan string, alertQueueSize),
		logger:        logger,
	}, nil
}

// SetConversations wires the lister used by /priority once the service
// exists.
func (b *Bot) SetConversations(conversations PriorityLister) {
	b.conversations = conversations
}

// NotifyHighPriority queues an alert for a conversation that just became
// high priority. It never waits on Telegram; Start delivers the queue.
func (b *Bot) NotifyHighPriority(ctx context.Context, conv models.Conversation, msg models.Message) error {
	text := fmt.Sprintf("High priority conversation\nContact: %s\nSender: %s\nIntent: %s\nMessage: %s",
		conv.ContactPhone, msg.Sender, msg.Intent, excerpt(msg.Body))
	if conv.IsOptedOut {
		text += "\n(contact has opted out)"
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.alerts <- text:
		return nil
	default:
		return ErrAlertQueueFull
	}
}

// Start delivers queued alerts and serves commands until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	go b.deliverAlerts(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) deliverAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(b.alerts); n > 0 {
				b.logger.Warn("Dropping undelivered alerts", zap.Int("count", n))
			}
			return
		case text := <-b.alerts:
			if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
				b.logger.Error("Failed to send alert",
					zap.Int64("chat_id", b.chatID),
					zap.Error(err))
			}
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat == nil || message.Chat.ID != b.chatID {
		b.logger.Warn("Ignoring command from unknown chat",
			zap.String("command", message.Command()))
		return
	}

	var response string
	switch message.Command() {
	case "priority":
		response = b.priorityReport(ctx)
	case "start", "help":
		response = "Commands:\n/priority - list high priority conversations"
	default:
		response = "Unknown command. Try /help"
	}
	b.sendMessage(message.Chat.ID, response)
}

func (b *Bot) priorityReport(ctx context.Context) string {
	if b.conversations == nil {
		return "Conversation lookup is not available."
	}
	convs, err := b.conversations.HighPriority(ctx)
	if err != nil {
		b.logger.Error("Failed to list high priority conversations", zap.Error(err))
		return "Failed to load conversations."
	}
	if len(convs) == 0 {
		return "No high priority conversations."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d high priority conversation(s):\n", len(convs))
	for _, c := range convs {
		fmt.Fprintf(&sb, "\n%s (%d messages)", c.ContactPhone, len(c.Messages))
		if c.IsOptedOut {
			sb.WriteString(" [opted out]")
		}
		if n := len(c.Messages); n > 0 {
			last := c.Messages[n-1]
			fmt.Fprintf(&sb, "\n  last: %s: %s", last.Sender, excerpt(last.Body))
		}
	}
	return sb.String()
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

func excerpt(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= maxExcerpt {
		return string(r)
	}
	return string(r[:maxExcerpt]) + "…"
}
