// Package channels adapts the Telegram transport to the router's event
// model. The router never sees tgbotapi types.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/crewtask/internal/render"
	"github.com/basket/crewtask/internal/router"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Handler receives one inbound event at a time, synchronously.
type Handler interface {
	OnTextEvent(ctx context.Context, ev router.TextEvent)
	OnButtonEvent(ctx context.Context, ev router.ButtonEvent)
}

// Telegram long-polls the bot API and feeds updates into the handler. It
// also implements router.Messenger for outbound sends and edits.
type Telegram struct {
	bot         *tgbotapi.BotAPI
	handler     Handler
	logger      *slog.Logger
	pollTimeout int
}

func NewTelegram(token string, pollTimeoutSeconds int, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = 60
	}
	return &Telegram{bot: bot, logger: logger, pollTimeout: pollTimeoutSeconds}, nil
}

// SetHandler wires the event consumer. Must be called before Start.
func (t *Telegram) SetHandler(h Handler) {
	t.handler = h
}

func (t *Telegram) Start(ctx context.Context) error {
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = t.pollTimeout
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection; the library blocks rather than closing the channel on a dead
// connection).
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	stallTimeout := time.Duration(t.pollTimeout) * time.Second * 5 / 2

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty
			// long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil && update.Message.From != nil {
				t.handler.OnTextEvent(ctx, textEvent(update.Message))
				continue
			}
			if update.CallbackQuery != nil {
				t.handler.OnButtonEvent(ctx, buttonEvent(update.CallbackQuery))
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func textEvent(msg *tgbotapi.Message) router.TextEvent {
	return router.TextEvent{
		ChatID:    msg.Chat.ID,
		Private:   msg.Chat.IsPrivate(),
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		Text:      msg.Text,
	}
}

func buttonEvent(query *tgbotapi.CallbackQuery) router.ButtonEvent {
	ev := router.ButtonEvent{
		CallbackID: query.ID,
		UserID:     query.From.ID,
		Username:   query.From.UserName,
		FirstName:  query.From.FirstName,
		Data:       query.Data,
	}
	if query.Message != nil {
		ev.ChatID = query.Message.Chat.ID
		ev.MessageID = query.Message.MessageID
	}
	return ev
}

// SendMessage implements router.Messenger.
func (t *Telegram) SendMessage(chatID int64, text string, keyboard [][]render.Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = toMarkup(keyboard)
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// EditMessage implements router.Messenger.
func (t *Telegram) EditMessage(chatID int64, messageID int, text string, keyboard [][]render.Button) error {
	var err error
	if keyboard != nil {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, toMarkup(keyboard))
		_, err = t.bot.Send(edit)
	} else {
		edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
		_, err = t.bot.Send(edit)
	}
	if err != nil {
		return fmt.Errorf("edit message %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// AnswerCallback implements router.Messenger.
func (t *Telegram) AnswerCallback(callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := t.bot.Request(cb); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

func toMarkup(keyboard [][]render.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
