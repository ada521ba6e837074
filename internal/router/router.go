// Package router dispatches inbound chat events to the task lifecycle
// engine and renders the results back through a narrow Messenger interface.
// It never touches the chat platform's wire format.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/crewtask/internal/persistence"
	"github.com/basket/crewtask/internal/render"
)

// BoostCategory is the fixed title of rate-limited boost tasks. The daily
// ceiling counts exact title matches.
const BoostCategory = "crew boost"

var urlRE = regexp.MustCompile(`https?://\S+`)

// Messenger is the transport surface the router consumes. Implementations
// return an error on failed delivery; the router decides which failures are
// swallowed.
type Messenger interface {
	SendMessage(chatID int64, text string, keyboard [][]render.Button) (messageID int, err error)
	EditMessage(chatID int64, messageID int, text string, keyboard [][]render.Button) error
	AnswerCallback(callbackID, text string) error
}

// TextEvent is one inbound text message.
type TextEvent struct {
	ChatID    int64
	Private   bool
	UserID    int64
	Username  string
	FirstName string
	Text      string
}

// ButtonEvent is one inbound button press.
type ButtonEvent struct {
	CallbackID string
	UserID     int64
	Username   string
	FirstName  string
	Data       string
	ChatID     int64
	MessageID  int
}

type Config struct {
	DefaultEmoji    string
	DailyBoostLimit int
	ListLimit       int
}

type Router struct {
	store *persistence.Store
	msgr  Messenger
	log   *slog.Logger
	cfg   Config
}

func New(store *persistence.Store, msgr Messenger, logger *slog.Logger, cfg Config) *Router {
	if cfg.DailyBoostLimit <= 0 {
		cfg.DailyBoostLimit = 10
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}
	return &Router{store: store, msgr: msgr, log: logger, cfg: cfg}
}

// OnTextEvent processes exactly one inbound text message synchronously.
func (r *Router) OnTextEvent(ctx context.Context, ev TextEvent) {
	name := displayName(ev.Username, ev.FirstName)
	if err := r.store.UpsertUser(ctx, ev.ChatID, ev.UserID, ev.Username, name); err != nil {
		r.log.Error("upsert user failed", "chat_id", ev.ChatID, "user_id", ev.UserID, "error", err)
		return
	}

	if !ev.Private {
		r.send(ev.ChatID, "Please DM the bot to use it.")
		return
	}

	text := strings.TrimSpace(ev.Text)
	if !strings.HasPrefix(text, "/") {
		r.handleBacklinkReply(ctx, ev, text)
		return
	}

	head, args, _ := strings.Cut(text, " ")
	command, _, _ := strings.Cut(head, "@")
	r.dispatchCommand(ctx, ev, name, strings.ToLower(command), strings.TrimSpace(args))
}

// OnButtonEvent processes exactly one inbound button press synchronously.
func (r *Router) OnButtonEvent(ctx context.Context, ev ButtonEvent) {
	name := displayName(ev.Username, ev.FirstName)
	if err := r.store.UpsertUser(ctx, ev.ChatID, ev.UserID, ev.Username, name); err != nil {
		r.log.Error("upsert user failed", "chat_id", ev.ChatID, "user_id", ev.UserID, "error", err)
		return
	}

	action, taskID, err := render.ParseCallback(ev.Data)
	if err != nil {
		if errors.Is(err, render.ErrMalformedCallback) {
			r.answer(ev.CallbackID, "Invalid action")
		} else {
			r.answer(ev.CallbackID, "Invalid task")
		}
		return
	}

	switch action {
	case render.ActionClaim:
		r.buttonClaim(ctx, ev, name, taskID)
	case render.ActionRelease:
		r.buttonRelease(ctx, ev, taskID)
	case render.ActionComplete:
		r.buttonComplete(ctx, ev, name, taskID)
	default:
		r.answer(ev.CallbackID, "Unknown action")
	}
}

// handleBacklinkReply runs the awaiting-backlink leg of the workflow: the
// user's next free-text message is forwarded to the task creator. Commands
// never reach here; they take priority over the pending marker.
func (r *Router) handleBacklinkReply(ctx context.Context, ev TextEvent, text string) {
	pending, err := r.store.PendingBacklink(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		r.log.Error("read pending backlink failed", "user_id", ev.UserID, "error", err)
		return
	}
	if pending == 0 {
		return
	}

	task, err := r.store.GetTask(ctx, pending)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			// Re-prompt and keep the marker; the periodic sweep clears it
			// if the task never comes back.
			r.send(ev.ChatID, "Please send the backlink (comment or interaction link).")
			return
		}
		r.log.Error("read pending task failed", "task_id", pending, "error", err)
		return
	}

	backlink := extractFirstURL(text)
	if backlink == "" {
		backlink = text
	}
	forward := fmt.Sprintf(
		"Backlink for task #%d: %s\n\nThe claimant has finished engaging. Reply to them soon to grow the interaction.",
		pending, backlink,
	)
	r.sendBestEffort(task.CreatorID, forward)
	r.send(ev.ChatID, "Backlink forwarded to the task poster. Thanks for helping out!")
	if err := r.store.SetPendingBacklink(ctx, ev.ChatID, ev.UserID, 0); err != nil {
		r.log.Error("clear pending backlink failed", "user_id", ev.UserID, "error", err)
	}
}

func (r *Router) buttonClaim(ctx context.Context, ev ButtonEvent, name string, taskID int64) {
	bound, err := r.store.IsUserBound(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		r.log.Error("read user binding failed", "user_id", ev.UserID, "error", err)
		return
	}
	if !bound {
		r.answer(ev.CallbackID, "Bind your X handle first")
		r.sendBestEffort(ev.UserID, "Bind your X handle first:\n/bind @your_handle")
		return
	}

	outcome, err := r.store.ClaimTask(ctx, taskID, ev.UserID, name)
	if err != nil {
		r.log.Error("claim task failed", "task_id", taskID, "user_id", ev.UserID, "error", err)
		return
	}
	switch outcome {
	case persistence.ClaimDuplicate:
		r.answer(ev.CallbackID, "You already claimed this task")
		return
	case persistence.ClaimClosed:
		r.answer(ev.CallbackID, "This task is already closed")
		return
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.log.Error("read task after claim failed", "task_id", taskID, "error", err)
		return
	}
	r.refreshRenderings(ctx, task, ev.ChatID, ev.MessageID)
	r.answer(ev.CallbackID, "Claimed")
	r.sendBestEffort(task.CreatorID, fmt.Sprintf("%s accepted your task #%d", name, taskID))
}

func (r *Router) buttonRelease(ctx context.Context, ev ButtonEvent, taskID int64) {
	ok, err := r.store.ReleaseTask(ctx, taskID, ev.UserID)
	if err != nil {
		r.log.Error("release task failed", "task_id", taskID, "user_id", ev.UserID, "error", err)
		return
	}
	if !ok {
		r.answer(ev.CallbackID, "Only a claimant can release")
		return
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.log.Error("read task after release failed", "task_id", taskID, "error", err)
		return
	}
	r.refreshRenderings(ctx, task, ev.ChatID, ev.MessageID)
	r.answer(ev.CallbackID, "Released")
}

func (r *Router) buttonComplete(ctx context.Context, ev ButtonEvent, name string, taskID int64) {
	ok, err := r.store.CompleteTask(ctx, taskID, ev.UserID)
	if err != nil {
		r.log.Error("complete task failed", "task_id", taskID, "user_id", ev.UserID, "error", err)
		return
	}
	if !ok {
		r.answer(ev.CallbackID, "Only a claimant can complete")
		return
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.log.Error("read task after complete failed", "task_id", taskID, "error", err)
		return
	}
	r.refreshRenderings(ctx, task, ev.ChatID, ev.MessageID)
	r.answer(ev.CallbackID, "Completed! Now send your backlink so the poster can return the favor")
	r.send(ev.ChatID, "Reply here with your backlink (comment or interaction link); I'll forward it to the task poster.")
	if err := r.store.SetPendingBacklink(ctx, ev.ChatID, ev.UserID, taskID); err != nil {
		r.log.Error("set pending backlink failed", "user_id", ev.UserID, "error", err)
	}
	r.sendBestEffort(task.CreatorID, fmt.Sprintf("%s completed your task #%d", name, taskID))
}

func (r *Router) emoji(ctx context.Context, chatID int64) string {
	e, err := r.store.ChatEmoji(ctx, chatID)
	if err != nil {
		r.log.Error("read chat emoji failed", "chat_id", chatID, "error", err)
	}
	if e == "" {
		return r.cfg.DefaultEmoji
	}
	return e
}

// send delivers a reply to the acting user. Failures are logged and not
// retried; they never change state.
func (r *Router) send(chatID int64, text string) {
	if _, err := r.msgr.SendMessage(chatID, text, nil); err != nil {
		r.log.Warn("send failed", "chat_id", chatID, "error", err)
	}
}

// sendBestEffort is for third-party notifications: failures are swallowed.
func (r *Router) sendBestEffort(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := r.msgr.SendMessage(chatID, text, nil); err != nil {
		r.log.Warn("best-effort send failed", "chat_id", chatID, "error", err)
	}
}

func (r *Router) answer(callbackID, text string) {
	if err := r.msgr.AnswerCallback(callbackID, text); err != nil {
		r.log.Warn("answer callback failed", "callback_id", callbackID, "error", err)
	}
}

func displayName(username, firstName string) string {
	if username != "" {
		return "@" + username
	}
	if firstName != "" {
		return firstName
	}
	return "Unknown"
}

// extractFirstURL pulls the first http(s) URL from free text, stripped of
// wrapping backticks or angle brackets and trailing punctuation. Returns ""
// when the text has none.
func extractFirstURL(text string) string {
	match := urlRE.FindString(text)
	if match == "" {
		return ""
	}
	url := strings.Trim(match, "`<>")
	url = strings.TrimRight(url, `).,;:!?]}>'"`)
	return url
}
