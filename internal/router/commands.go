package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/crewtask/internal/persistence"
)

const helpText = `Crew boost bot

Pool your crew's engagement to push posts past the algorithm threshold.

Basics:
1. Bind your X handle: /bind @your_handle
2. Post a boost or claim one: /boost <link> [one-line goal] (daily limit applies)
3. Comment with the secret emoji: /setemoji 😊 sets it
4. Posters should reply to emoji-carrying comments first (that's crew)

Other commands:
/task <title> | <detail> | <link>  post a general task
/tasks  list unfinished tasks
/mute  silence notifications
/unmute  restore notifications`

func (r *Router) dispatchCommand(ctx context.Context, ev TextEvent, name, command, args string) {
	switch command {
	case "/start", "/help":
		r.send(ev.ChatID, helpText)
	case "/bind":
		r.cmdBind(ctx, ev, name, args)
	case "/mute":
		r.cmdMute(ctx, ev, true)
	case "/unmute":
		r.cmdMute(ctx, ev, false)
	case "/setemoji":
		r.cmdSetEmoji(ctx, ev, args)
	case "/boost":
		r.cmdBoost(ctx, ev, name, args)
	case "/task":
		r.cmdTask(ctx, ev, name, args)
	case "/tasks":
		r.cmdTasks(ctx, ev)
	}
}

// cmdBind registers the user's external handle and announces the new member
// to everyone else. The join announcement ignores mute flags; task fan-out
// does not.
func (r *Router) cmdBind(ctx context.Context, ev TextEvent, name, args string) {
	if args == "" {
		r.send(ev.ChatID, "Send your X handle, e.g. /bind @your_handle")
		return
	}
	handle := strings.TrimSpace(args)
	if !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	if err := r.store.SetUserHandle(ctx, ev.ChatID, ev.UserID, handle); err != nil {
		r.log.Error("set user handle failed", "user_id", ev.UserID, "error", err)
		return
	}
	r.send(ev.ChatID, fmt.Sprintf("Bound: %s", handle))

	recipients, err := r.store.ListRecipients(ctx)
	if err != nil {
		r.log.Error("list recipients failed", "error", err)
		return
	}
	profile := "https://x.com/" + strings.TrimPrefix(handle, "@")
	announcement := fmt.Sprintf(
		"New crew member!\n\nYou are crew member #%d.\n\n%s bound their X handle: %s\nProfile: %s\n\nFollow them back — mutual follows lift everyone's reach.",
		len(recipients), name, handle, profile,
	)
	for _, rec := range recipients {
		if rec.UserID == ev.UserID {
			continue
		}
		r.sendBestEffort(rec.UserID, announcement)
	}
}

func (r *Router) cmdMute(ctx context.Context, ev TextEvent, muted bool) {
	if err := r.store.SetUserMuted(ctx, ev.ChatID, ev.UserID, muted); err != nil {
		r.log.Error("set user muted failed", "user_id", ev.UserID, "error", err)
		return
	}
	if muted {
		r.send(ev.ChatID, "Notifications muted")
	} else {
		r.send(ev.ChatID, "Notifications restored")
	}
}

func (r *Router) cmdSetEmoji(ctx context.Context, ev TextEvent, args string) {
	emoji := strings.TrimSpace(args)
	if emoji == "" {
		r.send(ev.ChatID, "Send an emoji to use as the secret token")
		return
	}
	if err := r.store.SetChatEmoji(ctx, ev.ChatID, emoji); err != nil {
		r.log.Error("set chat emoji failed", "chat_id", ev.ChatID, "error", err)
		return
	}
	r.send(ev.ChatID, fmt.Sprintf("Secret emoji set to: %s", emoji))
}

func (r *Router) cmdBoost(ctx context.Context, ev TextEvent, name, args string) {
	if !r.ensureBound(ctx, ev) {
		return
	}
	if args == "" {
		r.send(ev.ChatID, "Send the post link, e.g. /boost https://x.com/xxx/status/123")
		return
	}
	count, err := r.store.CountCreatedToday(ctx, ev.UserID, BoostCategory)
	if err != nil {
		r.log.Error("count boosts failed", "user_id", ev.UserID, "error", err)
		return
	}
	if count >= r.cfg.DailyBoostLimit {
		r.send(ev.ChatID, fmt.Sprintf("Daily boost limit reached (%d); try again tomorrow", r.cfg.DailyBoostLimit))
		return
	}

	link, detail, _ := strings.Cut(args, " ")
	link = strings.Trim(link, "`<>")
	taskID, err := r.store.CreateTask(ctx, ev.ChatID, ev.UserID, name, BoostCategory, strings.TrimSpace(detail), link)
	if err != nil {
		r.log.Error("create boost task failed", "user_id", ev.UserID, "error", err)
		return
	}
	r.announceTask(ctx, ev.ChatID, taskID)
}

func (r *Router) cmdTask(ctx context.Context, ev TextEvent, name, args string) {
	if !r.ensureBound(ctx, ev) {
		return
	}
	if args == "" {
		r.send(ev.ChatID, "Send a task title, e.g. /task Design a poster | due Friday | https://example.com")
		return
	}
	var title, detail, link string
	fields := strings.Split(args, "|")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	title = fields[0]
	if len(fields) >= 2 {
		detail = fields[1]
	}
	if len(fields) >= 3 {
		link = strings.Trim(fields[2], "`<>")
	}
	taskID, err := r.store.CreateTask(ctx, ev.ChatID, ev.UserID, name, title, detail, link)
	if err != nil {
		r.log.Error("create task failed", "user_id", ev.UserID, "error", err)
		return
	}
	r.announceTask(ctx, ev.ChatID, taskID)
}

func (r *Router) cmdTasks(ctx context.Context, ev TextEvent) {
	if !r.ensureBound(ctx, ev) {
		return
	}
	rows, err := r.store.ListOpenTasks(ctx, r.cfg.ListLimit)
	if err != nil {
		r.log.Error("list open tasks failed", "error", err)
		return
	}
	if len(rows) == 0 {
		r.send(ev.ChatID, "No unfinished tasks right now")
		return
	}
	lines := []string{"Unfinished tasks:"}
	for _, row := range rows {
		title := row.Title
		if title == "" {
			title = "-"
		}
		label := "claimed"
		if row.Status == persistence.TaskStatusOpen {
			label = "awaiting claim"
		}
		lines = append(lines, fmt.Sprintf("- #%d %s (%s)", row.ID, title, label))
	}
	r.send(ev.ChatID, strings.Join(lines, "\n"))
}

// ensureBound rejects task creation and listing for users without a bound
// handle, pointing them at /bind.
func (r *Router) ensureBound(ctx context.Context, ev TextEvent) bool {
	bound, err := r.store.IsUserBound(ctx, ev.ChatID, ev.UserID)
	if err != nil {
		r.log.Error("read user binding failed", "user_id", ev.UserID, "error", err)
		return false
	}
	if bound {
		return true
	}
	r.send(ev.ChatID, "Bind your X handle first:\n/bind @your_handle\n\nBinding is required before posting or claiming.")
	return false
}
