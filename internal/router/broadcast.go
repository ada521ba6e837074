package router

import (
	"context"

	"github.com/basket/crewtask/internal/persistence"
	"github.com/basket/crewtask/internal/render"
	"github.com/google/uuid"
)

// announceTask fans a freshly created task out to every non-muted user and
// records the first successful delivery as the task's canonical message.
// Later state changes edit that one copy in place; the other recipients keep
// point-in-time snapshots.
func (r *Router) announceTask(ctx context.Context, chatID, taskID int64) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.log.Error("read task for announce failed", "task_id", taskID, "error", err)
		return
	}
	emoji := r.emoji(ctx, chatID)
	text := render.TaskText(task, 0, emoji)
	keyboard := render.Keyboard(task.Status, task.ID)

	recipients, err := r.store.ListRecipients(ctx)
	if err != nil {
		r.log.Error("list recipients failed", "task_id", taskID, "error", err)
		return
	}

	run := uuid.NewString()
	r.log.Info("broadcast start", "run_id", run, "task_id", taskID, "recipients", len(recipients))

	var firstChatID int64
	firstMessageID := 0
	delivered := 0
	for _, rec := range recipients {
		if rec.Muted {
			continue
		}
		msgID, err := r.msgr.SendMessage(rec.UserID, text, keyboard)
		if err != nil {
			// One unreachable recipient never aborts the fan-out.
			r.log.Warn("broadcast delivery failed", "run_id", run, "task_id", taskID, "recipient", rec.UserID, "error", err)
			continue
		}
		delivered++
		if firstMessageID == 0 {
			firstChatID = rec.UserID
			firstMessageID = msgID
		}
	}
	r.log.Info("broadcast done", "run_id", run, "task_id", taskID, "delivered", delivered)

	if firstMessageID != 0 {
		if err := r.store.SetTaskMessage(ctx, taskID, firstChatID, firstMessageID); err != nil {
			r.log.Error("record task message failed", "task_id", taskID, "error", err)
		}
	}
}

// refreshRenderings re-renders a task after a state change: the canonical
// announcement message is edited in place, and so is the copy the button was
// pressed on when it is a different one.
func (r *Router) refreshRenderings(ctx context.Context, task *persistence.Task, originChatID int64, originMessageID int) {
	count := 0
	if task.Status == persistence.TaskStatusClaimed {
		var err error
		count, err = r.store.CountClaims(ctx, task.ID)
		if err != nil {
			r.log.Error("count claims failed", "task_id", task.ID, "error", err)
		}
	}
	emoji := r.emoji(ctx, task.ChatID)
	text := render.TaskText(task, count, emoji)
	keyboard := render.Keyboard(task.Status, task.ID)

	r.pushUpdate(task.MessageChatID, task.MessageID, text, keyboard)
	if originMessageID != 0 && (originChatID != task.MessageChatID || originMessageID != task.MessageID) {
		r.pushUpdate(originChatID, originMessageID, text, keyboard)
	}
}

// pushUpdate edits one rendered copy in place. Edit failures (message gone,
// rate limit) are logged and swallowed.
func (r *Router) pushUpdate(chatID int64, messageID int, text string, keyboard [][]render.Button) {
	if messageID == 0 {
		return
	}
	if err := r.msgr.EditMessage(chatID, messageID, text, keyboard); err != nil {
		r.log.Warn("push update failed", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}
