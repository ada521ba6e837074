// Package render turns task records into display text and inline control
// sets. Everything here is a pure function of its inputs so the router and
// the transport adapter always produce identical renderings.
package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/crewtask/internal/persistence"
)

var (
	ErrMalformedCallback = errors.New("malformed callback data")
	ErrBadTaskID         = errors.New("invalid task id in callback data")
)

// Button is one transport-neutral inline control. Data round-trips through
// ParseCallback.
type Button struct {
	Label string
	Data  string
}

const (
	ActionClaim    = "claim"
	ActionComplete = "done"
	ActionRelease  = "release"
)

// TaskText renders the announcement body for a task. claimCount is the live
// claim-ledger count and only shows for claimed tasks.
func TaskText(task *persistence.Task, claimCount int, emoji string) string {
	title := task.Title
	if title == "" {
		title = "-"
	}
	lines := []string{
		fmt.Sprintf("Task #%d", task.ID),
		fmt.Sprintf("Posted by: %s", task.CreatorName),
		fmt.Sprintf("Title: %s", title),
	}
	if task.Detail != "" {
		lines = append(lines, fmt.Sprintf("Detail: %s", task.Detail))
	}
	if task.Link != "" {
		lines = append(lines, fmt.Sprintf("Link: %s", task.Link))
	}
	lines = append(lines,
		fmt.Sprintf("Secret emoji: %s", emoji),
		"Rule: replies carrying the secret emoji are crew, engage with them first.",
	)
	switch task.Status {
	case persistence.TaskStatusOpen:
		lines = append(lines, "Status: awaiting claim")
	case persistence.TaskStatusClaimed:
		lines = append(lines, fmt.Sprintf("Status: claimed (%d people)", claimCount))
	default:
		lines = append(lines, "Status: completed")
	}
	return strings.Join(lines, "\n")
}

// Keyboard returns the control rows appropriate for a task status.
// Done tasks get none.
func Keyboard(status persistence.TaskStatus, taskID int64) [][]Button {
	switch status {
	case persistence.TaskStatusOpen:
		return [][]Button{{
			{Label: "Claim", Data: CallbackData(ActionClaim, taskID)},
		}}
	case persistence.TaskStatusClaimed:
		return [][]Button{{
			{Label: "Complete", Data: CallbackData(ActionComplete, taskID)},
			{Label: "Release", Data: CallbackData(ActionRelease, taskID)},
		}}
	default:
		return nil
	}
}

func CallbackData(action string, taskID int64) string {
	return fmt.Sprintf("%s:%d", action, taskID)
}

// ParseCallback splits a button payload back into its action and task id.
func ParseCallback(data string) (action string, taskID int64, err error) {
	action, raw, found := strings.Cut(data, ":")
	if !found {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedCallback, data)
	}
	taskID, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || taskID <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadTaskID, data)
	}
	return action, taskID, nil
}
