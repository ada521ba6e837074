package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/crewtask/internal/persistence"
)

func createTask(t *testing.T, store *persistence.Store, creatorID int64, title string) int64 {
	t.Helper()
	id, err := store.CreateTask(context.Background(), creatorID, creatorID, "@creator", title, "", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func mustStatus(t *testing.T, store *persistence.Store, taskID int64, want persistence.TaskStatus) {
	t.Helper()
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task %d: %v", taskID, err)
	}
	if task.Status != want {
		t.Fatalf("task %d status = %q, want %q", taskID, task.Status, want)
	}
}

func mustClaimCount(t *testing.T, store *persistence.Store, taskID int64, want int) {
	t.Helper()
	count, err := store.CountClaims(context.Background(), taskID)
	if err != nil {
		t.Fatalf("count claims: %v", err)
	}
	if count != want {
		t.Fatalf("task %d claim count = %d, want %d", taskID, count, want)
	}
}

func TestCreateTask_StartsOpen(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, 10, 100, "@alice", "Design a poster", "due Friday", "https://example.com")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusOpen {
		t.Fatalf("status = %q, want open", task.Status)
	}
	if task.CreatorName != "@alice" || task.Title != "Design a poster" || task.Link != "https://example.com" {
		t.Fatalf("unexpected task fields: %+v", task)
	}
	if task.ClaimedBy != 0 || task.ClaimedAt != nil || task.CompletedAt != nil {
		t.Fatalf("new task carries claim/completion state: %+v", task)
	}
	mustClaimCount(t, store, id, 0)
}

func TestGetTask_NotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetTask(context.Background(), 12345); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimTask_TransitionsAndDuplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, 100, "boost me")

	outcome, err := store.ClaimTask(ctx, id, 200, "@bob")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome != persistence.ClaimOK {
		t.Fatalf("outcome = %q, want ok", outcome)
	}
	mustStatus(t, store, id, persistence.TaskStatusClaimed)
	mustClaimCount(t, store, id, 1)

	// Second claim by the same user is rejected, not merged.
	outcome, err = store.ClaimTask(ctx, id, 200, "@bob")
	if err != nil {
		t.Fatalf("duplicate claim: %v", err)
	}
	if outcome != persistence.ClaimDuplicate {
		t.Fatalf("outcome = %q, want duplicate", outcome)
	}
	mustClaimCount(t, store, id, 1)

	// A different user stacks a second claim; the displayed claimant moves
	// to the newest one.
	outcome, err = store.ClaimTask(ctx, id, 300, "@carol")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome != persistence.ClaimOK {
		t.Fatalf("outcome = %q, want ok", outcome)
	}
	mustStatus(t, store, id, persistence.TaskStatusClaimed)
	mustClaimCount(t, store, id, 2)

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimedBy != 300 || task.ClaimedByName != "@carol" {
		t.Fatalf("displayed claimant = %d/%q, want 300/@carol", task.ClaimedBy, task.ClaimedByName)
	}
}

func TestClaimTask_MissingOrDoneIsClosed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcome, err := store.ClaimTask(ctx, 999, 200, "@bob")
	if err != nil {
		t.Fatalf("claim missing: %v", err)
	}
	if outcome != persistence.ClaimClosed {
		t.Fatalf("outcome = %q, want closed", outcome)
	}

	id := createTask(t, store, 100, "t")
	if _, err := store.ClaimTask(ctx, id, 200, "@bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.CompleteTask(ctx, id, 200); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	outcome, err = store.ClaimTask(ctx, id, 300, "@carol")
	if err != nil {
		t.Fatalf("claim done task: %v", err)
	}
	if outcome != persistence.ClaimClosed {
		t.Fatalf("outcome = %q, want closed", outcome)
	}
	mustClaimCount(t, store, id, 1)
}

func TestReleaseTask_RevertsOnlyAtZeroClaims(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, 100, "t")

	// Not a claimant.
	if ok, err := store.ReleaseTask(ctx, id, 200); err != nil || ok {
		t.Fatalf("release without claim: ok=%v err=%v", ok, err)
	}

	if _, err := store.ClaimTask(ctx, id, 200, "@bob"); err != nil {
		t.Fatalf("claim bob: %v", err)
	}
	if _, err := store.ClaimTask(ctx, id, 300, "@carol"); err != nil {
		t.Fatalf("claim carol: %v", err)
	}

	// Bob releases; carol still holds a claim so the task stays claimed.
	if ok, err := store.ReleaseTask(ctx, id, 200); err != nil || !ok {
		t.Fatalf("release bob: ok=%v err=%v", ok, err)
	}
	mustStatus(t, store, id, persistence.TaskStatusClaimed)
	mustClaimCount(t, store, id, 1)

	// Default policy: the displayed claimant is not recomputed on release.
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimedBy != 300 {
		t.Fatalf("displayed claimant = %d, want 300", task.ClaimedBy)
	}

	// Carol releases; zero claims remain so the task reopens and the
	// display cache clears.
	if ok, err := store.ReleaseTask(ctx, id, 300); err != nil || !ok {
		t.Fatalf("release carol: ok=%v err=%v", ok, err)
	}
	mustStatus(t, store, id, persistence.TaskStatusOpen)
	mustClaimCount(t, store, id, 0)

	task, err = store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimedBy != 0 || task.ClaimedByName != "" || task.ClaimedAt != nil {
		t.Fatalf("display cache not cleared: %+v", task)
	}
}

func TestReleaseTask_RecomputeClaimantPolicy(t *testing.T) {
	store := openTestStoreOpts(t, persistence.Options{RecomputeClaimantOnRelease: true})
	ctx := context.Background()
	id := createTask(t, store, 100, "t")

	if _, err := store.ClaimTask(ctx, id, 200, "@bob"); err != nil {
		t.Fatalf("claim bob: %v", err)
	}
	if _, err := store.ClaimTask(ctx, id, 300, "@carol"); err != nil {
		t.Fatalf("claim carol: %v", err)
	}

	// The newest claimant (carol) releases; bob is promoted into the
	// display cache instead of leaving carol's name stale.
	if ok, err := store.ReleaseTask(ctx, id, 300); err != nil || !ok {
		t.Fatalf("release carol: ok=%v err=%v", ok, err)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimedBy != 200 || task.ClaimedByName != "@bob" {
		t.Fatalf("displayed claimant = %d/%q, want 200/@bob", task.ClaimedBy, task.ClaimedByName)
	}
}

func TestCompleteTask_RequiresClaimAndIsTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, 100, "t")

	// No claim yet.
	if ok, err := store.CompleteTask(ctx, id, 200); err != nil || ok {
		t.Fatalf("complete without claim: ok=%v err=%v", ok, err)
	}
	mustStatus(t, store, id, persistence.TaskStatusOpen)

	if _, err := store.ClaimTask(ctx, id, 200, "@bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.CompleteTask(ctx, id, 200); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	mustStatus(t, store, id, persistence.TaskStatusDone)

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	// done is terminal for every lifecycle operation.
	if ok, err := store.CompleteTask(ctx, id, 200); err != nil || ok {
		t.Fatalf("re-complete: ok=%v err=%v", ok, err)
	}
	if ok, err := store.ReleaseTask(ctx, id, 200); err != nil || ok {
		t.Fatalf("release after done: ok=%v err=%v", ok, err)
	}
	if outcome, err := store.ClaimTask(ctx, id, 300, "@carol"); err != nil || outcome != persistence.ClaimClosed {
		t.Fatalf("claim after done: outcome=%q err=%v", outcome, err)
	}
	mustStatus(t, store, id, persistence.TaskStatusDone)
}

func TestCompleteTask_NonClaimantRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, 100, "t")

	if _, err := store.ClaimTask(ctx, id, 200, "@bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := store.CompleteTask(ctx, id, 300); err != nil || ok {
		t.Fatalf("non-claimant complete: ok=%v err=%v", ok, err)
	}
	mustStatus(t, store, id, persistence.TaskStatusClaimed)
}

// Full lifecycle walk matching the multi-claimant scenario the bot supports.
func TestTaskLifecycle_EndToEnd(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := createTask(t, store, 100, "boost me")
	mustStatus(t, store, id, persistence.TaskStatusOpen)
	mustClaimCount(t, store, id, 0)

	// B claims.
	if outcome, _ := store.ClaimTask(ctx, id, 200, "@bob"); outcome != persistence.ClaimOK {
		t.Fatalf("bob claim: %q", outcome)
	}
	mustStatus(t, store, id, persistence.TaskStatusClaimed)
	mustClaimCount(t, store, id, 1)

	// C claims too; displayed claimant moves to C.
	if outcome, _ := store.ClaimTask(ctx, id, 300, "@carol"); outcome != persistence.ClaimOK {
		t.Fatalf("carol claim: %q", outcome)
	}
	mustClaimCount(t, store, id, 2)
	task, _ := store.GetTask(ctx, id)
	if task.ClaimedBy != 300 {
		t.Fatalf("displayed claimant = %d, want 300", task.ClaimedBy)
	}

	// B releases; C remains, so still claimed.
	if ok, _ := store.ReleaseTask(ctx, id, 200); !ok {
		t.Fatalf("bob release failed")
	}
	mustStatus(t, store, id, persistence.TaskStatusClaimed)
	mustClaimCount(t, store, id, 1)

	// C releases; zero claimants, task reopens.
	if ok, _ := store.ReleaseTask(ctx, id, 300); !ok {
		t.Fatalf("carol release failed")
	}
	mustStatus(t, store, id, persistence.TaskStatusOpen)

	// B claims again and completes.
	if outcome, _ := store.ClaimTask(ctx, id, 200, "@bob"); outcome != persistence.ClaimOK {
		t.Fatalf("bob reclaim: %q", outcome)
	}
	if ok, _ := store.CompleteTask(ctx, id, 200); !ok {
		t.Fatalf("bob complete failed")
	}
	mustStatus(t, store, id, persistence.TaskStatusDone)
}

func TestCountCreatedToday_RateLimitBoundaries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	const boostTitle = "crew boost"

	for i := 0; i < 10; i++ {
		createTaskTitled(t, store, 100, boostTitle)
	}
	// Different title and different creator never count toward the ceiling.
	createTaskTitled(t, store, 100, "something else")
	createTaskTitled(t, store, 999, boostTitle)

	count, err := store.CountCreatedToday(ctx, 100, boostTitle)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 10 {
		t.Fatalf("count = %d, want 10", count)
	}

	// Yesterday's tasks fall out of the window.
	yesterday := time.Now().AddDate(0, 0, -1).Unix()
	if _, err := store.DB().Exec(`UPDATE tasks SET created_at = ? WHERE creator_id = 100 AND title = ? AND id IN (SELECT id FROM tasks WHERE creator_id = 100 AND title = ? LIMIT 3);`, yesterday, boostTitle, boostTitle); err != nil {
		t.Fatalf("backdate tasks: %v", err)
	}
	count, err = store.CountCreatedToday(ctx, 100, boostTitle)
	if err != nil {
		t.Fatalf("recount: %v", err)
	}
	if count != 7 {
		t.Fatalf("count = %d, want 7 after backdating", count)
	}
}

func createTaskTitled(t *testing.T, store *persistence.Store, creatorID int64, title string) {
	t.Helper()
	if _, err := store.CreateTask(context.Background(), creatorID, creatorID, "@x", title, "", ""); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestListOpenTasks_NewestFirstAndCapped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, createTask(t, store, 100, "t"))
	}
	// Completed tasks drop out of the listing.
	if _, err := store.ClaimTask(ctx, ids[0], 200, "@bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, _ := store.CompleteTask(ctx, ids[0], 200); !ok {
		t.Fatalf("complete failed")
	}

	rows, err := store.ListOpenTasks(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}
	if rows[0].ID != ids[4] {
		t.Fatalf("first row = #%d, want newest #%d", rows[0].ID, ids[4])
	}
	for _, row := range rows {
		if row.ID == ids[0] {
			t.Fatalf("done task #%d listed", ids[0])
		}
	}
}
