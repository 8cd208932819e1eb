package coordination_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ajjucoder/codex-team-orchestrator-sub001/coordination"
)

func createTestTask(t *testing.T, store *coordination.Store, teamID, title string) coordination.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), coordination.Task{TeamID: teamID, Title: title})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestTasks_CreateStartsAtVersionZero(t *testing.T) {
	store, _ := openTestStore(t)
	team := createTestTeam(t, store)

	task := createTestTask(t, store, team.TeamID, "write docs")
	if task.LockVersion != 0 {
		t.Fatalf("expected lock_version 0, got %d", task.LockVersion)
	}
	if task.Status != coordination.TaskStatusTodo {
		t.Fatalf("expected status todo, got %s", task.Status)
	}
}

func TestTasks_ClaimIncrementsVersionAndSetsClaimant(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "claim me")

	claimed, err := store.ClaimTask(ctx, team.TeamID, task.TaskID, "agent-1", 0)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if claimed.Status != coordination.TaskStatusInProgress {
		t.Fatalf("expected in_progress, got %s", claimed.Status)
	}
	if claimed.ClaimedBy != "agent-1" {
		t.Fatalf("expected claimed_by agent-1, got %q", claimed.ClaimedBy)
	}
	if claimed.LockVersion != 1 {
		t.Fatalf("expected lock_version 1, got %d", claimed.LockVersion)
	}
}

func TestTasks_SecondClaimantGetsLockConflict(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "contested")

	if _, err := store.ClaimTask(ctx, team.TeamID, task.TaskID, "agent-1", 0); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// The loser still holds the stale version token.
	_, err := store.ClaimTask(ctx, team.TeamID, task.TaskID, "agent-2", 0)
	var conflict *coordination.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected LockConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("conflict versions wrong: expected=%d actual=%d", conflict.Expected, conflict.Actual)
	}
}

func TestTasks_ConcurrentClaimsYieldOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "raced")

	type outcome struct {
		agent string
		task  coordination.Task
		err   error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for _, agent := range []string{"agent-1", "agent-2"} {
		go func(agent string) {
			<-start
			claimed, err := store.ClaimTask(ctx, team.TeamID, task.TaskID, agent, 0)
			results <- outcome{agent: agent, task: claimed, err: err}
		}(agent)
	}
	close(start)

	var winner string
	var conflicts int
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			if winner != "" {
				t.Fatalf("both claimants succeeded: %s and %s", winner, res.agent)
			}
			winner = res.agent
			if res.task.LockVersion != 1 {
				t.Fatalf("winner's lock_version = %d, want 1", res.task.LockVersion)
			}
			continue
		}
		var conflict *coordination.LockConflictError
		if !errors.As(res.err, &conflict) {
			t.Fatalf("loser got %v, want LockConflictError", res.err)
		}
		if conflict.Expected != 0 || conflict.Actual != 1 {
			t.Fatalf("conflict versions wrong: expected=%d actual=%d", conflict.Expected, conflict.Actual)
		}
		conflicts++
	}
	if winner == "" || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got winner=%q conflicts=%d", winner, conflicts)
	}

	got, err := store.GetTask(ctx, team.TeamID, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ClaimedBy != winner || got.Status != coordination.TaskStatusInProgress || got.LockVersion != 1 {
		t.Fatalf("final state inconsistent with single winner: %+v", got)
	}
}

func TestTasks_ClaimNonTodoNotClaimable(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "once")

	claimed, err := store.ClaimTask(ctx, team.TeamID, task.TaskID, "agent-1", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// With the fresh version the status check is what rejects the claim.
	_, err = store.ClaimTask(ctx, team.TeamID, task.TaskID, "agent-2", claimed.LockVersion)
	var notClaimable *coordination.NotClaimableError
	if !errors.As(err, &notClaimable) {
		t.Fatalf("expected NotClaimableError, got %v", err)
	}
	if notClaimable.Status != coordination.TaskStatusInProgress {
		t.Fatalf("expected in_progress in error, got %s", notClaimable.Status)
	}
}

func TestTasks_ClaimMissingTask(t *testing.T) {
	store, _ := openTestStore(t)
	team := createTestTeam(t, store)
	_, err := store.ClaimTask(context.Background(), team.TeamID, "no-such-task", "agent-1", 0)
	if !errors.Is(err, coordination.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTasks_ClaimWithUnresolvedDependencies(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	prereq := createTestTask(t, store, team.TeamID, "prereq")
	dependent := createTestTask(t, store, team.TeamID, "dependent")
	if err := store.SetTaskDependencies(ctx, team.TeamID, dependent.TaskID, []string{prereq.TaskID}); err != nil {
		t.Fatalf("set dependencies: %v", err)
	}

	_, err := store.ClaimTask(ctx, team.TeamID, dependent.TaskID, "agent-1", 0)
	var unresolved *coordination.DependenciesUnresolvedError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected DependenciesUnresolvedError, got %v", err)
	}
	if unresolved.Unresolved != 1 {
		t.Fatalf("expected 1 unresolved, got %d", unresolved.Unresolved)
	}
}

func TestTasks_UpdateUnderStaleVersionFails(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "update me")

	done := coordination.TaskStatusDone
	updated, err := store.UpdateTask(ctx, team.TeamID, task.TaskID, 0, coordination.TaskPatch{Status: &done})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Status != coordination.TaskStatusDone || updated.LockVersion != 1 {
		t.Fatalf("update result wrong: %+v", updated)
	}

	desc := "stale writer"
	_, err = store.UpdateTask(ctx, team.TeamID, task.TaskID, 0, coordination.TaskPatch{Description: &desc})
	var conflict *coordination.LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected LockConflictError, got %v", err)
	}
}

func TestTasks_UpdateKeepsOmittedFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)

	task, err := store.CreateTask(ctx, coordination.Task{
		TeamID:       team.TeamID,
		Title:        "partial update",
		Description:  "keep me",
		RequiredRole: "reviewer",
		Priority:     3,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	priority := 1
	updated, err := store.UpdateTask(ctx, team.TeamID, task.TaskID, 0, coordination.TaskPatch{Priority: &priority})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Priority != 1 {
		t.Fatalf("priority not updated: %d", updated.Priority)
	}
	if updated.Description != "keep me" || updated.RequiredRole != "reviewer" {
		t.Fatalf("omitted fields changed: %+v", updated)
	}
}

func TestTasks_CancelSkipsTerminalTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)

	open := createTestTask(t, store, team.TeamID, "open")
	running := createTestTask(t, store, team.TeamID, "running")
	finished := createTestTask(t, store, team.TeamID, "finished")

	if _, err := store.ClaimTask(ctx, team.TeamID, running.TaskID, "agent-1", 0); err != nil {
		t.Fatalf("claim running: %v", err)
	}
	done := coordination.TaskStatusDone
	if _, err := store.UpdateTask(ctx, team.TeamID, finished.TaskID, 0, coordination.TaskPatch{Status: &done}); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	cancelled, err := store.CancelTasks(ctx, team.TeamID,
		[]string{open.TaskID, running.TaskID, finished.TaskID, "no-such-task"},
		"duplicate of chosen approach")
	if err != nil {
		t.Fatalf("cancel tasks: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 cancelled, got %v", cancelled)
	}

	got, err := store.GetTask(ctx, team.TeamID, open.TaskID)
	if err != nil {
		t.Fatalf("get cancelled task: %v", err)
	}
	if got.Status != coordination.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if !strings.Contains(got.Description, "duplicate of chosen approach") {
		t.Fatalf("reason not appended: %q", got.Description)
	}
	if got.LockVersion != 1 {
		t.Fatalf("cancel should bump lock_version, got %d", got.LockVersion)
	}

	still, err := store.GetTask(ctx, team.TeamID, finished.TaskID)
	if err != nil {
		t.Fatalf("get finished task: %v", err)
	}
	if still.Status != coordination.TaskStatusDone {
		t.Fatalf("terminal task mutated: %s", still.Status)
	}
}

func TestTasks_ListOrdersByPriorityThenCreation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)

	low, err := store.CreateTask(ctx, coordination.Task{TeamID: team.TeamID, Title: "low", Priority: 5})
	if err != nil {
		t.Fatalf("create low: %v", err)
	}
	highFirst, err := store.CreateTask(ctx, coordination.Task{TeamID: team.TeamID, Title: "high first", Priority: 1})
	if err != nil {
		t.Fatalf("create high first: %v", err)
	}
	highSecond, err := store.CreateTask(ctx, coordination.Task{TeamID: team.TeamID, Title: "high second", Priority: 1})
	if err != nil {
		t.Fatalf("create high second: %v", err)
	}

	tasks, err := store.ListTasks(ctx, team.TeamID, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].TaskID != highFirst.TaskID && tasks[0].TaskID != highSecond.TaskID {
		t.Fatalf("priority ordering broken: first is %q", tasks[0].Title)
	}
	if tasks[2].TaskID != low.TaskID {
		t.Fatalf("expected low-priority task last, got %q", tasks[2].Title)
	}
}
