package coordination_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ajjucoder/codex-team-orchestrator-sub001/coordination"
)

func TestLeases_ExclusiveWhileLive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "leased work")

	ok, err := store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while lease is live")
	}
}

func TestLeases_RenewRequiresOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "renewable")

	if _, err := store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err := store.RenewTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("renew by owner: %v", err)
	}
	if !ok {
		t.Fatal("owner renewal should succeed")
	}

	ok, err = store.RenewTaskLease(ctx, team.TeamID, task.TaskID, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("renew by stranger: %v", err)
	}
	if ok {
		t.Fatal("non-owner renewal should fail")
	}
}

func TestLeases_ReleaseMakesTaskLeasableAgain(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "handoff")

	if _, err := store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err := store.ReleaseTaskLease(ctx, team.TeamID, task.TaskID, "agent-2")
	if err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if ok {
		t.Fatal("non-owner release should be a no-op")
	}

	ok, err = store.ReleaseTaskLease(ctx, team.TeamID, task.TaskID, "agent-1")
	if err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if !ok {
		t.Fatal("owner release should succeed")
	}

	ok, err = store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !ok {
		t.Fatal("task should be leasable after release")
	}
}

func TestLeases_ExpiredLeaseIsTakenOver(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "crash recovery")

	if _, err := store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", 15*time.Millisecond); err != nil {
		t.Fatalf("acquire short lease: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	ok, err := store.RenewTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", time.Minute)
	if err != nil {
		t.Fatalf("renew expired: %v", err)
	}
	if ok {
		t.Fatal("expired lease must not be renewable")
	}

	ok, err = store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-2", time.Minute)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	if !ok {
		t.Fatal("expired lease should be acquirable by a new owner")
	}
}

func TestLeases_ExpireSweepClearsOnlyExpired(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	stale := createTestTask(t, store, team.TeamID, "stale")
	live := createTestTask(t, store, team.TeamID, "live")

	if _, err := store.AcquireTaskLease(ctx, team.TeamID, stale.TaskID, "agent-1", 15*time.Millisecond); err != nil {
		t.Fatalf("acquire stale lease: %v", err)
	}
	if _, err := store.AcquireTaskLease(ctx, team.TeamID, live.TaskID, "agent-2", time.Minute); err != nil {
		t.Fatalf("acquire live lease: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	cleared, err := store.ExpireTaskLeases(ctx, team.TeamID)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared lease, got %d", cleared)
	}

	got, err := store.GetTask(ctx, team.TeamID, live.TaskID)
	if err != nil {
		t.Fatalf("get live task: %v", err)
	}
	if got.LeaseOwner != "agent-2" {
		t.Fatalf("live lease should survive the sweep: %+v", got)
	}
}

func TestLeases_AcquireMissingTask(t *testing.T) {
	store, _ := openTestStore(t)
	team := createTestTeam(t, store)
	_, err := store.AcquireTaskLease(context.Background(), team.TeamID, "no-such-task", "agent-1", time.Minute)
	if !errors.Is(err, coordination.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLeases_DoNotBumpLockVersion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	team := createTestTeam(t, store)
	task := createTestTask(t, store, team.TeamID, "versioned")

	if _, err := store.AcquireTaskLease(ctx, team.TeamID, task.TaskID, "agent-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := store.ReleaseTaskLease(ctx, team.TeamID, task.TaskID, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := store.GetTask(ctx, team.TeamID, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.LockVersion != 0 {
		t.Fatalf("lease churn must not touch lock_version, got %d", got.LockVersion)
	}
}
