package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	run := &Run{ProtocolName: "HiM", Status: RunStatusStarting, TotalSteps: 3, StartedAt: start}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if run.ID == uuid.Nil {
		t.Fatal("CreateRun did not assign an ID")
	}

	step := &RunStep{RunID: run.ID, StepIndex: 0, Kind: "injection", Status: StepStatusRunning, StartedAt: start}
	if err := store.CreateRunStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	step.Status = StepStatusCompleted
	if err := store.UpdateRunStep(ctx, step); err != nil {
		t.Fatal(err)
	}

	finished := start.Add(time.Minute)
	run.Status = RunStatusFinished
	run.Outcome = "completed"
	run.CurrentStep = 2
	run.Warnings = []string{"lasers: off failed"}
	run.FinishedAt = &finished
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunStatusFinished || got.Outcome != "completed" || got.FinishedAt == nil || len(got.Warnings) != 1 {
		t.Fatalf("unexpected run %+v", got)
	}

	steps, err := store.GetRunSteps(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Status != StepStatusCompleted {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := &Run{ProtocolName: "a", Warnings: []string{"x"}, StartedAt: time.Now()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Warnings[0] = "changed"

	got, _ := store.GetRun(ctx, run.ID)
	if got.Warnings[0] != "x" {
		t.Fatalf("stored run shares memory with caller: %v", got.Warnings)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.GetRun(ctx, uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.UpdateRun(ctx, &Run{ID: uuid.New()}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.CreateRunStep(ctx, &RunStep{RunID: uuid.New()}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStoreListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		run := &Run{ProtocolName: string(rune('a' + i)), StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ProtocolName != "c" || runs[1].ProtocolName != "b" {
		t.Fatalf("unexpected order %+v", runs)
	}
}

func TestMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := uuid.New()

	for _, typ := range []string{"run_started", "step_started"} {
		if err := store.CreateRunEvent(ctx, &RunEvent{RunID: runID, EventType: typ}); err != nil {
			t.Fatal(err)
		}
	}
	events := store.Events(runID)
	if len(events) != 2 || events[1].EventType != "step_started" || events[0].ID == uuid.Nil {
		t.Fatalf("unexpected events %+v", events)
	}
}
