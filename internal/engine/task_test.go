package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"playbookd/internal/storage"
)

func liveTask(liveLines int) *Task {
	return newTask(storage.TaskRecord{
		ID:        "t1",
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}, liveLines)
}

func TestTaskWritesRejectedAfterFinalize(t *testing.T) {
	task := liveTask(10)

	if !task.AppendOut("before") {
		t.Fatal("append before finalize rejected")
	}
	if !task.finalize(StatusCompleted, "", 0, nil) {
		t.Fatal("finalize failed")
	}
	if task.AppendOut("after") {
		t.Error("append after finalize must be a no-op")
	}
	if task.AppendErr("after") {
		t.Error("stderr append after finalize must be a no-op")
	}

	snap := task.snapshot()
	if len(snap.Output) != 1 || snap.Output[0] != "before" {
		t.Errorf("output = %v, want [before]", snap.Output)
	}
}

func TestTaskSingleFinalizer(t *testing.T) {
	task := liveTask(10)

	var wg sync.WaitGroup
	wins := make(chan string, 3)
	for _, status := range []string{StatusCompleted, StatusPartial, StatusFailed} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			if task.finalize(s, "", 0, nil) {
				wins <- s
			}
		}(status)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("finalize won %d times, want exactly once", len(winners))
	}
	if got := task.snapshot().Status; got != winners[0] {
		t.Errorf("status = %q, want winner %q", got, winners[0])
	}
}

func TestTaskTerminateIsIdempotent(t *testing.T) {
	task := liveTask(10)

	// No handle set yet; must not panic and must close termCh exactly once.
	task.requestTerminate()
	task.requestTerminate()

	select {
	case <-task.termCh:
	default:
		t.Fatal("termCh not closed")
	}
	if !task.terminationRequested() {
		t.Error("terminationRequested = false")
	}
}

func TestTaskMarkRunningAfterTerminal(t *testing.T) {
	task := liveTask(10)
	task.finalize(StatusFailed, "terminated", -1, nil)

	if task.markRunning(time.Now()) {
		t.Error("markRunning succeeded on a terminal task")
	}
	if task.snapshot().Status != StatusFailed {
		t.Error("terminal status reversed")
	}
}

func TestLineRingKeepsMostRecent(t *testing.T) {
	r := newLineRing(3)
	for i := 1; i <= 5; i++ {
		r.push(fmt.Sprintf("L%d", i))
	}
	got := r.lines()
	want := []string{"L3", "L4", "L5"}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("lines = %v, want %v", got, want)
			break
		}
	}
}

func TestLineRingPartialFill(t *testing.T) {
	r := newLineRing(10)
	r.push("a")
	r.push("b")
	got := r.lines()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("lines = %v, want [a b]", got)
	}
}

func TestHistoryRecordCarriesFullOutput(t *testing.T) {
	task := liveTask(2) // live window smaller than total output
	for i := 1; i <= 5; i++ {
		task.AppendOut(fmt.Sprintf("L%d", i))
	}
	task.AppendErr("warning: something")
	task.finalize(StatusCompleted, "", 0, map[string]string{"web1": "success"})

	snap := task.snapshot()
	if len(snap.Output) != 2 {
		t.Errorf("live window = %d lines, want 2", len(snap.Output))
	}

	hist := task.historyRecord()
	if hist.Output != "L1\nL2\nL3\nL4\nL5\n" {
		t.Errorf("archived output truncated: %q", hist.Output)
	}
	if hist.ErrorOutput != "warning: something\n" {
		t.Errorf("error output = %q", hist.ErrorOutput)
	}
	if hist.Results["web1"] != "success" {
		t.Errorf("results = %v", hist.Results)
	}
	if hist.FinishedAt.IsZero() {
		t.Error("finished_at not stamped")
	}
}
