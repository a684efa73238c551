package state

import (
	"sync"
	"testing"
	"time"
	"workspace-tasker/lib/defs"
)

func testDefinition(t *testing.T) defs.WorkspaceDefinition {
	t.Helper()
	return defs.WorkspaceDefinition{TaskerPath: t.TempDir()}
}

func TestSelectionState_Persists(t *testing.T) {
	wsd := testDefinition(t)

	selection := NewSelectionState(wsd)
	selected, err := selection.SelectedTask()
	if err != nil {
		t.Fatalf("SelectedTask: %v", err)
	}
	if selected != "" {
		t.Errorf("expected no selection in a fresh workspace, got %q", selected)
	}

	if err := selection.SetSelectedTask("task-1"); err != nil {
		t.Fatalf("SetSelectedTask: %v", err)
	}

	// another session of the same workspace
	other := NewSelectionState(wsd)
	selected, err = other.SelectedTask()
	if err != nil {
		t.Fatalf("SelectedTask: %v", err)
	}
	if selected != "task-1" {
		t.Errorf("expected task-1, got %q", selected)
	}
}

func TestLastRunState_Record(t *testing.T) {
	wsd := testDefinition(t)
	lastRuns := NewLastRunState(wsd)

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	records := []TaskRunRecord{
		{TaskId: "a", Name: "build", Status: defs.StatusFinished, ExitCode: 0, StartTime: start, EndTime: start.Add(1500 * time.Millisecond)},
		{TaskId: "b", Name: "test", Status: defs.StatusFailed, ExitCode: 2, StartTime: start, EndTime: start.Add(time.Second)},
		{TaskId: "a", Name: "build", Status: defs.StatusStopped, ExitCode: -1, StartTime: start, EndTime: start.Add(time.Minute)},
	}
	for _, record := range records {
		if err := lastRuns.Record(record); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	reloaded := NewLastRunState(wsd)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Runs) != 2 {
		t.Fatalf("expected one record per task, got %d", len(reloaded.Runs))
	}
	if reloaded.Runs[0].TaskId != "a" || reloaded.Runs[0].Status != defs.StatusStopped {
		t.Errorf("expected the latest record of a in first position, got %+v", reloaded.Runs[0])
	}
	if reloaded.Runs[1].ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", reloaded.Runs[1].ExitCode)
	}
	if !reloaded.Runs[1].StartTime.Equal(start) {
		t.Errorf("expected start time to round trip, got %v", reloaded.Runs[1].StartTime)
	}
}

func TestLastRunState_ConcurrentRecords(t *testing.T) {
	wsd := testDefinition(t)

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate instances, as separate sessions would have
			lastRuns := NewLastRunState(wsd)
			record := TaskRunRecord{TaskId: defs.TaskId(string(rune('a' + i))), Status: defs.StatusFinished}
			if err := lastRuns.Record(record); err != nil {
				t.Errorf("Record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	lastRuns := NewLastRunState(wsd)
	if err := lastRuns.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(lastRuns.Runs) != 10 {
		t.Errorf("expected no record to be lost, got %d", len(lastRuns.Runs))
	}
}

func TestTaskRunRecord_Taken(t *testing.T) {
	start := time.Now()
	record := TaskRunRecord{StartTime: start, EndTime: start.Add(250 * time.Millisecond)}
	if record.Taken() != 250 {
		t.Errorf("expected 250ms, got %d", record.Taken())
	}
	if (TaskRunRecord{StartTime: start}).Taken() != -1 {
		t.Error("expected -1 without an end time")
	}
}

func TestWorkspacePersistentState_Load(t *testing.T) {
	wsd := testDefinition(t)

	if err := NewSelectionState(wsd).SetSelectedTask("x"); err != nil {
		t.Fatalf("SetSelectedTask: %v", err)
	}
	if err := NewLastRunState(wsd).Record(TaskRunRecord{TaskId: "x", Status: defs.StatusFailed}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	persistentState, err := NewWorkspacePersistentState(wsd)
	if err != nil {
		t.Fatalf("NewWorkspacePersistentState: %v", err)
	}
	if persistentState.Selection.Selected != "x" {
		t.Errorf("expected selection x, got %q", persistentState.Selection.Selected)
	}
	if len(persistentState.LastRuns.Runs) != 1 {
		t.Errorf("expected 1 last run, got %d", len(persistentState.LastRuns.Runs))
	}
}
