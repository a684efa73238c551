package tasker

import (
	"io"
	"strings"
	"time"
	"workspace-tasker/lib/defs"
	"workspace-tasker/lib/tasker/events"
	"workspace-tasker/lib/tasker/shell"
)

// Handle is one live process invocation, see shell.Process
type Handle interface {
	PID() int
	Wait() shell.Result
	Terminate() error
	Interrupt() error
	Suspend() error
	Resume() error
}

// Spawner starts a command, streaming its raw output to sink
type Spawner interface {
	Start(command string, sink io.Writer) (Handle, error)
}

// invokerSpawner adapts shell.Invoker to Spawner
type invokerSpawner struct {
	invoker shell.Invoker
}

func (s invokerSpawner) Start(command string, sink io.Writer) (Handle, error) {
	proc, err := s.invoker.Start(command, sink)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// invocation is the disposable per-process part of a TaskRun.
// A fresh one is made for every start and never reused.
// mut: true, only on the coordination goroutine
type invocation struct {
	run  *TaskRun
	proc Handle
	// decoder sits between the process output and the run's buffer
	decoder io.WriteCloser
	// set by terminate/interrupt so the exit ends up as stopped, not failed
	stopRequested bool
	// closed once the exit has been applied to the run
	settled chan struct{}
}

func newInvocation(run *TaskRun) *invocation {
	return &invocation{
		run:     run,
		settled: make(chan struct{}),
	}
}

// TaskRun is the stable record of one task across all of its invocations this
// session: identity, status, and accumulated output survive renewals.
//
// TaskRun is owned by the Manager and only touched on its coordination goroutine.
// mut: true
type TaskRun struct {
	Task      defs.TaskDefinition
	status    defs.TaskStatus
	output    strings.Builder
	exitCode  int
	suspended bool
	startedAt time.Time
	endedAt   time.Time
	// nil until the first start, and again right after a renew
	handle *invocation
}

func newTaskRun(task defs.TaskDefinition) *TaskRun {
	return &TaskRun{
		Task:     task,
		status:   defs.StatusStopped,
		exitCode: -1,
	}
}

// isLive reports whether a process of this run may still be running
func (run *TaskRun) isLive() bool {
	return run.status == defs.StatusRunning && run.handle != nil && run.handle.proc != nil
}

// renew drops the used up invocation so the next start gets a fresh one.
// Output is kept, use clearOutput to drop it.
func (run *TaskRun) renew() {
	run.handle = nil
	run.suspended = false
}

func (run *TaskRun) clearOutput() {
	run.output.Reset()
}

func (run *TaskRun) appendOutput(chunk string) {
	run.output.WriteString(chunk)
}

func (run *TaskRun) snapshot() events.RunSnapshot {
	return events.RunSnapshot{
		TaskId:    run.Task.Id,
		Name:      run.Task.Name,
		Status:    run.status,
		Output:    shell.DisplayText(run.output.String()),
		ExitCode:  run.exitCode,
		Suspended: run.suspended,
		StartedAt: run.startedAt,
		EndedAt:   run.endedAt,
	}
}

// settle applies how the process ended
func (run *TaskRun) settle(inv *invocation, result shell.Result, now time.Time) {
	switch {
	case inv.stopRequested:
		run.status = defs.StatusStopped
	case result.Success():
		run.status = defs.StatusFinished
	default:
		run.status = defs.StatusFailed
	}
	run.exitCode = result.ExitCode
	run.suspended = false
	run.endedAt = now
	if result.Err != nil {
		run.appendOutput("\n" + result.Err.Error() + "\n")
	}
}
