package tasker

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"workspace-tasker/lib/defs"
	"workspace-tasker/lib/state"
	"workspace-tasker/lib/tasker/events"
	"workspace-tasker/lib/tasker/scheduler"
	"workspace-tasker/lib/tasker/shell"

	log "github.com/sirupsen/logrus"
)

var (
	ErrTaskRunning   = errors.New("task is already running")
	ErrTaskNotFound  = errors.New("task not found")
	ErrManagerClosed = errors.New("task manager is closed")
)

// TaskSource supplies the task definitions in their stored order
type TaskSource interface {
	Tasks() ([]defs.TaskDefinition, error)
}

// SelectionStore persists the selected task between sessions
type SelectionStore interface {
	SelectedTask() (defs.TaskId, error)
	SetSelectedTask(id defs.TaskId) error
}

// RunRecorder keeps the outcome of finished runs
type RunRecorder interface {
	Record(record state.TaskRunRecord) error
}

type ManagerOption func(*Manager)

// WithInvoker runs tasks through the given shell invoker
func WithInvoker(invoker shell.Invoker) ManagerOption {
	return func(m *Manager) {
		m.spawner = invokerSpawner{invoker: invoker}
	}
}

// WithSpawner replaces process spawning altogether
func WithSpawner(spawner Spawner) ManagerOption {
	return func(m *Manager) {
		m.spawner = spawner
	}
}

func WithSelectionStore(store SelectionStore) ManagerOption {
	return func(m *Manager) {
		m.selection = store
	}
}

func WithRunRecorder(recorder RunRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

// Manager tracks one TaskRun per task that ran this session.
//
// The registry, the selection and every TaskRun are only touched on the serial
// coordination goroutine. Process goroutines post their output and exits back
// to it, so observers see changes in one consistent order.
type Manager struct {
	ctxLogger *log.Entry
	source    TaskSource
	spawner   Spawner
	selection SelectionStore
	recorder  RunRecorder
	bus       *events.Bus
	serial    *scheduler.Serial

	// persists run outcomes off the coordination goroutine
	recordQueue *scheduler.Serial

	// coordination goroutine only
	runs       map[defs.TaskId]*TaskRun
	runOrder   []defs.TaskId
	selectedId defs.TaskId

	closeOnce sync.Once
}

func NewManager(ctxLogger *log.Entry, source TaskSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		ctxLogger:   ctxLogger,
		source:      source,
		spawner:     invokerSpawner{invoker: shell.Invoker{Shell: shell.Default}},
		bus:         events.NewBus(ctxLogger),
		serial:      scheduler.NewSerial(ctxLogger),
		recordQueue: scheduler.NewSerial(ctxLogger),
		runs:        map[defs.TaskId]*TaskRun{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.selection != nil {
		selected, err := m.selection.SelectedTask()
		if err != nil {
			ctxLogger.Warn("could not load selected task: ", err)
		}
		m.selectedId = selected
	}
	return m
}

// do runs fn on the coordination goroutine
func (m *Manager) do(fn func()) error {
	if err := m.serial.Do(fn); err != nil {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) taskLogger(task defs.TaskDefinition) *log.Entry {
	return m.ctxLogger.WithFields(log.Fields{
		"task": task.Id,
		"name": task.Name,
	})
}

//
// START: DEFINITIONS & SELECTION SECTION
//

// ListAvailableTasks returns the task definitions in their stored order
func (m *Manager) ListAvailableTasks() ([]defs.TaskDefinition, error) {
	tasks, err := m.source.Tasks()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// SelectedTask returns the selected task. When nothing valid is selected the
// first available task becomes the selection. Nil when there are no tasks.
func (m *Manager) SelectedTask() (*defs.TaskDefinition, error) {
	tasks, err := m.ListAvailableTasks()
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	var selectedId defs.TaskId
	if err := m.do(func() { selectedId = m.selectedId }); err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Id == selectedId {
			return &task, nil
		}
	}

	first := tasks[0]
	if err := m.Select(first.Id); err != nil {
		return nil, err
	}
	return &first, nil
}

// Select makes id the selected task and persists it
func (m *Manager) Select(id defs.TaskId) error {
	if err := m.do(func() { m.selectedId = id }); err != nil {
		return err
	}
	if m.selection == nil {
		return nil
	}
	if err := m.selection.SetSelectedTask(id); err != nil {
		return fmt.Errorf("persist selection: %w", err)
	}
	return nil
}

// FindTask resolves an id or name among the available tasks
func (m *Manager) FindTask(idOrName string) (defs.TaskDefinition, error) {
	tasks, err := m.ListAvailableTasks()
	if err != nil {
		return defs.TaskDefinition{}, err
	}
	task, ok := defs.FindTask(tasks, idOrName)
	if !ok {
		return defs.TaskDefinition{}, fmt.Errorf("%w: %s", ErrTaskNotFound, idOrName)
	}
	return task, nil
}

//
// END: DEFINITIONS & SELECTION SECTION
//

//
// START: OBSERVATION SECTION
//

// Subscribe pushes every run creation, change and removal to the returned subscription
func (m *Manager) Subscribe(buffer int) *events.Subscription {
	return m.bus.Subscribe(buffer)
}

// StatusOf is stopped for tasks that never ran this session
func (m *Manager) StatusOf(id defs.TaskId) defs.TaskStatus {
	status := defs.StatusStopped
	m.do(func() {
		if run, ok := m.runs[id]; ok {
			status = run.status
		}
	})
	return status
}

// Snapshot returns the current state of a task's run, false when it never ran
func (m *Manager) Snapshot(id defs.TaskId) (events.RunSnapshot, bool) {
	var snapshot events.RunSnapshot
	found := false
	m.do(func() {
		if run, ok := m.runs[id]; ok {
			snapshot = run.snapshot()
			found = true
		}
	})
	return snapshot, found
}

// Runs returns a snapshot of every run, in the order they were created
func (m *Manager) Runs() []events.RunSnapshot {
	snapshots := []events.RunSnapshot{}
	m.do(func() {
		for _, id := range m.runOrder {
			snapshots = append(snapshots, m.runs[id].snapshot())
		}
	})
	return snapshots
}

//
// END: OBSERVATION SECTION
//

//
// START: CONTROL SECTION
//

// Run starts task. It returns once the process spawned, or failed to.
// A task that is still running is rejected with ErrTaskRunning.
// A finished, failed or stopped run is renewed first and keeps its output.
func (m *Manager) Run(task defs.TaskDefinition) error {
	var runErr error
	if err := m.do(func() { runErr = m.start(task) }); err != nil {
		return err
	}
	return runErr
}

// RunSelected runs the selected task, ErrTaskNotFound when there is none
func (m *Manager) RunSelected() error {
	task, err := m.SelectedTask()
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: no tasks available", ErrTaskNotFound)
	}
	return m.Run(*task)
}

// Restart terminates the task if it is running and runs it again
func (m *Manager) Restart(task defs.TaskDefinition) error {
	if err := m.Terminate(task.Id); err != nil {
		return err
	}
	return m.Run(task)
}

// Terminate sends SIGTERM and blocks until the process exited.
// No-op when nothing is running for id.
func (m *Manager) Terminate(id defs.TaskId) error {
	return m.stop(id, Handle.Terminate)
}

// Interrupt sends SIGINT and blocks until the process exited.
// No-op when nothing is running for id.
func (m *Manager) Interrupt(id defs.TaskId) error {
	return m.stop(id, Handle.Interrupt)
}

// Suspend pauses the running process, status stays running
func (m *Manager) Suspend(id defs.TaskId) error {
	return m.setSuspended(id, true)
}

// Resume continues a suspended process
func (m *Manager) Resume(id defs.TaskId) error {
	return m.setSuspended(id, false)
}

// ClearOutput empties the output of a run, in any state
func (m *Manager) ClearOutput(id defs.TaskId) error {
	return m.do(func() {
		run, ok := m.runs[id]
		if !ok {
			return
		}
		run.clearOutput()
		m.publish(events.Update, run, "")
	})
}

// StopAllTasks interrupts every tracked run and waits for all of them
func (m *Manager) StopAllTasks() {
	var ids []defs.TaskId
	if err := m.do(func() { ids = append(ids, m.runOrder...) }); err != nil {
		return
	}

	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func(id defs.TaskId) {
			defer wg.Done()
			if err := m.Interrupt(id); err != nil {
				m.ctxLogger.WithField("task", id).Warn("could not interrupt task: ", err)
			}
		}(id)
	}
	wg.Wait()
}

// Remove stops the task and forgets its run
func (m *Manager) Remove(id defs.TaskId) error {
	if err := m.Terminate(id); err != nil {
		return err
	}

	var removeErr error
	err := m.do(func() {
		run, ok := m.runs[id]
		if !ok {
			return
		}
		if run.isLive() {
			// started again between the terminate and now
			removeErr = ErrTaskRunning
			return
		}
		delete(m.runs, id)
		for i, runId := range m.runOrder {
			if runId == id {
				m.runOrder = append(m.runOrder[:i], m.runOrder[i+1:]...)
				break
			}
		}
		m.publish(events.Delete, run, "")
	})
	if err != nil {
		return err
	}
	return removeErr
}

// Close interrupts every task, waits for them, flushes run records and closes
// all subscriptions
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.StopAllTasks()
		m.serial.Stop()
		m.bus.Close()
	})
}

//
// END: CONTROL SECTION
//

//
// START: INTERNAL SECTION (coordination goroutine only)
//

func (m *Manager) publish(kind events.Kind, run *TaskRun, chunk string) {
	m.bus.Publish(events.Event{
		Kind:  kind,
		Run:   run.snapshot(),
		Chunk: chunk,
	})
}

// start looks up or creates the run and spawns a fresh invocation for it
func (m *Manager) start(task defs.TaskDefinition) error {
	taskLogger := m.taskLogger(task)

	run, ok := m.runs[task.Id]
	if !ok {
		run = newTaskRun(task)
		m.runs[task.Id] = run
		m.runOrder = append(m.runOrder, task.Id)
		m.publish(events.Create, run, "")
	}
	if run.isLive() {
		return fmt.Errorf("%w: %s", ErrTaskRunning, task.Label())
	}
	if run.handle != nil {
		run.renew()
	}
	// definitions may have been edited since the last run
	run.Task = task

	inv := newInvocation(run)
	inv.decoder = shell.NewDecoder(&outputWriter{m: m, inv: inv})
	run.handle = inv

	proc, err := m.spawner.Start(task.FullCommand(), inv.decoder)
	now := time.Now()
	if err != nil {
		taskLogger.Error("failed to start task: ", err)
		run.status = defs.StatusFailed
		run.exitCode = -1
		run.startedAt = now
		run.endedAt = now
		run.appendOutput(err.Error() + "\n")
		m.publish(events.Update, run, "")
		m.record(run)
		close(inv.settled)
		return fmt.Errorf("run %s: %w", task.Label(), err)
	}

	inv.proc = proc
	run.status = defs.StatusRunning
	run.exitCode = -1
	run.suspended = false
	run.startedAt = now
	run.endedAt = time.Time{}
	taskLogger.WithField("pid", proc.PID()).Info("started task")
	m.publish(events.Update, run, "")

	go m.await(inv)
	return nil
}

// await runs on its own goroutine for the lifetime of one process
func (m *Manager) await(inv *invocation) {
	result := inv.proc.Wait()
	// flush a trailing partial rune, all output has been pumped by now
	if err := inv.decoder.Close(); err != nil {
		m.taskLogger(inv.run.Task).Warn("could not flush output: ", err)
	}

	posted := m.serial.Post(func() {
		m.settle(inv, result)
	})
	if !posted {
		close(inv.settled)
	}
}

func (m *Manager) settle(inv *invocation, result shell.Result) {
	defer close(inv.settled)

	run := inv.run
	if run.handle != inv {
		return
	}
	run.settle(inv, result, time.Now())

	m.taskLogger(run.Task).
		WithFields(log.Fields{
			"status": run.status,
			"result": result.String(),
		}).
		Info("task ended")
	m.publish(events.Update, run, "")
	m.record(run)
}

// record hands the outcome of run to the recorder. Recording takes file locks
// shared with other tasker processes, so it runs on its own queue in order.
func (m *Manager) record(run *TaskRun) {
	if m.recorder == nil {
		return
	}
	taskLogger := m.taskLogger(run.Task)
	record := state.TaskRunRecord{
		TaskId:    run.Task.Id,
		Name:      run.Task.Name,
		Status:    run.status,
		ExitCode:  run.exitCode,
		StartTime: run.startedAt,
		EndTime:   run.endedAt,
	}
	m.recordQueue.Post(func() {
		if err := m.recorder.Record(record); err != nil {
			taskLogger.Warn("could not record run: ", err)
		}
	})
}

// stop marks the live invocation as stopping, signals it outside of the
// coordination goroutine, and waits until its exit was applied.
// The mark comes first so an exit caused by the signal is never seen unmarked.
func (m *Manager) stop(id defs.TaskId, signal func(Handle) error) error {
	var inv *invocation
	err := m.do(func() {
		run, ok := m.runs[id]
		if !ok || !run.isLive() {
			return
		}
		inv = run.handle
		inv.stopRequested = true
	})
	if err != nil || inv == nil {
		return nil
	}

	if err := signal(inv.proc); err != nil {
		// the process keeps running, a later exit is its own
		m.serial.Post(func() {
			inv.stopRequested = false
		})
		return fmt.Errorf("signal task %s: %w", id, err)
	}
	<-inv.settled
	return nil
}

func (m *Manager) setSuspended(id defs.TaskId, suspended bool) error {
	var signalErr error
	err := m.do(func() {
		run, ok := m.runs[id]
		if !ok || !run.isLive() || run.suspended == suspended {
			return
		}
		if suspended {
			signalErr = run.handle.proc.Suspend()
		} else {
			signalErr = run.handle.proc.Resume()
		}
		if signalErr != nil {
			return
		}
		run.suspended = suspended
		m.publish(events.Update, run, "")
	})
	if err != nil {
		return err
	}
	return signalErr
}

//
// END: INTERNAL SECTION
//

// outputWriter posts decoded output of one invocation to the coordination goroutine
type outputWriter struct {
	m   *Manager
	inv *invocation
}

func (w *outputWriter) Write(p []byte) (int, error) {
	chunk := string(p)
	w.m.serial.Post(func() {
		run := w.inv.run
		if run.handle != w.inv {
			// from an invocation that has since been renewed away
			return
		}
		run.appendOutput(chunk)
		w.m.publish(events.Update, run, chunk)
	})
	return len(p), nil
}
