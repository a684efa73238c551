package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Result is how a process ended
type Result struct {
	// Exit status, -1 when killed by a signal or when the wait itself failed
	ExitCode int
	// Killed by a signal rather than exiting
	Signaled bool
	// Wait or output pipe failure, not set for a plain non-zero exit
	Err error
}

func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.Signaled && r.Err == nil
}

func (r Result) String() string {
	switch {
	case r.Err != nil:
		return "error: " + r.Err.Error()
	case r.Signaled:
		return "killed by signal"
	default:
		return fmt.Sprintf("exit status %d", r.ExitCode)
	}
}

// DrainGrace is how long output of a stopped task may keep flowing after its
// shell exited, before the rest of its process group is killed and reading stops.
const DrainGrace = time.Second

// Process is one spawned shell. It is single use: once it exited it can not be
// started again, a new Process has to be spawned instead.
// Safe for concurrent use.
//
// The shell exiting does not end the Process: children it left in the
// background may still hold the output pipe. Signals keep reaching the group
// until the output is drained.
type Process struct {
	cmd     *exec.Cmd
	started time.Time

	// done is closed once the process exited and its output was drained
	done   chan struct{}
	result Result

	// closed by the first Terminate/Interrupt
	stopping     chan struct{}
	stoppingOnce sync.Once

	mu      sync.Mutex
	exited  bool
	drained bool
}

func newProcess(cmd *exec.Cmd, out *os.File, sink io.Writer) *Process {
	p := &Process{
		cmd:      cmd,
		started:  time.Now(),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}

	drained := make(chan error, 1)
	go func() {
		drained <- pump(out, sink)
		out.Close()
	}()

	go func() {
		waitErr := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()

		var pumpErr error
		select {
		case pumpErr = <-drained:
		case <-p.stopping:
			pumpErr = p.drainStopped(out, drained)
		}

		p.mu.Lock()
		p.drained = true
		p.mu.Unlock()

		p.result = resultOf(waitErr)
		if p.result.Err == nil && pumpErr != nil {
			p.result.Err = fmt.Errorf("read output: %w", pumpErr)
		}
		close(p.done)
	}()

	return p
}

// drainStopped waits DrainGrace for leftovers of a stopped task to release the
// pipe, then kills the group and stops reading.
func (p *Process) drainStopped(out *os.File, drained <-chan error) error {
	select {
	case err := <-drained:
		return err
	case <-time.After(DrainGrace):
	}
	if err := p.signalGroup(unix.SIGKILL); err != nil {
		log.WithField("pid", p.cmd.Process.Pid).Warn("could not kill leftover processes: ", err)
	}
	// unblocks the pump, a closed pipe ends it like EOF
	out.Close()
	return <-drained
}

// pump copies raw chunks to sink in the order they are read
func pump(out io.Reader, sink io.Writer) error {
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 && sink != nil {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				// keep draining so the child never blocks on a full pipe
				sink = nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func resultOf(waitErr error) Result {
	if waitErr == nil {
		return Result{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Result{ExitCode: -1, Signaled: true}
		}
		return Result{ExitCode: exitErr.ExitCode()}
	}
	return Result{ExitCode: -1, Err: waitErr}
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) Started() time.Time {
	return p.started
}

// Done is closed once the process exited and all of its output reached the sink
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until Done and returns how the process ended
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Exited reports whether the shell itself was reaped
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Terminate asks the process group to stop (SIGTERM)
func (p *Process) Terminate() error {
	return p.signalStopping(unix.SIGTERM)
}

// Interrupt sends the process group an attention signal (SIGINT)
func (p *Process) Interrupt() error {
	return p.signalStopping(unix.SIGINT)
}

// Suspend stops the process group from being scheduled (SIGSTOP)
func (p *Process) Suspend() error {
	return p.signalGroup(unix.SIGSTOP)
}

// Resume lets a suspended process group continue (SIGCONT)
func (p *Process) Resume() error {
	return p.signalGroup(unix.SIGCONT)
}

// A stopped group only acts on SIGTERM/SIGINT once continued
func (p *Process) signalStopping(sig unix.Signal) error {
	p.stoppingOnce.Do(func() { close(p.stopping) })
	if err := p.signalGroup(sig); err != nil {
		return err
	}
	return p.signalGroup(unix.SIGCONT)
}

// signalGroup signals every process in the group, including leftovers of an
// exited shell. Once the output is drained it is a no-op.
func (p *Process) signalGroup(sig unix.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained {
		return nil
	}
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %s to group %d: %w", unix.SignalName(sig), p.cmd.Process.Pid, err)
	}
	return nil
}
