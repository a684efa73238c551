package defs

// TaskStatus is where a task run is in its lifecycle.
type TaskStatus string

const (
	// Nothing running, either never ran or was terminated/interrupted
	StatusStopped TaskStatus = "stopped"
	// A process is live
	StatusRunning TaskStatus = "running"
	// Last process exited with 0
	StatusFinished TaskStatus = "finished"
	// Last process exited non-zero, was killed by a signal or could not spawn
	StatusFailed TaskStatus = "failed"
)

// IsTerminal reports whether a process invocation is over for this status.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

func (s TaskStatus) String() string {
	if s == "" {
		return string(StatusStopped)
	}
	return string(s)
}
