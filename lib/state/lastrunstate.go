package state

import (
	"time"
	"workspace-tasker/lib"
	"workspace-tasker/lib/defs"
)

// TaskRunRecord is the outcome of the most recent run of one task
type TaskRunRecord struct {
	TaskId    defs.TaskId     `yaml:"id"`
	Name      string          `yaml:"name"`
	Status    defs.TaskStatus `yaml:"status"`
	ExitCode  int             `yaml:"exitCode"`
	StartTime time.Time       `yaml:"startTime"`
	EndTime   time.Time       `yaml:"endTime"`
}

// Taken is how long the run took in milliseconds, -1 when unknown
func (r TaskRunRecord) Taken() int64 {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return -1
	}
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// LastRunState holds one record per task, in the order tasks first finished
// mut: true
type LastRunState struct {
	Path string          `yaml:"-"`
	Runs []TaskRunRecord `yaml:"runs"`
}

func NewLastRunState(wsd defs.WorkspaceDefinition) *LastRunState {
	return &LastRunState{Path: wsd.TaskerPath + lib.LastRunsFile}
}

func (s *LastRunState) Load() error {
	stored := LastRunState{}
	if err := readYaml(s.Path, &stored); err != nil {
		return err
	}
	s.Runs = stored.Runs
	return nil
}

func (s *LastRunState) Dump() error {
	runs := append([]TaskRunRecord{}, s.Runs...)
	stored := LastRunState{}
	return updateYaml(s.Path, &stored, func() { stored.Runs = runs })
}

// Record replaces the record of the same task or appends a new one.
// Other processes may record concurrently, so this merges into the file content
// rather than dumping the in-memory view.
// lock: r/w
func (s *LastRunState) Record(record TaskRunRecord) error {
	stored := LastRunState{}
	err := updateYaml(s.Path, &stored, func() {
		for i := range stored.Runs {
			if stored.Runs[i].TaskId == record.TaskId {
				stored.Runs[i] = record
				return
			}
		}
		stored.Runs = append(stored.Runs, record)
	})
	if err != nil {
		return err
	}
	s.Runs = stored.Runs
	return nil
}
