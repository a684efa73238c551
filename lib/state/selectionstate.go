package state

import (
	"workspace-tasker/lib"
	"workspace-tasker/lib/defs"
)

// SelectionState remembers which task is selected between sessions
// mut: true
type SelectionState struct {
	Path     string      `yaml:"-"`
	Selected defs.TaskId `yaml:"selected"`
}

func NewSelectionState(wsd defs.WorkspaceDefinition) *SelectionState {
	return &SelectionState{Path: wsd.TaskerPath + lib.SelectionFile}
}

func (s *SelectionState) Load() error {
	stored := SelectionState{}
	if err := readYaml(s.Path, &stored); err != nil {
		return err
	}
	s.Selected = stored.Selected
	return nil
}

func (s *SelectionState) Dump() error {
	selected := s.Selected
	stored := SelectionState{}
	return updateYaml(s.Path, &stored, func() { stored.Selected = selected })
}

// SelectedTask returns the persisted selection, empty when nothing was selected yet
// lock: r
func (s *SelectionState) SelectedTask() (defs.TaskId, error) {
	if err := s.Load(); err != nil {
		return "", err
	}
	return s.Selected, nil
}

// SetSelectedTask persists a new selection
// lock: r/w
func (s *SelectionState) SetSelectedTask(id defs.TaskId) error {
	s.Selected = id
	return s.Dump()
}
