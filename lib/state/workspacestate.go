package state

import (
	"workspace-tasker/lib/defs"
)

// mut: true
type WorkspacePersistentState struct {
	Selection *SelectionState // mut: true
	LastRuns  *LastRunState   // mut: true
}

func NewWorkspacePersistentState(wsd defs.WorkspaceDefinition) (WorkspacePersistentState, error) {
	newState := WorkspacePersistentState{
		Selection: NewSelectionState(wsd),
		LastRuns:  NewLastRunState(wsd),
	}
	err := newState.Load()
	if err != nil {
		return newState, err
	}
	return newState, nil
}

func (s WorkspacePersistentState) Load() error {
	if err := s.Selection.Load(); err != nil {
		return err
	}
	return s.LastRuns.Load()
}

func (s WorkspacePersistentState) Dump() error {
	if err := s.Selection.Dump(); err != nil {
		return err
	}
	return s.LastRuns.Dump()
}
