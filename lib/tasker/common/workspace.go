package common

import (
	"fmt"
	"sync"
	"workspace-tasker/lib/defs"
	"workspace-tasker/lib/state"

	log "github.com/sirupsen/logrus"
)

// mut: true
type Workspace struct {
	ctxLogger *log.Entry
	rootPath  string

	// Describes the task definitions in the fs, replaced as a whole on Reload
	// _ prefix reminder to use mutex when accessing
	_definition defs.WorkspaceDefinition
	mutex       sync.RWMutex

	// Describes the workspace state stored in the .tasker dir
	State state.WorkspacePersistentState // mut: true
}

func NewWorkspace(ctxLogger *log.Entry, rootPath string) (*Workspace, error) {
	definition, err := defs.InitWorkspace(ctxLogger, rootPath)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}
	persistentState, err := state.NewWorkspacePersistentState(definition)
	if err != nil {
		return nil, fmt.Errorf("load workspace state: %w", err)
	}
	return &Workspace{
		ctxLogger:   ctxLogger,
		rootPath:    rootPath,
		_definition: definition,
		State:       persistentState,
	}, nil
}

// Definition returns the definitions as of the last (re)load
// lock: r
func (ws *Workspace) Definition() defs.WorkspaceDefinition {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return ws._definition
}

// Reload re-reads every definition file, keeping the old definitions on failure
// lock: r/w
func (ws *Workspace) Reload() error {
	definition, err := defs.InitWorkspace(ws.ctxLogger, ws.rootPath)
	if err != nil {
		return fmt.Errorf("reload workspace: %w", err)
	}
	ws.mutex.Lock()
	ws._definition = definition
	ws.mutex.Unlock()
	ws.ctxLogger.WithField("tasks", len(definition.AllTasks())).Debug("reloaded workspace")
	return nil
}

// Tasks makes Workspace the manager's task source
func (ws *Workspace) Tasks() ([]defs.TaskDefinition, error) {
	return ws.Definition().AllTasks(), nil
}

// AddTask stores a new task in the workspace tasks file and reloads
func (ws *Workspace) AddTask(task defs.TaskDefinition) (defs.TaskDefinition, error) {
	added, err := ws.Definition().AddTask(task)
	if err != nil {
		return added, err
	}
	return added, ws.Reload()
}

// UpdateTask rewrites a task of the workspace tasks file and reloads
func (ws *Workspace) UpdateTask(task defs.TaskDefinition) error {
	if err := ws.Definition().UpdateTask(task); err != nil {
		return err
	}
	return ws.Reload()
}
