package defs

import (
	"errors"
	"fmt"
	"workspace-tasker/lib"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var ErrDuplicateTask = errors.New("duplicate task id")

// The on-disk shape of .tasker/tasks.yaml
type tasksFile struct {
	Tasks []TaskDefinition `yaml:"tasks"`
}

// WorkspaceDefinition contains all information about the task definitions in the fs
// It can be dumped to file for debugging and re-read at any time
// mut: false
type WorkspaceDefinition struct {
	RootPath      string              `yaml:"root"`
	TaskerPath    string              `yaml:"taskerPath"`
	DefnPath      string              `yaml:"defnPath"`
	TasksFilePath string              `yaml:"tasksFilePath"`
	Tasks         []TaskDefinition    `yaml:"tasks"`
	Projects      []ProjectDefinition `yaml:"projects"`
}

// InitWorkspace reads the workspace rooted at rootPath from scratch.
// The .tasker dir and an empty tasks file are created when missing.
func InitWorkspace(ctxLogger *log.Entry, rootPath string) (WorkspaceDefinition, error) {
	ws := WorkspaceDefinition{
		RootPath:      rootPath,
		TaskerPath:    rootPath + lib.TaskerDir,
		DefnPath:      rootPath + lib.TaskerDir + lib.WorkspaceFile,
		TasksFilePath: rootPath + lib.TaskerDir + lib.TasksFile,
	}

	if err := lib.InitPath(ws.TaskerPath); err != nil {
		return ws, fmt.Errorf("init tasker path: %w", err)
	}
	if err := lib.InitFile(ws.TasksFilePath); err != nil {
		return ws, fmt.Errorf("init tasks file: %w", err)
	}

	tasks, err := ws.readTasksFile(ctxLogger)
	if err != nil {
		return ws, err
	}
	ws.Tasks = tasks

	// Find all the project.yaml files in the workspace
	projectFiles, err := lib.FindFiles(ctxLogger, rootPath, lib.ProjectFile, lib.WorkspaceIgnoreMatcher(rootPath))
	if err != nil {
		return ws, fmt.Errorf("find project files: %w", err)
	}

	// A broken project file should not take the whole workspace down
	ws.Projects = []ProjectDefinition{}
	for _, projectFile := range projectFiles {
		project, err := InitProject(ctxLogger, projectFile)
		if err != nil {
			ctxLogger.WithField("file", projectFile).Warn("skipping project: ", err)
			continue
		}
		ws.Projects = append(ws.Projects, project)
	}

	ws.dropDuplicates(ctxLogger)
	return ws, nil
}

// AllTasks returns every task definition in stored order:
// workspace tasks first, then each project's tasks in discovery order.
func (ws WorkspaceDefinition) AllTasks() []TaskDefinition {
	allTasks := append([]TaskDefinition{}, ws.Tasks...)
	for _, project := range ws.Projects {
		allTasks = append(allTasks, project.TaskDefs...)
	}
	return allTasks
}

// WatchedFiles are the files whose change means the definitions must be re-read
func (ws WorkspaceDefinition) WatchedFiles() []string {
	files := []string{ws.TasksFilePath}
	for _, project := range ws.Projects {
		files = append(files, project.File)
	}
	return files
}

// Dump dumps the resolved workspace to the workspace.yaml file in the .tasker dir
func (ws WorkspaceDefinition) Dump() error {
	wsYaml, err := yaml.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	return lib.WriteFileAtomic(ws.DefnPath, wsYaml)
}

// AddTask appends a task to the workspace tasks file, generating its id if needed.
// lock: r/w (on the tasks file)
func (ws WorkspaceDefinition) AddTask(task TaskDefinition) (TaskDefinition, error) {
	if task.Id == "" {
		task.Id = NewTaskId()
	}
	err := ws.updateTasksFile(func(tasks []TaskDefinition) ([]TaskDefinition, error) {
		if _, exists := FindTask(tasks, string(task.Id)); exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.Id)
		}
		return append(tasks, task), nil
	})
	return task, err
}

// UpdateTask replaces the task with the same id in the workspace tasks file.
// lock: r/w (on the tasks file)
func (ws WorkspaceDefinition) UpdateTask(task TaskDefinition) error {
	return ws.updateTasksFile(func(tasks []TaskDefinition) ([]TaskDefinition, error) {
		for i := range tasks {
			if tasks[i].SameTask(task) {
				tasks[i] = task
				return tasks, nil
			}
		}
		return nil, fmt.Errorf("task %s is not defined in %s", task.Id, ws.TasksFilePath)
	})
}

//
// Utils
//

// readTasksFile reads .tasker/tasks.yaml, persisting ids for tasks that lack one.
// lock: r/w (on the tasks file)
func (ws WorkspaceDefinition) readTasksFile(ctxLogger *log.Entry) ([]TaskDefinition, error) {
	var tasks []TaskDefinition
	err := ws.updateTasksFile(func(stored []TaskDefinition) ([]TaskDefinition, error) {
		missingIds := false
		for i := range stored {
			if stored[i].Id == "" {
				stored[i].Id = NewTaskId()
				missingIds = true
				ctxLogger.WithField("name", stored[i].Name).Info("assigned id to task")
			}
		}
		tasks = stored
		if !missingIds {
			return nil, nil
		}
		return stored, nil
	})
	return tasks, err
}

// updateTasksFile runs a read-modify-write cycle on the tasks file under its lock.
// A nil slice from fn with a nil error means "nothing to write".
// lock: r/w (on the tasks file)
func (ws WorkspaceDefinition) updateTasksFile(fn func([]TaskDefinition) ([]TaskDefinition, error)) error {
	mm, err := lib.LockFile(ws.TasksFilePath)
	if err != nil {
		return fmt.Errorf("lock tasks file: %w", err)
	}
	defer lib.UnlockFile(mm)

	content, err := lib.ReadFileOrEmpty(ws.TasksFilePath)
	if err != nil {
		return fmt.Errorf("read tasks file: %w", err)
	}
	stored := tasksFile{}
	if err := yaml.Unmarshal(content, &stored); err != nil {
		return fmt.Errorf("unmarshal tasks file %s: %w", ws.TasksFilePath, err)
	}

	updated, err := fn(stored.Tasks)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	out, err := yaml.Marshal(tasksFile{Tasks: updated})
	if err != nil {
		return fmt.Errorf("marshal tasks file: %w", err)
	}
	return lib.WriteFileAtomic(ws.TasksFilePath, out)
}

// dropDuplicates keeps the first definition of every id, in stored order
func (ws *WorkspaceDefinition) dropDuplicates(ctxLogger *log.Entry) {
	seen := map[TaskId]bool{}
	keep := func(tasks []TaskDefinition, origin string) []TaskDefinition {
		kept := []TaskDefinition{}
		for _, task := range tasks {
			if seen[task.Id] {
				ctxLogger.
					WithFields(log.Fields{
						"task":   task.Id,
						"origin": origin,
					}).
					Warn("duplicate task id, keeping the first definition")
				continue
			}
			seen[task.Id] = true
			kept = append(kept, task)
		}
		return kept
	}

	ws.Tasks = keep(ws.Tasks, ws.TasksFilePath)
	for i := range ws.Projects {
		ws.Projects[i].TaskDefs = keep(ws.Projects[i].TaskDefs, ws.Projects[i].File)
	}
}
