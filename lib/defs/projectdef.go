package defs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Namespace for ids derived from project files that do not carry their own
var projectTaskNamespace = uuid.MustParse("8f8b2d0e-6a55-4c5e-9d62-3f3b7f5f2a10")

type ProjectId = string

// A ProjectDefinition in the workspace
// mut: false
type ProjectDefinition struct {
	// The project file full path, aka /path/to/project.yaml
	File string `yaml:"file"`
	// The project path, aka /path/to
	Path string `yaml:"path"`
	// The id of the project, aka "writer", defaults to the dir name
	Id ProjectId `yaml:"id"`
	// All the project tasks, aka "install", "build", "test", "lint", etc.
	TaskDefs []TaskDefinition `yaml:"tasks"`
}

// InitProject reads one project.yaml.
// Tasks without an id get one derived from the file path and task name, so it is
// stable across runs without rewriting a file the user owns.
// Relative working directories are resolved against the project path.
func InitProject(ctxLogger *log.Entry, filePath string) (ProjectDefinition, error) {
	ctxLogger.Debug("reading project @ " + filePath)

	project := ProjectDefinition{}
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return project, fmt.Errorf("read project file: %w", err)
	}

	err = yaml.Unmarshal(yamlFile, &project)
	if err != nil {
		return project, fmt.Errorf("unmarshal project file %s: %w", filePath, err)
	}

	project.File = filePath
	project.Path = filepath.Dir(filePath)
	if project.Id == "" {
		project.Id = filepath.Base(project.Path)
	}

	for i := range project.TaskDefs {
		task := &project.TaskDefs[i]
		if task.Id == "" {
			task.Id = TaskId(uuid.NewSHA1(projectTaskNamespace, []byte(filePath+"\x00"+task.Name)).String())
		}
		if task.WorkingDirectory != "" && !filepath.IsAbs(task.WorkingDirectory) {
			task.WorkingDirectory = filepath.Join(project.Path, task.WorkingDirectory)
		}
		if task.Target == "" {
			task.Target = project.Id
		}
	}

	ctxLogger.WithField("project", project.Id).Debug("reading project done!")
	return project, nil
}
