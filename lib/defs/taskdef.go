package defs

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

type TaskId string

// NewTaskId generates a fresh identifier; it is generated once and then persisted.
func NewTaskId() TaskId {
	return TaskId(uuid.New().String())
}

// EnvironmentVariable is one exported variable of a task.
// Persisted as a single-key mapping, aka `NODE_ENV: production`.
type EnvironmentVariable struct {
	Name  string
	Value string
}

func (ev EnvironmentVariable) MarshalYAML() (interface{}, error) {
	return yaml.MapSlice{{Key: ev.Name, Value: ev.Value}}, nil
}

func (ev *EnvironmentVariable) UnmarshalYAML(unmarshal func(interface{}) error) error {
	pairs := yaml.MapSlice{}
	if err := unmarshal(&pairs); err != nil {
		return err
	}
	if len(pairs) != 1 {
		return fmt.Errorf("environment variable must be a single name: value pair, got %d keys", len(pairs))
	}
	ev.Name = fmt.Sprint(pairs[0].Key)
	if pairs[0].Value != nil {
		ev.Value = fmt.Sprint(pairs[0].Value)
	} else {
		ev.Value = ""
	}
	return nil
}

// mut: false
type TaskDefinition struct {
	// ex. "3f0c5c1e-..."
	Id TaskId `yaml:"id"`
	// ex. "dev"
	Name string `yaml:"name"`
	// ex. "My Mac", free-form
	Target string `yaml:"target"`
	// ex. "frontend", empty means the shell's current directory
	WorkingDirectory string `yaml:"workingDirectory"`
	// ex. "npm run dev"
	Command string `yaml:"command"`
	// ex. [{NODE_ENV: development}], order matters
	EnvironmentVariables []EnvironmentVariable `yaml:"environmentVariables"`
}

// IsInvalid reports whether the task lacks a name, a command or a target.
func (task TaskDefinition) IsInvalid() bool {
	return task.Name == "" || task.Command == "" || task.Target == ""
}

// SameTask compares by identity only.
func (task TaskDefinition) SameTask(other TaskDefinition) bool {
	return task.Id == other.Id
}

// FullCommand exports the environment, moves into the working directory and then
// runs the command. Duplicate names are kept, the later export wins in the shell.
func (task TaskDefinition) FullCommand() string {
	var b strings.Builder

	if len(task.EnvironmentVariables) > 0 {
		exports := make([]string, 0, len(task.EnvironmentVariables))
		for _, ev := range task.EnvironmentVariables {
			exports = append(exports, "export "+ev.Name+"=\""+ev.Value+"\"")
		}
		b.WriteString(strings.Join(exports, " && "))
		b.WriteString(";")
	}

	if task.WorkingDirectory != "" {
		b.WriteString("cd " + task.WorkingDirectory + " && ")
	}

	b.WriteString(task.Command)
	return b.String()
}

// Label is what users see and type to refer to a task.
func (task TaskDefinition) Label() string {
	if task.Name == "" {
		return string(task.Id)
	}
	return task.Name
}

// FindTask resolves an id or a name against an ordered list of tasks.
// Ids win over names, and the first matching name wins.
func FindTask(tasks []TaskDefinition, idOrName string) (TaskDefinition, bool) {
	for _, task := range tasks {
		if string(task.Id) == idOrName {
			return task, true
		}
	}
	for _, task := range tasks {
		if task.Name == idOrName {
			return task, true
		}
	}
	return TaskDefinition{}, false
}
