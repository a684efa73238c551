package lib

import "time"

// fs constants
const TaskerDir = "/.tasker"
const TasksFile = "/tasks.yaml"
const WorkspaceFile = "/workspace.yaml"
const SelectionFile = "/selection.yaml"
const LastRunsFile = "/last_run.yaml"
const ProjectFile = "project.yaml"

// env variables
const WorkspaceEnv = "TASKER_WORKSPACE"
const ShellEnv = "TASKER_SHELL"

// utils
const StdSleepWait = 100 * time.Millisecond
