package defs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	return log.NewEntry(logger)
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestInitWorkspace_Empty(t *testing.T) {
	root := t.TempDir()

	ws, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}

	if _, err := os.Stat(ws.TasksFilePath); err != nil {
		t.Errorf("expected the tasks file to be created: %v", err)
	}
	if len(ws.AllTasks()) != 0 {
		t.Errorf("expected no tasks, got %d", len(ws.AllTasks()))
	}
}

func TestInitWorkspace_AssignsAndPersistsIds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".tasker", "tasks.yaml"), `
tasks:
  - name: dev
    target: local
    command: npm run dev
`)

	first, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if len(first.Tasks) != 1 || first.Tasks[0].Id == "" {
		t.Fatalf("expected one task with a generated id, got %+v", first.Tasks)
	}

	second, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if second.Tasks[0].Id != first.Tasks[0].Id {
		t.Errorf("expected the generated id to be persisted, got %s then %s", first.Tasks[0].Id, second.Tasks[0].Id)
	}
}

func TestInitWorkspace_Projects(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "node_modules/\n")
	writeFile(t, filepath.Join(root, ".tasker", "tasks.yaml"), `
tasks:
  - id: ws-1
    name: all
    target: local
    command: make all
`)
	writeFile(t, filepath.Join(root, "frontend", "project.yaml"), `
tasks:
  - name: build
    command: npm run build
    workingDirectory: app
  - name: lint
    target: ci
    command: npm run lint
`)
	writeFile(t, filepath.Join(root, "frontend", "node_modules", "dep", "project.yaml"), `
tasks:
  - name: ignored
    command: "true"
`)
	writeFile(t, filepath.Join(root, "broken", "project.yaml"), "tasks: [")

	ws, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}

	if len(ws.Projects) != 1 {
		t.Fatalf("expected only the frontend project, got %d projects", len(ws.Projects))
	}
	project := ws.Projects[0]
	if project.Id != "frontend" {
		t.Errorf("expected project id to default to the dir name, got %q", project.Id)
	}

	tasks := ws.AllTasks()
	names := []string{}
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	if strings.Join(names, ",") != "all,build,lint" {
		t.Fatalf("unexpected task order %v", names)
	}

	build := tasks[1]
	if build.Target != "frontend" {
		t.Errorf("expected the target to default to the project id, got %q", build.Target)
	}
	if build.WorkingDirectory != filepath.Join(root, "frontend", "app") {
		t.Errorf("expected a working directory relative to the project, got %q", build.WorkingDirectory)
	}
	if tasks[2].Target != "ci" {
		t.Errorf("expected an explicit target to be kept, got %q", tasks[2].Target)
	}

	again, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if again.AllTasks()[1].Id != build.Id {
		t.Error("expected project task ids to be stable across reads")
	}

	watched := ws.WatchedFiles()
	if len(watched) != 2 || watched[0] != ws.TasksFilePath || watched[1] != project.File {
		t.Errorf("unexpected watched files %v", watched)
	}
}

func TestInitWorkspace_DropsDuplicateIds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".tasker", "tasks.yaml"), `
tasks:
  - id: same
    name: first
    target: local
    command: "true"
  - id: same
    name: second
    target: local
    command: "true"
`)

	ws, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if len(ws.Tasks) != 1 || ws.Tasks[0].Name != "first" {
		t.Errorf("expected the first definition to win, got %+v", ws.Tasks)
	}
}

func TestWorkspaceDefinition_AddAndUpdateTask(t *testing.T) {
	root := t.TempDir()
	ws, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}

	added, err := ws.AddTask(TaskDefinition{Name: "test", Target: "local", Command: "go test ./..."})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if added.Id == "" {
		t.Fatal("expected AddTask to generate an id")
	}

	if _, err := ws.AddTask(added); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}

	added.EnvironmentVariables = []EnvironmentVariable{{Name: "CGO_ENABLED", Value: "0"}}
	if err := ws.UpdateTask(added); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	reread, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if len(reread.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(reread.Tasks))
	}
	if reread.Tasks[0].FullCommand() != `export CGO_ENABLED="0";go test ./...` {
		t.Errorf("unexpected command after update: %q", reread.Tasks[0].FullCommand())
	}

	if err := ws.UpdateTask(TaskDefinition{Id: "unknown"}); err == nil {
		t.Error("expected updating an unknown task to fail")
	}
}

func TestWorkspaceDefinition_Dump(t *testing.T) {
	root := t.TempDir()
	ws, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}
	if err := ws.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	content, err := os.ReadFile(ws.DefnPath)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(content), "root: "+root) {
		t.Errorf("expected the dump to carry the root path, got:\n%s", content)
	}
}

func TestWatcher_SignalsOnChange(t *testing.T) {
	root := t.TempDir()
	ws, err := InitWorkspace(testLogger(), root)
	if err != nil {
		t.Fatalf("InitWorkspace: %v", err)
	}

	watcher, err := NewWatcher(testLogger(), ws.WatchedFiles())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer watcher.Close()

	// unrelated files in the same dir are ignored
	writeFile(t, filepath.Join(ws.TaskerPath, "unrelated.txt"), "x")
	select {
	case <-watcher.Changes():
		t.Fatal("expected no change for an unwatched file")
	case <-time.After(300 * time.Millisecond):
	}

	if _, err := ws.AddTask(TaskDefinition{Name: "dev", Target: "local", Command: "ls"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	select {
	case <-watcher.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a change signal")
	}
}
