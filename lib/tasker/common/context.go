package common

import (
	"workspace-tasker/lib/tasker"
	"workspace-tasker/lib/tasker/shell"

	log "github.com/sirupsen/logrus"
)

// mut: true
type Context struct {
	Logger    *log.Entry
	Workspace *Workspace
}

func NewContext(logger *log.Entry, workspace *Workspace) Context {
	return Context{
		Logger:    logger,
		Workspace: workspace,
	}
}

// NewManager builds a task manager backed by the workspace: definitions come
// from its files, the selection and last runs persist in its .tasker dir, and
// tasks start in the workspace root.
func (ctx Context) NewManager(sh shell.Shell) *tasker.Manager {
	return tasker.NewManager(
		ctx.Logger,
		ctx.Workspace,
		tasker.WithInvoker(shell.Invoker{
			Shell: sh,
			Dir:   ctx.Workspace.Definition().RootPath,
		}),
		tasker.WithSelectionStore(ctx.Workspace.State.Selection),
		tasker.WithRunRecorder(ctx.Workspace.State.LastRuns),
	)
}
