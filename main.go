package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"workspace-tasker/lib"
	"workspace-tasker/lib/defs"
	"workspace-tasker/lib/state"
	"workspace-tasker/lib/tasker"
	"workspace-tasker/lib/tasker/common"
	"workspace-tasker/lib/tasker/events"
	"workspace-tasker/lib/tasker/shell"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	workspaceFlag string
	shellFlag     string
	logLevelFlag  string
)

func main() {
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{
		ForceColors:   true,
		PadLevelText:  true,
		FullTimestamp: false,
	})

	rootCmd := &cobra.Command{
		Use:   "tasker",
		Short: "Run and supervise workspace tasks",
		Long: `tasker runs user defined build, run and test commands through a login shell.

Tasks are read from .tasker/tasks.yaml in the workspace root and from every
project.yaml found below it (directories ignored by .gitignore are skipped).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevelFlag)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "workspace root (default $"+lib.WorkspaceEnv+" or the current directory)")
	rootCmd.PersistentFlags().StringVar(&shellFlag, "shell", os.Getenv(lib.ShellEnv), "shell to run tasks with: bash, zsh, sh or ksh")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level")

	rootCmd.AddCommand(newListCmd(), newSelectCmd(), newRunCmd(), newStatusCmd(), newAddCmd(), newEnvCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr))
		}
		os.Exit(1)
	}
}

// exitCodeError makes tasker exit with the code of the task it ran
type exitCodeError int

func (e exitCodeError) Error() string {
	return "task exited with status " + strconv.Itoa(int(e))
}

func loadContext() (common.Context, error) {
	root, err := lib.ResolveWorkspaceRoot(workspaceFlag)
	if err != nil {
		return common.Context{}, err
	}
	ctxLogger := log.WithFields(log.Fields{
		"bin":       os.Args[0],
		"workspace": root,
	})
	ws, err := common.NewWorkspace(ctxLogger, root)
	if err != nil {
		return common.Context{}, err
	}
	// dump it right away to be able to debug if something goes wrong
	if err := ws.Definition().Dump(); err != nil {
		ctxLogger.Warn("could not dump workspace: ", err)
	}
	return common.NewContext(ctxLogger, ws), nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext()
			if err != nil {
				return err
			}
			sh, err := shell.Parse(shellFlag)
			if err != nil {
				return err
			}
			manager := ctx.NewManager(sh)
			defer manager.Close()

			tasks, err := manager.ListAvailableTasks()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks defined, add one with `tasker add`")
				return nil
			}
			selected, err := manager.SelectedTask()
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Println(buildListLine(task, selected != nil && selected.SameTask(task)))
			}
			return nil
		},
	}
}

func buildListLine(task defs.TaskDefinition, selected bool) string {
	line := "  "
	if selected {
		line = color.CyanString("* ")
	}
	line += fmt.Sprintf("%-20s %-12s %s", task.Label(), task.Target, color.HiBlackString(string(task.Id)))
	if task.IsInvalid() {
		line += " " + color.RedString("(invalid)")
	}
	return line
}

func newSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <task>",
		Short: "Select the task `tasker run` runs by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext()
			if err != nil {
				return err
			}
			manager := ctx.NewManager(shell.Default)
			defer manager.Close()

			task, err := manager.FindTask(args[0])
			if err != nil {
				return err
			}
			if err := manager.Select(task.Id); err != nil {
				return err
			}
			fmt.Println("selected " + task.Label())
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var watch, clear bool
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a task and stream its output",
		Long: `Run a task, or the selected one, and stream its output.

Ctrl-C interrupts the task, a second Ctrl-C terminates it.
With --watch the task is restarted whenever its definition files change.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext()
			if err != nil {
				return err
			}
			sh, err := shell.Parse(shellFlag)
			if err != nil {
				return err
			}
			manager := ctx.NewManager(sh)
			defer manager.Close()

			var task defs.TaskDefinition
			if len(args) == 1 {
				task, err = manager.FindTask(args[0])
				if err != nil {
					return err
				}
			} else {
				selected, err := manager.SelectedTask()
				if err != nil {
					return err
				}
				if selected == nil {
					return fmt.Errorf("%w: no tasks defined", tasker.ErrTaskNotFound)
				}
				task = *selected
			}
			if task.IsInvalid() {
				ctx.Logger.WithField("task", task.Id).Warn("task is missing a name, target or command")
			}

			return runTask(ctx, manager, task, watch, clear)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "restart the task when task definitions change")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear output before every restart")
	return cmd
}

func runTask(ctx common.Context, manager *tasker.Manager, task defs.TaskDefinition, watch bool, clear bool) error {
	sub := manager.Subscribe(1024)
	defer sub.Close()

	if err := manager.Run(task); err != nil {
		return err
	}

	var changes <-chan struct{}
	if watch {
		watcher, err := defs.NewWatcher(ctx.Logger, ctx.Workspace.Definition().WatchedFiles())
		if err != nil {
			return fmt.Errorf("watch definitions: %w", err)
		}
		defer watcher.Close()
		changes = watcher.Changes()
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	interrupts := 0
	stopping := false

	for {
		select {
		case sig := <-signals:
			if manager.StatusOf(task.Id) != defs.StatusRunning {
				// idle between watched runs, nothing left to stop
				return nil
			}
			interrupts++
			stopping = true
			stop := manager.Interrupt
			if interrupts > 1 || sig == syscall.SIGTERM {
				stop = manager.Terminate
			}
			go func() {
				if err := stop(task.Id); err != nil {
					ctx.Logger.Warn("could not stop task: ", err)
				}
			}()

		case <-changes:
			if err := ctx.Workspace.Reload(); err != nil {
				ctx.Logger.Warn("keeping previous definitions: ", err)
				continue
			}
			reloaded, err := manager.FindTask(string(task.Id))
			if err != nil {
				ctx.Logger.Warn("task disappeared from the definitions, keeping the previous one")
				reloaded = task
			}
			task = reloaded
			ctx.Logger.WithField("task", task.Id).Info("definitions changed, restarting")
			if clear {
				manager.ClearOutput(task.Id)
			}
			go func(task defs.TaskDefinition) {
				if err := manager.Restart(task); err != nil {
					ctx.Logger.Error("could not restart task: ", err)
				}
			}(task)

		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			if event.Run.TaskId != task.Id {
				continue
			}
			if event.Chunk != "" {
				fmt.Print(event.Chunk)
			}
			if done, err := runEnded(event, watch, stopping); done {
				return err
			}
		}
	}
}

// runEnded decides whether the run command is done after event
func runEnded(event events.Event, watch bool, stopping bool) (bool, error) {
	if event.Kind != events.Update || event.Chunk != "" {
		return false, nil
	}
	status := event.Run.Status
	if status == defs.StatusRunning || event.Run.EndedAt.IsZero() {
		return false, nil
	}
	if watch && !stopping {
		fmt.Println(color.HiBlackString("[%s: %s, waiting for changes]", event.Run.Name, status))
		return false, nil
	}
	fmt.Println()
	switch status {
	case defs.StatusFailed:
		if event.Run.ExitCode > 0 {
			return true, exitCodeError(event.Run.ExitCode)
		}
		return true, exitCodeError(1)
	case defs.StatusStopped:
		return true, exitCodeError(130)
	default:
		return true, nil
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how the last run of every task ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext()
			if err != nil {
				return err
			}
			lastRuns := ctx.Workspace.State.LastRuns
			if err := lastRuns.Load(); err != nil {
				return err
			}
			if len(lastRuns.Runs) == 0 {
				fmt.Println("no runs recorded yet")
				return nil
			}
			fmt.Println(buildReport(lastRuns.Runs))
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var name, target, dir, command string
	var env []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task to the workspace tasks file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext()
			if err != nil {
				return err
			}
			envVars, err := parseEnvAssignments(env)
			if err != nil {
				return err
			}
			task := defs.TaskDefinition{
				Name:                 name,
				Target:               target,
				WorkingDirectory:     dir,
				Command:              command,
				EnvironmentVariables: envVars,
			}
			if task.IsInvalid() {
				return errors.New("a task needs --name, --target and --command")
			}
			added, err := ctx.Workspace.AddTask(task)
			if err != nil {
				return err
			}
			fmt.Println("added " + added.Label() + " " + color.HiBlackString(string(added.Id)))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&target, "target", "", "free-form target, aka \"local\"")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory, empty runs in the workspace root")
	cmd.Flags().StringVar(&command, "command", "", "shell command line")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment variable as KEY=VALUE, repeatable")
	return cmd
}

func parseEnvAssignments(assignments []string) ([]defs.EnvironmentVariable, error) {
	envVars := []defs.EnvironmentVariable{}
	for _, assignment := range assignments {
		key, val, ok := strings.Cut(assignment, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", assignment)
		}
		envVars = append(envVars, defs.EnvironmentVariable{Name: key, Value: val})
	}
	return envVars, nil
}

func newEnvCmd() *cobra.Command {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage task environment variables",
	}
	envCmd.AddCommand(&cobra.Command{
		Use:   "set <task> KEY VALUE [KEY VALUE...]",
		Short: "Append environment variables to a task",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 || (len(args)-1)%2 != 0 {
				return errors.New("incorrect arguments! Should have a task and an even number of KEY VALUE arguments")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loadContext()
			if err != nil {
				return err
			}
			task, ok := defs.FindTask(ctx.Workspace.Definition().Tasks, args[0])
			if !ok {
				return fmt.Errorf("%w: %s is not defined in the workspace tasks file", tasker.ErrTaskNotFound, args[0])
			}

			kvs := args[1:]
			for i := 0; i < len(kvs); i += 2 {
				task.EnvironmentVariables = append(task.EnvironmentVariables, defs.EnvironmentVariable{
					Name:  kvs[i],
					Value: kvs[i+1],
				})
				ctx.Logger.WithField("task", task.Id).Info("exported ", kvs[i], "=", kvs[i+1])
			}
			return ctx.Workspace.UpdateTask(task)
		},
	})
	return envCmd
}

//
// Report
//

func longestTaskCellElement(runs []state.TaskRunRecord) string {
	longestCellElement := "Task"
	for _, run := range runs {
		if len(run.Name) > len(longestCellElement) {
			longestCellElement = run.Name
		}
	}
	return longestCellElement
}

func buildReportHeader(timeCellPadding string, takenCellPadding string, taskCellPadding string) string {
	header := "| ⏵ "
	header += fmt.Sprintf("|%"+timeCellPadding+"s", "Start")
	header += fmt.Sprintf("|%"+timeCellPadding+"s", "End")
	header += fmt.Sprintf("|%"+takenCellPadding+"s", "Taken")
	header += fmt.Sprintf("| %-"+taskCellPadding+"s|", "Task")
	return header
}

func buildReportSeparator(header string) string {
	return strings.Repeat("-", len([]rune(header)))
}

func statusGlyph(status defs.TaskStatus) string {
	switch status {
	case defs.StatusFinished:
		return color.GreenString("%s", "✓")
	case defs.StatusFailed:
		return color.RedString("%s", "✗")
	case defs.StatusStopped:
		return color.YellowString("%s", "⚠")
	default:
		return color.BlueString("%s", "⏵")
	}
}

func formatClock(record state.TaskRunRecord, end bool) string {
	t := record.StartTime
	if end {
		t = record.EndTime
	}
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04:05")
}

func formatTaken(record state.TaskRunRecord) string {
	taken := record.Taken()
	if taken < 0 {
		return "-"
	}
	return strconv.FormatInt(taken, 10) + "ms"
}

func buildReport(runs []state.TaskRunRecord) string {
	timeCellPadding := strconv.Itoa(len("15:04:05") + 1)
	longestTaken := len("Taken")
	for _, run := range runs {
		if l := len(formatTaken(run)); l > longestTaken {
			longestTaken = l
		}
	}
	takenCellPadding := strconv.Itoa(longestTaken + 1)
	taskCellPadding := strconv.Itoa(len(longestTaskCellElement(runs)))

	header := buildReportHeader(timeCellPadding, takenCellPadding, taskCellPadding)
	separator := buildReportSeparator(header)

	report := separator + "\n"
	report += header + "\n"
	report += separator

	for _, run := range runs {
		report += "\n"
		report += "| " + statusGlyph(run.Status) + " "
		report += fmt.Sprintf("|%"+timeCellPadding+"s", formatClock(run, false))
		report += fmt.Sprintf("|%"+timeCellPadding+"s", formatClock(run, true))
		report += fmt.Sprintf("|%"+takenCellPadding+"s", formatTaken(run))
		report += fmt.Sprintf("| %-"+taskCellPadding+"s|", run.Name)
		if run.Status == defs.StatusFailed && run.ExitCode > 0 {
			report += " " + color.RedString("exit %d", run.ExitCode)
		}
	}

	report += "\n" + separator
	return report
}
