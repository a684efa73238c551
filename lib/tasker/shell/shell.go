// Package shell runs task commands through a login shell.
//
// The shell is started with "-l -c <command>" so that the user's profile is
// sourced (PATH extensions, version managers, aliases) exactly as it would be
// in a terminal. Standard output and standard error share one pipe, so the
// sink sees them interleaved in the order the OS delivers them.
package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

var ErrUnknownShell = errors.New("unknown shell")

// Shell is one of the supported Bourne-compatible shell executables
type Shell string

const (
	Bash Shell = "/bin/bash"
	Zsh  Shell = "/bin/zsh"
	Sh   Shell = "/bin/sh"
	Ksh  Shell = "/bin/ksh"
)

// Shells lists the supported shells, the first one is the default
var Shells = []Shell{Bash, Zsh, Sh, Ksh}

// Default is the shell used when none was configured
const Default = Bash

// Parse accepts a shell name ("zsh") or its path ("/bin/zsh").
// An empty string gives the default shell.
func Parse(nameOrPath string) (Shell, error) {
	if nameOrPath == "" {
		return Default, nil
	}
	for _, sh := range Shells {
		if string(sh) == nameOrPath || filepath.Base(string(sh)) == nameOrPath {
			return sh, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownShell, nameOrPath)
}

func (sh Shell) Name() string {
	return filepath.Base(string(sh))
}

// Args are the arguments handing command to the shell as a login invocation
func (sh Shell) Args(command string) []string {
	return []string{"-l", "-c", command}
}

// Invoker spawns commands through a shell
type Invoker struct {
	Shell Shell
	// Directory the shell starts in, empty means the current directory of this process
	Dir string
	// Extra "KEY=value" entries appended to this process's environment
	Env []string
}

// Start spawns command and returns as soon as the process is running.
// Raw output chunks are written to sink from a separate goroutine, in order,
// until the process and every child holding the pipe have exited.
// A spawn failure is returned immediately and nothing is retried.
func (inv Invoker) Start(command string, sink io.Writer) (*Process, error) {
	sh := inv.Shell
	if sh == "" {
		sh = Default
	}

	outReader, outWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(string(sh), sh.Args(command)...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdin = nil
	// same *os.File for both, so exec hands the child one descriptor and no copy goroutine
	cmd.Stdout = outWriter
	cmd.Stderr = outWriter
	// own process group, so signals reach everything the task spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		outReader.Close()
		outWriter.Close()
		return nil, fmt.Errorf("start %s: %w", sh, err)
	}
	// the child has its own copy now, EOF arrives once every holder closed it
	outWriter.Close()

	return newProcess(cmd, outReader, sink), nil
}

// Execute runs command to completion, blocking until it exits.
// A non-zero exit is reported in the Result, not as an error.
func (inv Invoker) Execute(command string, sink io.Writer) (Result, error) {
	proc, err := inv.Start(command, sink)
	if err != nil {
		return Result{ExitCode: -1, Err: err}, err
	}
	return proc.Wait(), nil
}
