package state

import (
	"fmt"
	"workspace-tasker/lib"

	"gopkg.in/yaml.v2"
)

// PersistentState is a generic interface for all persistent state types
// Persistent state in tasker is implemented as read/write to files in the .tasker directory
//
// # NOTE: Run state
// The live status and output of runs is manager state, not persistent state.
// Only the outcome of a run is recorded once it is over.
type PersistentState interface {
	Load() error
	Dump() error
}

// readYaml reads path into out, a missing or empty file leaves out untouched
// lock: r (on path)
func readYaml(path string, out interface{}) error {
	mm, err := lib.LockFile(path)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lib.UnlockFile(mm)
	return readYamlLocked(path, out)
}

// lock: depends on caller lock
func readYamlLocked(path string, out interface{}) error {
	content, err := lib.ReadFileOrEmpty(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// updateYaml re-reads path into v, lets fn modify it and writes it back, all under one lock
// lock: r/w (on path)
func updateYaml(path string, v interface{}, fn func()) error {
	mm, err := lib.LockFile(path)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lib.UnlockFile(mm)

	if err := readYamlLocked(path, v); err != nil {
		return err
	}
	fn()
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return lib.WriteFileAtomic(path, out)
}
