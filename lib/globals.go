package lib

import (
	"os"
	"path/filepath"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

var DefaultLogger = log.WithFields(log.Fields{
	"extra": "defaultLogger",
})

// ResolveWorkspaceRoot picks the workspace root: explicit flag, then env, then cwd.
func ResolveWorkspaceRoot(flagValue string) (string, error) {
	root := flagValue
	if root == "" {
		root = os.Getenv(WorkspaceEnv)
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = cwd
	}
	return filepath.Abs(root)
}

// WorkspaceIgnoreMatcher picks up the top level .gitignore file of the workspace.
// A workspace without a .gitignore ignores nothing but the .tasker dir itself.
func WorkspaceIgnoreMatcher(root string) *ignore.GitIgnore {
	matcher, err := ignore.CompileIgnoreFileAndLines(root+"/.gitignore", ".tasker/")
	if err != nil {
		log.Debug("no workspace .gitignore in ", root, ": ", err)
		return ignore.CompileIgnoreLines(".tasker/")
	}
	return matcher
}
