package lib

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/alexflint/go-filemutex"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// We must always start and end with the more fine grained mutex:
// - Lock process wide mutex first
// - Unlock process wide mutex last
// flock lets the same process take the same lock twice, so the process wide
// mutex is what actually serializes goroutines of this process.
type masterMutex struct {
	processWideMutex *sync.Mutex
	systemWideMutex  *filemutex.FileMutex
}

// One process wide mutex per locked path, shared by every masterMutex on it.
var processWideMutexes = map[string]*sync.Mutex{}
var processWideMutexesGuard = sync.Mutex{}

func processWideMutexFor(path string) *sync.Mutex {
	processWideMutexesGuard.Lock()
	defer processWideMutexesGuard.Unlock()
	mu, ok := processWideMutexes[path]
	if !ok {
		mu = &sync.Mutex{}
		processWideMutexes[path] = mu
	}
	return mu
}

func NewMasterMutex(path string) (*masterMutex, error) {
	systemWideMutex, err := filemutex.New(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("filemutex.New: %w", err)
	}
	return &masterMutex{
		processWideMutex: processWideMutexFor(path),
		systemWideMutex:  systemWideMutex,
	}, nil
}

// lock releases everything it took when it fails, the caller never unlocks then
func (mm *masterMutex) lock() error {
	mm.processWideMutex.Lock()
	err := mm.systemWideMutex.Lock()
	if err != nil {
		mm.systemWideMutex.Close()
		mm.processWideMutex.Unlock()
		return fmt.Errorf("systemWideMutex.Lock: %w", err)
	}
	return nil
}

func (mm *masterMutex) unlock() error {
	defer mm.processWideMutex.Unlock()
	err := mm.systemWideMutex.Unlock()
	closeErr := mm.systemWideMutex.Close()
	if err != nil {
		return fmt.Errorf("systemWideMutex.Unlock: %w", err)
	}
	return closeErr
}

// LockFile locks a file for exclusive access.
// The lock lives in a sibling "<path>.lock" file so the guarded file can be
// truncated and rewritten freely.
// lock: r/w
func LockFile(path string) (*masterMutex, error) {
	mm, err := NewMasterMutex(path)
	if err != nil {
		return nil, fmt.Errorf("NewMasterMutex: %w", err)
	}
	if err := mm.lock(); err != nil {
		return nil, err
	}
	return mm, nil
}

// UnlockFile unlocks a file from exclusive access
// lock: r/w
func UnlockFile(mm *masterMutex) error {
	return mm.unlock()
}

// InitPath creates a directory if it does not exist already
func InitPath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug("mkdir ", path)
		err := os.MkdirAll(path, 0755)
		if err != nil {
			return err
		}
	}
	return nil
}

// InitFile creates a file if it does not exist already
func InitFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug("touch ", path)
		err := os.WriteFile(path, []byte(""), 0644)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFileOrEmpty reads a whole file, treating a missing file as empty.
// lock: depends on caller read lock
func ReadFileOrEmpty(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	return content, err
}

// WriteFileAtomic replaces the content of a file via a temp file + rename.
// lock: depends on caller write lock
func WriteFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// FindFiles returns the files under searchRoot whose base name equals name, except
// those in directories ignored by the matcher. Results are sorted for a stable order.
func FindFiles(ctxLogger *log.Entry, searchRoot string, name string, ignoreMatcher *ignore.GitIgnore) ([]string, error) {
	var files []string
	err := filepath.WalkDir(searchRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(searchRoot, path)
		if relErr != nil || rel == "." {
			return nil
		}

		// We just care about not walking subdirs that are ignored
		if entry.IsDir() {
			if ignoreMatcher != nil && ignoreMatcher.MatchesPath(rel+"/") {
				ctxLogger.Debug("skipping ignored dir ", rel)
				return filepath.SkipDir
			}
			return nil
		}

		if entry.Name() == name {
			files = append(files, path)
		}
		return nil
	})

	sort.Strings(files)
	return files, err
}
