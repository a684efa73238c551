package defs

import (
	"path/filepath"
	"sync"
	"time"
	"workspace-tasker/lib"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher signals when any of the task definition files changes.
//
// Parent directories are watched rather than the files themselves, since editors
// usually save by writing a temp file and renaming it over the original.
// Bursts of events are coalesced into one signal per StdSleepWait.
type Watcher struct {
	ctxLogger *log.Entry
	fsw       *fsnotify.Watcher
	files     map[string]bool
	changes   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWatcher(ctxLogger *log.Entry, files []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		ctxLogger: ctxLogger,
		fsw:       fsw,
		files:     map[string]bool{},
		changes:   make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}

	dirs := map[string]bool{}
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// Changes receives one value per coalesced burst of changes
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()

	var debounce <-chan time.Time
	for {
		select {
		case <-w.closeCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.ctxLogger.WithField("file", event.Name).Debug("definition file changed: ", event.Op)
			if debounce == nil {
				debounce = time.After(lib.StdSleepWait)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.ctxLogger.Warn("watcher error: ", err)
		case <-debounce:
			debounce = nil
			select {
			case w.changes <- struct{}{}:
			default:
				// a signal is already pending
			}
		}
	}
}
