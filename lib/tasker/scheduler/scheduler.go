package scheduler

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("scheduler stopped")

// Serial runs closures one at a time on a single goroutine, in submission order.
//
// It is the coordination context of the task manager: every mutation of shared
// task state is submitted here, while the blocking process work happens on other
// goroutines that only ever Post their results back.
//
// Closures must not call Do on the same Serial, that would wait on itself.
type Serial struct {
	ctxLogger *log.Entry

	// Unbounded FIFO so Post never blocks the process goroutines
	// _ prefix reminder to use mutex when accessing
	_queue   []func()
	_stopped bool
	mutex    sync.Mutex
	wake     chan struct{}
	finished chan struct{}
}

func NewSerial(ctxLogger *log.Entry) *Serial {
	s := &Serial{
		ctxLogger: ctxLogger,
		wake:      make(chan struct{}, 1),
		finished:  make(chan struct{}),
	}
	go s.loop()
	return s
}

//
// START: SUBMIT SECTION (use lock)
//

// Post enqueues fn without waiting for it.
// Posts after Stop are dropped.
// lock: r/w
func (s *Serial) Post(fn func()) bool {
	s.mutex.Lock()
	if s._stopped {
		s.mutex.Unlock()
		s.ctxLogger.Debug("dropping closure posted after stop")
		return false
	}
	s._queue = append(s._queue, fn)
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the scheduler goroutine and waits until it returned
// lock: r/w
func (s *Serial) Do(fn func()) error {
	done := make(chan struct{})
	if !s.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	<-done
	return nil
}

// Stop runs what is already queued, then ends the loop. Stop waits for that.
// lock: r/w
func (s *Serial) Stop() {
	s.mutex.Lock()
	alreadyStopped := s._stopped
	s._stopped = true
	s.mutex.Unlock()

	if !alreadyStopped {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	<-s.finished
}

//
// END: SUBMIT SECTION
//

func (s *Serial) loop() {
	defer close(s.finished)
	for {
		s.mutex.Lock()
		batch := s._queue
		s._queue = nil
		stopped := s._stopped
		s.mutex.Unlock()

		for _, fn := range batch {
			s.run(fn)
		}

		if len(batch) == 0 {
			if stopped {
				return
			}
			<-s.wake
		}
	}
}

// A panicking closure must not take the coordination goroutine down with it
func (s *Serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.ctxLogger.Error("recovered panic in scheduled closure: ", r)
		}
	}()
	fn()
}
