package filelock

import "sync"

// fairLock is a FIFO-fair reader/writer lock. The standard library's
// sync.RWMutex makes no fairness guarantee about grant order, so waiters
// are queued explicitly and granted in arrival order. Consecutive readers
// at the head of the queue are admitted as a batch; a queued writer blocks
// every later arrival until it has run.
type fairLock struct {
	mu      sync.Mutex
	queue   []*waiter
	readers int
	writer  bool
}

type waiter struct {
	ready   chan struct{}
	writing bool
}

// lock blocks until the lock is granted in arrival order.
func (l *fairLock) lock(writing bool) {
	l.mu.Lock()
	if len(l.queue) == 0 && l.grantable(writing) {
		l.grant(writing)
		l.mu.Unlock()
		return
	}

	w := &waiter{ready: make(chan struct{}), writing: writing}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	<-w.ready
}

// unlock releases a previously granted lock and admits queued waiters.
func (l *fairLock) unlock(writing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writing {
		l.writer = false
	} else {
		l.readers--
	}
	l.admit()
}

// grantable reports whether a request could be granted immediately given
// the current holders. Callers must hold l.mu.
func (l *fairLock) grantable(writing bool) bool {
	if writing {
		return !l.writer && l.readers == 0
	}
	return !l.writer
}

// grant records a new holder. Callers must hold l.mu.
func (l *fairLock) grant(writing bool) {
	if writing {
		l.writer = true
	} else {
		l.readers++
	}
}

// admit grants queued waiters in arrival order, stopping at the first
// waiter that is incompatible with the current holders. Callers must hold
// l.mu.
func (l *fairLock) admit() {
	for len(l.queue) > 0 {
		w := l.queue[0]
		if !l.grantable(w.writing) {
			return
		}
		l.grant(w.writing)
		l.queue = l.queue[1:]
		close(w.ready)
	}
}
