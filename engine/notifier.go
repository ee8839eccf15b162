package engine

import "sync"

// notifier fans session piece alerts out to blocked readers. Waiters grab
// the current signal channel *before* re-checking piece state, so a
// broadcast between check and wait is never lost (the channel they hold is
// already closed).
type notifier struct {
	mu  sync.Mutex
	ch  chan struct{}
	gen uint64
	err error // fatal session error, set once
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

// signalled returns a channel closed at the next broadcast.
func (n *notifier) signalled() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gen++
	close(n.ch)
	n.ch = make(chan struct{})
}

// fail records a fatal torrent error and wakes all waiters.
func (n *notifier) fail(err error) {
	n.mu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.gen++
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

func (n *notifier) fatal() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *notifier) generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen
}
