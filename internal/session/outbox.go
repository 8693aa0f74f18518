package session

import "sync"

// Outbox is the outbound queue of one connection. The session goroutine
// fills it; the transport's writer drains C(). When it overflows the queued
// frames are dropped and replaced by a fresh full state, so a slow client
// resyncs instead of seeing a gap.
type Outbox struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	done    chan struct{}
	resyncs int
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{ch: make(chan []byte, size), done: make(chan struct{})}
}

// C is the frame stream. It is never closed; watch Done instead.
func (o *Outbox) C() <-chan []byte { return o.ch }

// Done is closed when the session detaches this outbox.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Send enqueues a frame. It reports false if the queue is full or closed.
func (o *Outbox) Send(b []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- b:
		return true
	default:
		return false
	}
}

// Replace drops every queued frame and enqueues b.
func (o *Outbox) Replace(b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for {
		select {
		case <-o.ch:
			continue
		default:
		}
		break
	}
	o.resyncs++
	select {
	case o.ch <- b:
	default:
	}
}

// Resyncs counts overflow recoveries.
func (o *Outbox) Resyncs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resyncs
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
