package engine

import (
	"sync"

	"github.com/zclconf/go-cty/cty"
)

// reqKind discriminates queued requests.
type reqKind uint8

const (
	reqSet reqKind = iota
	reqAddItem
	reqRemoveItem
	reqCreateNode
	reqDisposeNode
	reqRefresh
)

func (k reqKind) String() string {
	switch k {
	case reqSet:
		return "set"
	case reqAddItem:
		return "add-item"
	case reqRemoveItem:
		return "remove-item"
	case reqCreateNode:
		return "create-node"
	case reqDisposeNode:
		return "dispose-node"
	case reqRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// request is one deferred external operation. Paths are re-resolved at
// apply time: an earlier request in the same batch may have changed
// what the path reaches.
type request struct {
	kind  reqKind
	path  string
	value cty.Value
	tag   string
	index int

	// refresh routing
	instance   int64
	activation int64
}

// requestQueue is the mutation inbox. External writes and structural
// requests arrive from the engine's own goroutine; refresh callbacks
// arrive from arbitrary handler goroutines. The buffered signal
// channel lets a select-based caller wake when work lands.
type requestQueue struct {
	mu     sync.Mutex
	reqs   []request
	closed bool
	signal chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{signal: make(chan struct{}, 1)}
}

// push appends a request and signals, preserving arrival order. It
// reports false after close.
func (q *requestQueue) push(r request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.reqs = append(q.reqs, r)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns every queued request in arrival order.
func (q *requestQueue) take() []request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reqs) == 0 {
		return nil
	}
	out := q.reqs
	q.reqs = nil
	return out
}

func (q *requestQueue) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs) > 0
}

// wake exposes the signal channel for select loops.
func (q *requestQueue) wake() <-chan struct{} {
	return q.signal
}

// close drops the queue and closes the signal channel so waiters
// unblock. Held under the same lock as push to keep the send and the
// close ordered.
func (q *requestQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.reqs = nil
	close(q.signal)
}
