package dispatch

import (
	"sync"

	"github.com/hexdigest/cardemu/emv"
)

type pending struct {
	seq   uint64
	raw   []byte
	cl    emv.Classification
	local bool //answered from the catalog already
}

//queue holds commands in arrival order until the worker is done with them.
//Any goroutine may push, only the worker peeks and pops.
type queue struct {
	mu    sync.Mutex
	items []pending
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(p pending) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

//Ready is signaled after every push, multiple pushes may be coalesced
func (q *queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *queue) peek() (pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return pending{}, false
	}

	return q.items[0], true
}

func (q *queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return
	}

	q.items[0] = pending{}
	q.items = q.items[1:]
}

//clear drops everything and returns the number of dropped commands
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil

	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
