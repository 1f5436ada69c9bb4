// Package queue implements the C5 Queue of spec.md §2/§3: a single in-memory
// FIFO of pending changelog entries tagged with their source remote, with
// head-re-push on retry so failed entries are retried without losing
// per-remote arrival order (spec §4.5, §8 property "ordering guarantees").
package queue

import (
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/block/ldapreplicator/pkg/changelog"
	"github.com/block/ldapreplicator/pkg/remote"
)

// Entry is the Queue Entry of spec §3: a (remote, change) pair plus the
// transient retry counter and the per-attempt control list C4 attaches
// before each apply (spec §4.5 step 2).
type Entry struct {
	Remote   *remote.Directory
	Change   *changelog.Change
	Retry    int
	Controls []ldap.Control
}

// Queue is the single FIFO of pending entries, safe for concurrent use by
// the poller (enqueue) and the processor (pop/push-front) goroutines.
type Queue struct {
	mu    sync.Mutex
	items []*Entry
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Enqueue implements enqueue(url, change) (spec §4.5): append a new entry to
// the tail of the FIFO. It returns the entry so callers can inspect it, and
// whether the queue was empty beforehand (the controller's poll→process
// transition trigger: spec §4.5 "If current state is poll, transition to
// process").
func (q *Queue) Enqueue(r *remote.Directory, change *changelog.Change) (entry *Entry, wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = len(q.items) == 0
	entry = &Entry{Remote: r, Change: change}
	q.items = append(q.items, entry)
	return entry, wasEmpty
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue currently holds no entries.
func (q *Queue) Empty() bool { return q.Len() == 0 }

// PopFront removes and returns the head entry, the one process() attempts
// next (spec §4.5 "drains it one entry at a time").
func (q *Queue) PopFront() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// PushFront re-inserts an entry at the head after a retryable failure (spec
// §4.5 step 3 "re-push E at the head of the queue for another attempt"),
// preserving the entry's position relative to other work from the same
// remote.
func (q *Queue) PushFront(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*Entry{e}, q.items...)
}

// Drop clears the queue (spec §4.1 suspend: "drop the in-memory queue").
func (q *Queue) Drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
