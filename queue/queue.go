// Package queue implements the scheduler's in-memory multi-band priority
// queue. Every mutation is mirrored to the write-ahead log before the
// in-memory state changes, so a crash between the two never loses or
// duplicates work: on restart, Replay reconstructs the same state from the
// log alone.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zombar/folio/wal"
)

// Priority is the scheduling band an Entry belongs to.
type Priority string

const (
	Critical Priority = "CRITICAL"
	High     Priority = "HIGH"
	Low      Priority = "LOW"
)

// KindCategory determines which pipeline processes an Entry.
type KindCategory string

const (
	Generation KindCategory = "generation"
	Animation  KindCategory = "animation"
)

// ErrNotFound is returned by Remove when no entry with the given id exists.
var ErrNotFound = errors.New("queue: entry not found")

// Entry is a scheduler entry: the in-memory, WAL-mirrored unit of work.
type Entry struct {
	JobID        string          `json:"job_id"`
	KindCategory KindCategory    `json:"kind_category"`
	Priority     Priority        `json:"priority"`
	Params       json.RawMessage `json:"params,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Checkpoint   json.RawMessage `json:"checkpoint,omitempty"`
}

// Status reports per-band counts and the current entry, for health/metrics.
type Status struct {
	Critical  int
	High      int
	Low       int
	Preempted int
	Current   *Entry
}

// Queue is the priority queue with preemption support described in section
// 4.2: three FIFO bands, a LIFO preempted deque, and a single current slot.
type Queue struct {
	log *wal.Log

	mu        sync.Mutex
	critical  []Entry
	high      []Entry
	low       []Entry
	preempted []Entry // front = index 0; push-front/pop-front
	current   *Entry
}

// New creates an empty Queue backed by the given WAL.
func New(log *wal.Log) *Queue {
	return &Queue{log: log}
}

func (q *Queue) bandFor(p Priority) *[]Entry {
	switch p {
	case Critical:
		return &q.critical
	case High:
		return &q.high
	default:
		return &q.low
	}
}

// Enqueue places entry into the band matching its priority. WAL-first.
func (q *Queue) Enqueue(entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: failed to encode entry: %w", err)
	}
	if err := q.log.Append(wal.Record{Op: wal.OpEnqueue, ID: entry.JobID, Entry: payload}); err != nil {
		return fmt.Errorf("queue: failed to durably enqueue %s: %w", entry.JobID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	band := q.bandFor(entry.Priority)
	*band = append(*band, entry)
	return nil
}

// Dequeue removes and returns the highest-priority entry, in order
// CRITICAL -> HIGH -> preempted -> LOW. Returns nil, nil if the queue is
// empty.
func (q *Queue) Dequeue() (*Entry, error) {
	q.mu.Lock()
	fromPreempted := len(q.critical) == 0 && len(q.high) == 0 && len(q.preempted) > 0
	entry, ok := q.popLocked()
	q.mu.Unlock()
	if !ok {
		return nil, nil
	}

	if err := q.log.Append(wal.Record{Op: wal.OpDequeue, ID: entry.JobID}); err != nil {
		// Put it back: the mutation never happened durably.
		q.mu.Lock()
		band := q.bandFor(entry.Priority)
		if fromPreempted {
			band = &q.preempted
		}
		*band = append([]Entry{entry}, *band...)
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: failed to durably dequeue %s: %w", entry.JobID, err)
	}
	return &entry, nil
}

func (q *Queue) popLocked() (Entry, bool) {
	if len(q.critical) > 0 {
		e := q.critical[0]
		q.critical = q.critical[1:]
		return e, true
	}
	if len(q.high) > 0 {
		e := q.high[0]
		q.high = q.high[1:]
		return e, true
	}
	if len(q.preempted) > 0 {
		e := q.preempted[0]
		q.preempted = q.preempted[1:]
		return e, true
	}
	if len(q.low) > 0 {
		e := q.low[0]
		q.low = q.low[1:]
		return e, true
	}
	return Entry{}, false
}

// SetCurrent marks entry as the actively executing job.
func (q *Queue) SetCurrent(entry Entry) error {
	if err := q.log.Append(wal.Record{Op: wal.OpSetCurrent, ID: entry.JobID}); err != nil {
		return fmt.Errorf("queue: failed to durably set current %s: %w", entry.JobID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e := entry
	q.current = &e
	return nil
}

// ClearCurrent clears the current slot without completing it (used when a
// job is about to be preempted).
func (q *Queue) ClearCurrent() error {
	if err := q.log.Append(wal.Record{Op: wal.OpClearCurrent}); err != nil {
		return fmt.Errorf("queue: failed to durably clear current: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
	return nil
}

// Complete marks id as finished. If id matches the current entry, current is
// also cleared.
func (q *Queue) Complete(id string) error {
	if err := q.log.Append(wal.Record{Op: wal.OpComplete, ID: id}); err != nil {
		return fmt.Errorf("queue: failed to durably complete %s: %w", id, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.JobID == id {
		q.current = nil
	}
	return nil
}

// ShouldPreempt is the pure predicate from section 4.2: true iff current is
// LOW and any CRITICAL or HIGH entry is pending, or current is HIGH and any
// CRITICAL entry is pending. CRITICAL is never preemptible.
func (q *Queue) ShouldPreempt() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shouldPreemptLocked()
}

func (q *Queue) shouldPreemptLocked() bool {
	if q.current == nil {
		return false
	}
	switch q.current.Priority {
	case Low:
		return len(q.critical) > 0 || len(q.high) > 0
	case High:
		return len(q.critical) > 0
	default:
		return false
	}
}

// PreemptCurrent abandons the current entry at a safe checkpoint: it writes
// a preempt record carrying the opaque checkpoint state, pushes the entry to
// the front of the preempted deque (LIFO: most recently suspended resumes
// first), and clears current.
func (q *Queue) PreemptCurrent(state json.RawMessage) (*Entry, error) {
	q.mu.Lock()
	if q.current == nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: no current entry to preempt")
	}
	entry := *q.current
	q.mu.Unlock()

	if err := q.log.Append(wal.Record{Op: wal.OpPreempt, ID: entry.JobID, State: state}); err != nil {
		return nil, fmt.Errorf("queue: failed to durably preempt %s: %w", entry.JobID, err)
	}

	entry.Checkpoint = state

	q.mu.Lock()
	defer q.mu.Unlock()
	q.preempted = append([]Entry{entry}, q.preempted...)
	q.current = nil
	return &entry, nil
}

// Remove deletes id from whichever band or deque currently holds it.
// WAL-written only on success, since a no-op remove should not appear in the
// durable history.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	removed := removeByID(&q.critical, id) ||
		removeByID(&q.high, id) ||
		removeByID(&q.low, id) ||
		removeByID(&q.preempted, id)
	q.mu.Unlock()

	if !removed {
		return ErrNotFound
	}
	if err := q.log.Append(wal.Record{Op: wal.OpRemove, ID: id}); err != nil {
		return fmt.Errorf("queue: failed to durably remove %s: %w", id, err)
	}
	return nil
}

func removeByID(band *[]Entry, id string) bool {
	for i, e := range *band {
		if e.JobID == id {
			*band = append((*band)[:i], (*band)[i+1:]...)
			return true
		}
	}
	return false
}

// Status returns per-band counts and the current entry.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	var current *Entry
	if q.current != nil {
		c := *q.current
		current = &c
	}
	return Status{
		Critical:  len(q.critical),
		High:      len(q.high),
		Low:       len(q.low),
		Preempted: len(q.preempted),
		Current:   current,
	}
}

// Compact rewrites the WAL to contain only records necessary to recreate the
// live state: outstanding enqueues and preempt checkpoints. Callers should
// avoid mutating the queue while compaction runs.
func (q *Queue) Compact() error {
	q.mu.Lock()
	live := make(map[string]bool)
	for _, e := range q.critical {
		live[e.JobID] = true
	}
	for _, e := range q.high {
		live[e.JobID] = true
	}
	for _, e := range q.low {
		live[e.JobID] = true
	}
	for _, e := range q.preempted {
		live[e.JobID] = true
	}
	if q.current != nil {
		live[q.current.JobID] = true
	}
	q.mu.Unlock()

	return q.log.Compact(func(rec wal.Record) bool {
		switch rec.Op {
		case wal.OpEnqueue:
			return live[rec.ID]
		case wal.OpPreempt:
			return live[rec.ID]
		default:
			return false
		}
	})
}
