package queue

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/zombar/folio/wal"
)

// Replay rebuilds a Queue's in-memory state from a log at path, following
// the algorithm in section 4.1: scan records in order, then classify each
// known job by its final state. Malformed lines are handled by wal.Replay
// itself (truncated trailing record tolerated, earlier corruption fatal).
func Replay(path string, log *wal.Log) (*Queue, error) {
	q := New(log)

	entries := make(map[string]Entry)
	var order []string // enqueue order, so bands are rebuilt FIFO
	dequeued := make(map[string]bool)
	completed := make(map[string]bool)
	checkpoints := make(map[string]json.RawMessage)
	var preemptOrder []string // preempt record order; the latest resumes first
	var currentID string

	err := wal.Replay(path, func(rec wal.Record) error {
		switch rec.Op {
		case wal.OpEnqueue:
			var e Entry
			if err := json.Unmarshal(rec.Entry, &e); err != nil {
				return fmt.Errorf("queue: failed to decode enqueue record for %s: %w", rec.ID, err)
			}
			order = append(order, rec.ID)
			entries[rec.ID] = e
		case wal.OpDequeue:
			dequeued[rec.ID] = true
		case wal.OpSetCurrent:
			currentID = rec.ID
		case wal.OpClearCurrent:
			currentID = ""
		case wal.OpPreempt:
			checkpoints[rec.ID] = rec.State
			preemptOrder = append(preemptOrder, rec.ID)
			if currentID == rec.ID {
				currentID = ""
			}
		case wal.OpComplete:
			completed[rec.ID] = true
			if currentID == rec.ID {
				currentID = ""
			}
		case wal.OpRemove:
			delete(entries, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	placed := make(map[string]bool)
	for i := len(preemptOrder) - 1; i >= 0; i-- {
		id := preemptOrder[i]
		e, ok := entries[id]
		if !ok || completed[id] || placed[id] {
			continue
		}
		placed[id] = true
		e.Checkpoint = checkpoints[id]
		q.preempted = append(q.preempted, e)
	}

	for _, id := range order {
		e, ok := entries[id]
		if !ok || completed[id] || placed[id] {
			continue
		}
		placed[id] = true
		if dequeued[id] && id == currentID {
			cur := e
			q.current = &cur
			continue
		}
		if dequeued[id] {
			// Dequeued but neither completed, preempted, nor the restored
			// current job: some earlier dequeue that never reached
			// set_current/complete. Per section 4.1 only the last
			// current-id is restored; drop anything else.
			continue
		}
		band := q.bandFor(e.Priority)
		*band = append(*band, e)
	}

	return q, nil
}
