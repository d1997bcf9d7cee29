// Package wal implements the scheduler's write-ahead log: a single append-only
// file of JSON records that durably captures every mutation of the priority
// queue so state survives a process crash.
//
// Concurrency model: many goroutines may call Append; the file handle is
// guarded by a single mutex so appends are serialized and each one is
// fsynced before the call returns. This trades throughput for simplicity —
// the queue is never under enough write pressure to need a batched writer.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// ErrCorruptLog is returned by Replay when a record earlier than the final
// line in the file cannot be parsed. A malformed final line is tolerated
// (it is the signature of a crash mid-append) and simply dropped.
var ErrCorruptLog = errors.New("wal: corrupt log")

// Op identifies the kind of mutation a Record represents.
type Op string

const (
	OpEnqueue      Op = "enqueue"
	OpDequeue      Op = "dequeue"
	OpSetCurrent   Op = "set_current"
	OpClearCurrent Op = "clear_current"
	OpPreempt      Op = "preempt"
	OpComplete     Op = "complete"
	OpRemove       Op = "remove"
)

// Record is a single WAL entry. Fields are a superset across all Op kinds;
// only the fields relevant to Op are populated.
type Record struct {
	Op        Op              `json:"op"`
	Timestamp time.Time       `json:"ts"`
	ID        string          `json:"id,omitempty"`
	Entry     json.RawMessage `json:"entry,omitempty"` // opaque scheduler entry, owned by the queue package
	State     json.RawMessage `json:"state,omitempty"` // opaque preemption checkpoint blob
}

// Log is a durable append-only record store.
type Log struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the log file at path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open log: %w", err)
	}
	return &Log{path: path, file: f}, nil
}

// Append durably writes a record: encode, write, flush, fsync, in that
// order. The call does not return until the record is on disk.
func (l *Log) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: failed to encode record: %w", err)
	}
	payload = append(payload, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(payload); err != nil {
		return fmt.Errorf("wal: failed to write record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync record: %w", err)
	}
	return nil
}

// Replay scans the log from the start, invoking apply for each well-formed
// record in order. A parse failure on the last line is treated as a
// truncated trailing record from a crashed append and silently dropped; a
// parse failure on any earlier line is fatal.
func Replay(path string, apply func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: failed to open log for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("wal: failed to scan log: %w", err)
	}

	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if i == len(lines)-1 {
				// Truncated trailing record: the process crashed mid-append.
				break
			}
			return fmt.Errorf("%w: line %d: %v", ErrCorruptLog, i+1, err)
		}
		if err := apply(rec); err != nil {
			return fmt.Errorf("wal: apply failed at line %d: %w", i+1, err)
		}
	}

	return nil
}

// Compact writes a filtered copy of the log to a temporary sibling file,
// syncs it, and atomically renames it over the live file. keep decides which
// records survive compaction (normally: outstanding enqueues plus any
// preempt checkpoints, per the queue's own bookkeeping).
func (l *Log) Compact(keep func(Record) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to create compaction file: %w", err)
	}

	writeErr := Replay(l.path, func(rec Record) error {
		if !keep(rec) {
			return nil
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		payload = append(payload, '\n')
		_, err = tmp.Write(payload)
		return err
	})
	if writeErr != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("wal: compaction failed: %w", writeErr)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to sync compacted log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to close compacted log: %w", err)
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close live log before rename: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("wal: failed to rename compacted log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: failed to reopen log after compaction: %w", err)
	}
	l.file = f

	return nil
}

// Close closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: failed to close log: %w", err)
	}
	return nil
}
