package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/antigravity-dev/marcus/internal/persist"
)

const logStream = "events"

// logRecord is the persisted line format: {seq, kind, ts, project_id, payload}.
type logRecord struct {
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	TS        time.Time       `json:"ts"`
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Log is the durable append-only event log. Records carry monotonic
// sequence numbers; fsync happens at most once per flush interval.
type Log struct {
	streams *persist.Streams
	flush   time.Duration

	mu    sync.Mutex
	seq   uint64
	dirty bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLog opens the durable log over a stream root. The sequence continues
// from whatever the stream already holds.
func NewLog(streams *persist.Streams, flushInterval time.Duration) (*Log, error) {
	existing, err := streams.Read(logStream)
	if err != nil {
		return nil, fmt.Errorf("events: open log: %w", err)
	}

	var seq uint64
	if n := len(existing); n > 0 {
		var last logRecord
		if err := json.Unmarshal(existing[n-1], &last); err != nil {
			return nil, fmt.Errorf("events: corrupt log tail: %w", err)
		}
		seq = last.Seq
	}

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	l := &Log{
		streams: streams,
		flush:   flushInterval,
		seq:     seq,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.flushLoop()
	return l, nil
}

// Append writes the event with the next sequence number. Durability is
// deferred to the flush ticker.
func (l *Log) Append(ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload %s: %w", ev.Kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record := logRecord{
		Seq:       l.seq + 1,
		Kind:      ev.Kind,
		TS:        ev.Timestamp,
		ProjectID: ev.ProjectID,
		Payload:   payload,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("events: marshal record %d: %w", record.Seq, err)
	}
	if err := l.streams.Append(logStream, line); err != nil {
		return err
	}
	l.seq = record.Seq
	l.dirty = true
	return nil
}

// Seq returns the last appended sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ReadAll decodes every record in the log, oldest first.
func (l *Log) ReadAll() ([]logRecord, error) {
	lines, err := l.streams.Read(logStream)
	if err != nil {
		return nil, err
	}
	out := make([]logRecord, 0, len(lines))
	for i, line := range lines {
		var record logRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("events: corrupt record at line %d: %w", i+1, err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Close stops the flush loop and performs a final sync.
func (l *Log) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Log) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.flush)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.syncIfDirty()
		case <-l.stop:
			l.syncIfDirty()
			return
		}
	}
}

func (l *Log) syncIfDirty() {
	l.mu.Lock()
	dirty := l.dirty
	l.dirty = false
	l.mu.Unlock()
	if dirty {
		// Sync failure leaves dirty records at the mercy of the OS; the
		// next append re-arms the flag.
		_ = l.streams.Sync(logStream)
	}
}
