// Package bridge implements the franklab message router: authenticated
// component connections, point-to-point and broadcast delivery, heartbeat
// liveness, a bounded event log, and the ingestion HTTP surface.
package bridge

import (
	"sync"
	"time"

	"franklab/internal/bus"
)

// EventRecord is the logged projection of one routed message. Payloads are
// deliberately not logged.
type EventRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Type      string    `json:"type"`
}

// eventLog is a fixed-capacity ring. Overflow discards oldest-first, so the
// in-memory footprint never exceeds the configured bound.
type eventLog struct {
	mu    sync.Mutex
	buf   []EventRecord
	next  int
	full  bool
	total uint64
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &eventLog{buf: make([]EventRecord, capacity)}
}

func (l *eventLog) Append(msg *bus.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = EventRecord{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Source:    msg.Source,
		Target:    msg.Target,
		Type:      msg.Type,
	}
	l.next++
	l.total++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
}

// Recent returns up to limit records, oldest first. limit <= 0 returns all
// retained records.
func (l *eventLog) Recent(limit int) []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.buf)
	}
	out := make([]EventRecord, 0, size)
	start := 0
	if l.full {
		start = l.next
	}
	for i := 0; i < size; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Size returns the number of retained records.
func (l *eventLog) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}
