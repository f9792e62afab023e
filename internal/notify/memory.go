package notify

import (
	"sync"
	"time"

	"autovisor/pkg/types"
)

// MemorySink stores events in-memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []types.Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Progress(p int) { m.add(types.Event{Kind: "progress", Percent: p}) }

func (m *MemorySink) Status(n Notification) {
	m.add(types.Event{Kind: "status", Category: string(n.Category), Message: n.Message})
}

func (m *MemorySink) InstanceOutput(pid int, line string) {
	m.add(types.Event{Kind: "output", PID: pid, Message: line})
}

func (m *MemorySink) add(e types.Event) {
	e.TimeMS = time.Now().UnixMilli()
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *MemorySink) Events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kind returns the recorded events of one kind, in order.
func (m *MemorySink) Kind(kind string) []types.Event {
	var out []types.Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// RingSink keeps the most recent events, bounded by capacity. It backs GET /events.
type RingSink struct {
	mu   sync.Mutex
	buf  []types.Event
	next int
	full bool
	seq  uint64
}

// NewRingSink returns a ring holding at most capacity events (minimum 1).
func NewRingSink(capacity int) *RingSink {
	if capacity < 1 {
		capacity = 1
	}
	return &RingSink{buf: make([]types.Event, capacity)}
}

func (r *RingSink) Progress(p int) { r.add(types.Event{Kind: "progress", Percent: p}) }

func (r *RingSink) Status(n Notification) {
	r.add(types.Event{Kind: "status", Category: string(n.Category), Message: n.Message})
}

func (r *RingSink) InstanceOutput(pid int, line string) {
	r.add(types.Event{Kind: "output", PID: pid, Message: line})
}

func (r *RingSink) add(e types.Event) {
	e.TimeMS = time.Now().UnixMilli()
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns buffered events, oldest first.
func (r *RingSink) Recent() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]types.Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]types.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Since returns buffered events with Seq greater than seq, oldest first.
func (r *RingSink) Since(seq uint64) []types.Event {
	all := r.Recent()
	i := 0
	for i < len(all) && all[i].Seq <= seq {
		i++
	}
	return all[i:]
}
