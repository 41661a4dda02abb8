package agent

import (
	"sync"

	"github.com/dere-ai/dere/pkg/models"
)

// eventRing is a bounded replay buffer of emitted events. Appends assign the
// session's next sequence number; reconnecting clients replay everything
// newer than their last seen sequence, up to the ring's capacity behind.
type eventRing struct {
	mu   sync.Mutex
	buf  []models.AgentEvent
	cap  int
	next int    // write cursor
	size int    // filled slots
	seq  uint64 // last assigned sequence
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &eventRing{buf: make([]models.AgentEvent, capacity), cap: capacity}
}

// Append stamps the event with the next sequence number and stores it,
// evicting the oldest entry when full. Returns the assigned sequence.
func (r *eventRing) Append(ev models.AgentEvent) models.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Sequence = r.seq
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
	return ev
}

// Since returns the buffered events with sequence > lastSeq, oldest first.
func (r *eventRing) Since(lastSeq uint64) []models.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AgentEvent
	start := r.next - r.size
	if start < 0 {
		start += r.cap
	}
	for i := 0; i < r.size; i++ {
		ev := r.buf[(start+i)%r.cap]
		if ev.Sequence > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the most recently assigned sequence number.
func (r *eventRing) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
