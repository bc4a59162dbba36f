package events

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is how many events a subscriber may fall behind before
// further events to it are dropped.
const subscriberBuffer = 16

type subscriber struct {
	ch chan JobEvent
}

// Hub fans events out to per-job subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*subscriber]struct{})}
}

// Subscribe returns a channel of events for jobID and a cancel func that
// closes it. Cancel is safe to call more than once.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan JobEvent, func()) {
	s := &subscriber{ch: make(chan JobEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[jobID], s)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Broadcast delivers ev to the job's subscribers without blocking. Returns
// the number of subscribers that received it.
func (h *Hub) Broadcast(ev JobEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.subs[ev.JobID] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			// slow subscriber
		}
	}
	return delivered
}

// Subscribers returns the number of live subscribers for jobID.
func (h *Hub) Subscribers(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
