package recorder

import "sync"

// hub fans snapshots out to subscribers. Each subscriber holds at most one pending
// snapshot; a newer one replaces it, and older ones are never delivered after newer.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch      chan Snapshot
	lastSeq uint64
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ch: make(chan Snapshot, 1)}
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

func (h *hub) publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if s.seq <= sub.lastSeq {
			continue
		}
		sub.lastSeq = s.seq
		select {
		case sub.ch <- s:
		default:
			// Drop the stale pending snapshot and deliver the latest.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- s
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}
