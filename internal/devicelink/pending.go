package devicelink

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/banshee-data/turret/internal/timeutil"
)

type pendingEntry struct {
	ch      chan Response
	created time.Time
}

// pendingTable maps correlation ids to single-use reply slots. An entry is
// inserted on send, fulfilled on receive and removed on timeout, cancel or
// TTL expiry.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	clock   timeutil.Clock
	ttl     time.Duration
}

func newPendingTable(clock timeutil.Clock, ttl time.Duration) *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingEntry),
		clock:   clock,
		ttl:     ttl,
	}
}

func (p *pendingTable) insert(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id] = &pendingEntry{ch: make(chan Response, 1), created: p.clock.Now()}
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

// fulfil delivers r to a waiting entry. The slot is buffered so the receive
// path never blocks; a second reply for the same id is dropped.
func (p *pendingTable) fulfil(r Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[r.ID]
	if !ok {
		return false
	}
	select {
	case e.ch <- r:
		return true
	default:
		return false
	}
}

func (p *pendingTable) await(ctx context.Context, id string, timeout time.Duration) (Response, bool) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return Response{}, false
	}
	defer p.remove(id)

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-e.ch:
		return r, true
	case <-timer.C():
		// A reply may have landed together with the deadline.
		select {
		case r := <-e.ch:
			return r, true
		default:
			return Response{}, false
		}
	case <-ctx.Done():
		return Response{}, false
	}
}

// sweep drops entries older than the TTL and returns how many were removed.
func (p *pendingTable) sweep() int {
	if p.ttl <= 0 {
		return 0
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, e := range p.entries {
		if now.Sub(e.created) > p.ttl {
			delete(p.entries, id)
			n++
		}
	}
	return n
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// hub fans raw lines out to subscribers without blocking the read path.
type hub struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]chan string)}
}

func (h *hub) subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *hub) publish(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full/blocking skip so as not to block the outer loop
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
