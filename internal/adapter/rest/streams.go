package restadapter

import (
	"sync"

	"github.com/INTO-CPS-Association/simulation-bridge-sub000/internal/envelope"
)

// fragmentCapacity bounds each per-client fragment queue.
const fragmentCapacity = 64

// Stream is the bounded FIFO feeding one open HTTP response body. Entries
// are created by the HTTP handler goroutine and enqueued by the bridge-core
// goroutine; the channel is the thread-safe handoff between them.
type Stream struct {
	clientID string
	frags    chan *envelope.Response
	detached chan struct{}
	once     sync.Once
}

// Fragments returns the receive side of the fragment queue.
func (s *Stream) Fragments() <-chan *envelope.Response { return s.frags }

// Detached is closed when the stream was replaced or removed from the table.
func (s *Stream) Detached() <-chan struct{} { return s.detached }

func (s *Stream) markDetached() {
	s.once.Do(func() { close(s.detached) })
}

// StreamTable maps client ids to their live fragment queue. One mutex
// serializes all access; the adapter serves at most one active stream per
// client id.
type StreamTable struct {
	mu      sync.Mutex
	entries map[string]*Stream
	dropped uint64
}

func NewStreamTable() *StreamTable {
	return &StreamTable{entries: make(map[string]*Stream)}
}

// Register creates the fragment queue for a client, replacing and detaching
// any prior entry.
func (t *StreamTable) Register(clientID string) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.entries[clientID]; ok {
		prior.markDetached()
	}
	s := &Stream{
		clientID: clientID,
		frags:    make(chan *envelope.Response, fragmentCapacity),
		detached: make(chan struct{}),
	}
	t.entries[clientID] = s
	return s
}

// Offer enqueues a fragment without blocking. On overflow the oldest pending
// fragment is discarded first, so the reader observes a sequence gap rather
// than stale data. Returns false when no stream is registered for the client.
func (t *StreamTable) Offer(clientID string, frag *envelope.Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[clientID]
	if !ok {
		return false
	}
	for {
		select {
		case s.frags <- frag:
			return true
		default:
		}
		select {
		case <-s.frags:
			t.dropped++
		default:
		}
	}
}

// Detach removes the entry, but only while it still maps to s; a stream that
// was already replaced must not remove its successor.
func (t *StreamTable) Detach(clientID string, s *Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.entries[clientID]; ok && current == s {
		delete(t.entries, clientID)
	}
	s.markDetached()
}

// Dropped reports how many fragments were discarded on overflow.
func (t *StreamTable) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
