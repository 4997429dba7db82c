package logging

import (
	"strings"
	"sync"
)

const DefaultBacklog = 500

// Hub keeps the most recent log lines and fans new ones out to subscribers.
// It satisfies zapcore.WriteSyncer.
type Hub struct {
	mu     sync.Mutex
	lines  []string
	next   int
	full   bool
	subs   map[int]chan string
	nextID int
}

func NewHub(size int) *Hub {
	if size <= 0 {
		size = DefaultBacklog
	}
	return &Hub{
		lines: make([]string, size),
		subs:  make(map[int]chan string),
	}
}

func (h *Hub) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lines[h.next] = line
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}

	for _, ch := range h.subs {
		// a slow reader loses lines, logging never waits on it
		select {
		case ch <- line:
		default:
		}
	}
	return len(p), nil
}

func (h *Hub) Sync() error { return nil }

// backlogLocked returns the buffered lines, oldest first.
func (h *Hub) backlogLocked() []string {
	if !h.full {
		return append([]string(nil), h.lines[:h.next]...)
	}
	out := make([]string, 0, len(h.lines))
	out = append(out, h.lines[h.next:]...)
	return append(out, h.lines[:h.next]...)
}

// Subscribe returns the current backlog and a channel receiving every line
// written afterwards. cancel must be called to release the subscription.
func (h *Hub) Subscribe(buffer int) (backlog []string, lines <-chan string, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan string, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	backlog = h.backlogLocked()
	h.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return backlog, ch, cancel
}

// Subscribers is the number of open log streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
