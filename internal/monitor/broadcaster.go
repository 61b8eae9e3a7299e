package monitor

import (
	"sync"

	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/pkg/types"
)

// update is one published state change: the snapshot and the overlay
// frame rendered for it (nil when no frame has been captured yet).
type update struct {
	snap    types.Snapshot
	overlay []byte
}

// broadcaster fans published updates out to monitor clients. Slow
// clients lose updates instead of blocking the stream loop.
type broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan update
	nextID  int
	latest  update
	hasData bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		clients: make(map[int]chan update),
	}
}

// subscribe adds a client. The channel immediately carries the latest
// update when one exists.
func (b *broadcaster) subscribe() (int, <-chan update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan update, 2) // small buffer so one slow read does not drop everything
	if b.hasData {
		ch <- b.latest
	}
	b.clients[id] = ch

	logger.Debug("Monitor", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// unsubscribe removes a client.
func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Monitor", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// clientCount returns the number of subscribed clients.
func (b *broadcaster) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// publish stores the update and fans it out, dropping it for clients
// whose buffers are full.
func (b *broadcaster) publish(u update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = u
	b.hasData = true
	for _, ch := range b.clients {
		select {
		case ch <- u:
		default:
		}
	}
}

// latestUpdate returns the most recent update, if any.
func (b *broadcaster) latestUpdate() (update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasData
}
