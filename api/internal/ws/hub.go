package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hamayni/forge/api/internal/domain"
)

// AllServers is the subscription key that receives every event.
const AllServers = ""

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans contract events out to subscribers keyed by server id.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan domain.ContractEvent
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

type subscription struct {
	serverID string
	client   Subscriber
}

// NewHub creates a hub whose publish queue holds buffer events. Publish
// drops events once the queue is full.
func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan domain.ContractEvent, buffer),
		done:      make(chan struct{}),
		log:       log.With("component", "events"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = map[string]map[Subscriber]struct{}{}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.serverID]; !ok {
				h.clients[sub.serverID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.serverID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.serverID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.serverID)
				}
			}
		case evt := <-h.broadcast:
			payload, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("encode event failed", "type", evt.Type, "error", err)
				continue
			}
			h.deliver(AllServers, payload)
			if evt.ServerID != AllServers {
				h.deliver(evt.ServerID, payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

// Register subscribes a client to one server's events, or to all of them
// when serverID is AllServers.
func (h *Hub) Register(serverID string, client Subscriber) {
	select {
	case h.register <- subscription{serverID: serverID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(serverID string, client Subscriber) {
	select {
	case h.unreg <- subscription{serverID: serverID, client: client}:
	case <-h.done:
	}
}

// Publish queues an event without blocking the caller.
func (h *Hub) Publish(evt domain.ContractEvent) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn("event dropped", "type", evt.Type, "contract_id", evt.ContractID)
	}
}

// Close stops the hub and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
