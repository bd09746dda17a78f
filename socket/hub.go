package socket

import (
	"sync"

	"collabcore/internal/collab"
	"collabcore/pkg/logger"
)

// Hub owns the live websocket connections, one per channel. It is the
// transport edge only: every decoded frame goes straight to the coordinator,
// and the coordinator sends frames back through the hub's Send.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	mu       sync.Mutex
	channels map[string]*Client

	coord *collab.Coordinator
}

func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client, 16),
		Unregister: make(chan *Client, 16),
		channels:   make(map[string]*Client),
	}
}

// Bind attaches the coordinator. The coordinator needs the hub as its sender,
// so the two are wired after construction.
func (h *Hub) Bind(coord *collab.Coordinator) { h.coord = coord }

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.channels[client.ChannelID] = client
			h.mu.Unlock()
			logger.Sugar.Infof("Channel %s connected (user %s)", client.ChannelID, client.UserID)

		case client := <-h.Unregister:
			h.mu.Lock()
			current, ok := h.channels[client.ChannelID]
			if ok && current == client {
				delete(h.channels, client.ChannelID)
				close(client.Send)
			}
			h.mu.Unlock()
			if !ok || current != client {
				continue
			}
			// The coordinator handles leave semantics: participant-left
			// broadcast, presence removal, session teardown when empty.
			h.coord.Disconnect(client.ChannelID)
			logger.Sugar.Infof("Channel %s disconnected (user %s)", client.ChannelID, client.UserID)
		}
	}
}

// Send implements collab.Sender. A full send buffer means the client is
// lagging; it gets unregistered rather than blocking everyone else.
func (h *Hub) Send(channelID string, frame []byte) bool {
	h.mu.Lock()
	client, ok := h.channels[channelID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case client.Send <- frame:
		return true
	default:
		logger.Sugar.Warnf("Channel %s's send buffer is full. Unregistering.", channelID)
		select {
		case h.Unregister <- client:
		default:
		}
		return false
	}
}
