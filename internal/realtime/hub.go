package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonstream/engine/internal/platform/logger"
)

// EventBus cross-process-forwards SSEMessages published by one engine
// process to every other process's locally-connected clients.
// internal/realtime/bus.Bus satisfies this without either package
// importing the other's concrete types.
type EventBus interface {
	Publish(ctx context.Context, msg SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m SSEMessage)) error
	Close() error
}

// outboundBuffer bounds how many pending notifications a slow client can
// accumulate before Broadcast starts dropping for it; playback events are
// frequent (positionChanged fires every tick) and a stalled subscriber must
// never block the hub.
const outboundBuffer = 64

// SSEHub fans SSEMessages out to every client subscribed to a message's
// channel. One hub is shared process-wide; internal/engineapp wires it to
// every playback controller instance.
type SSEHub struct {
	log *logger.Logger
	bus EventBus

	mu sync.RWMutex
	channels map[string]map[uuid.UUID]*SSEClient
}

// NewSSEHub constructs an empty hub.
func NewSSEHub(log *logger.Logger) *SSEHub {
	return &SSEHub{
		log: log.With("component", "SSEHub"),
		channels: make(map[string]map[uuid.UUID]*SSEClient),
	}
}

// NewSSEClient allocates a client for sessionID with no channel subscriptions.
func (h *SSEHub) NewSSEClient(sessionID uuid.UUID) *SSEClient {
	return &SSEClient{
		ID: uuid.New(),
		SessionID: sessionID,
		Channels: make(map[string]bool),
		Outbound: make(chan SSEMessage, outboundBuffer),
		done: make(chan struct{}),
		Logger: h.log,
	}
}

// AddChannel subscribes client to channel, delivering future Broadcasts
// addressed to it.
func (h *SSEHub) AddChannel(client *SSEClient, channel string) {
	if client == nil || channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[uuid.UUID]*SSEClient)
		h.channels[channel] = set
	}
	set[client.ID] = client
	client.Channels[channel] = true
}

// RemoveChannel unsubscribes client from channel without closing it.
func (h *SSEHub) RemoveChannel(client *SSEClient, channel string) {
	if client == nil || channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.channels[channel]; ok {
		delete(set, client.ID)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(client.Channels, channel)
}

// AttachBus wires a cross-process EventBus into the hub: subsequent
// Broadcasts publish to the bus instead of delivering locally, and messages
// published by any process (including this one) are delivered to local
// clients only once they round-trip back through the bus's forwarder. This
// keeps a multi-process deployment's clients consistent regardless of
// which process's hub originated the event. Call before serving traffic;
// ctx governs the forwarder goroutine's lifetime.
func (h *SSEHub) AttachBus(ctx context.Context, b EventBus) error {
	if err := b.StartForwarder(ctx, h.deliverLocal); err != nil {
		return err
	}
	h.bus = b
	return nil
}

// Broadcast delivers msg to every client subscribed to msg.Channel, or to
// the attached EventBus if one is set (see AttachBus). A client whose
// Outbound buffer is full has the message dropped for it rather than
// blocking every other subscriber.
func (h *SSEHub) Broadcast(msg SSEMessage) {
	if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.bus.Publish(ctx, msg); err != nil {
			h.log.Warn("event bus publish failed, falling back to local delivery", "error", err)
			h.deliverLocal(msg)
		}
		return
	}
	h.deliverLocal(msg)
}

func (h *SSEHub) deliverLocal(msg SSEMessage) {
	h.mu.RLock()
	set := h.channels[msg.Channel]
	clients := make([]*SSEClient, 0, len(set))
	for _, c := range set {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.Outbound <- msg:
		case <-c.done:
		default:
			h.log.Warn("dropping SSE message for slow client", "client_id", c.ID.String(), "event", msg.Event)
		}
	}
}

// CloseClient unsubscribes client from every channel and closes its
// Outbound channel, unblocking any reader.
func (h *SSEHub) CloseClient(client *SSEClient) {
	if client == nil {
		return
	}
	h.mu.Lock()
	for channel := range client.Channels {
		if set, ok := h.channels[channel]; ok {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()

	select {
	case <-client.done:
	default:
		close(client.done)
		close(client.Outbound)
	}
}
