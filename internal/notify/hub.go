package notify

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNoRecipient = errors.New("notify: missing recipient")

type HubOptions struct {
	// QueueSize bounds each subscriber's send buffer.
	QueueSize int
	// MaxDurable bounds durable events held per recipient.
	MaxDurable   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       zerolog.Logger
}

func DefaultHubOptions() HubOptions {
	return HubOptions{
		QueueSize:    64,
		MaxDurable:   128,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

type subscriber struct {
	recipient string
	conn      *websocket.Conn
	send      chan Event
}

// Hub pushes notifications to websocket subscribers keyed by recipient.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	outbox   *Outbox
	log      zerolog.Logger

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func NewHub(opts HubOptions) *Hub {
	def := DefaultHubOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		outbox: NewOutbox(opts.MaxDurable),
		log:    opts.Logger.With().Str("component", "notify.hub").Logger(),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Outbox exposes durable events still waiting for a subscriber.
func (h *Hub) Outbox() *Outbox {
	return h.outbox
}

func (h *Hub) Notify(recipient, action string, payload any, mode Mode) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return
	}
	ev := NewEvent(recipient, action, payload, mode)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	delivered := false
	for sub := range h.subs[recipient] {
		select {
		case sub.send <- ev:
			delivered = true
		default:
			h.log.Warn().Str("recipient", recipient).Msg("notify.hub subscriber queue full")
		}
	}
	if !delivered && mode == ModeDurable {
		h.outbox.Upsert(PendingEvent{Event: ev, QueuedAt: time.Now()})
	}
}

// Subscribers returns the number of live subscribers for recipient.
func (h *Hub) Subscribers(recipient string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[strings.TrimSpace(recipient)])
}

// ServeWS upgrades the request and streams events for recipient until the
// peer disconnects or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return ErrNoRecipient
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := &subscriber{
		recipient: recipient,
		conn:      conn,
		send:      make(chan Event, h.opts.QueueSize),
	}
	if !h.register(sub) {
		_ = conn.Close()
		return nil
	}
	h.log.Debug().Str("recipient", recipient).Str("remote", conn.RemoteAddr().String()).Msg("notify.hub subscribed")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		h.readLoop(sub)
	}()
	h.writeLoop(sub, readDone)
	h.unregister(sub)
	_ = conn.Close()
	<-readDone
	h.log.Debug().Str("recipient", recipient).Msg("notify.hub unsubscribed")
	return nil
}

// register adds sub and moves queued durable events into its queue.
func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.subs[sub.recipient]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.recipient] = set
	}
	set[sub] = struct{}{}

	for _, item := range h.outbox.Take(sub.recipient) {
		select {
		case sub.send <- item.Event:
		default:
			h.outbox.Upsert(item)
		}
	}
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.recipient]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.recipient)
	}
	// Unsent durable events go back to the outbox.
	for {
		select {
		case ev := <-sub.send:
			if ev.Mode == ModeDurable {
				h.outbox.Upsert(PendingEvent{Event: ev, QueuedAt: ev.CreatedAt})
			}
		default:
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber, readDone <-chan struct{}) {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-readDone:
			return
		case ev, ok := <-sub.send:
			if !ok {
				_ = sub.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"),
					time.Now().Add(h.opts.WriteTimeout))
				return
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := sub.conn.WriteJSON(ev); err != nil {
				if ev.Mode == ModeDurable {
					h.outbox.Upsert(PendingEvent{Event: ev, QueuedAt: ev.CreatedAt})
					h.outbox.MarkAttempt(ev.ID, time.Now(), err.Error())
				}
				h.log.Debug().Err(err).Str("recipient", sub.recipient).Msg("notify.hub write failed")
				return
			}
		case <-ping.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so control messages are processed.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				h.log.Debug().Err(err).Str("recipient", sub.recipient).Msg("notify.hub read ended")
			}
			return
		}
	}
}

// Close disconnects every subscriber. Durable events already queued stay in
// the outbox.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for recipient, set := range h.subs {
		for sub := range set {
			close(sub.send)
		}
		delete(h.subs, recipient)
	}
}
