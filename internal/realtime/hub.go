package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"silent-disco/internal/protocol"
)

// Publisher forwards room frames to other server instances.
type Publisher interface {
	Publish(ctx context.Context, code string, data []byte) error
}

type roomFrame struct {
	code string
	data []byte
}

type directFrame struct {
	connID string
	data   []byte
}

type membership struct {
	code   string
	connID string
}

// Hub owns every connection of this instance and the room fan-out groups.
// All maps are touched only by Run.
type Hub struct {
	clients map[*Client]bool
	byID    map[string]*Client
	rooms   map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan membership
	unsubscribe chan membership
	broadcast   chan roomFrame
	direct      chan directFrame
	done        chan struct{}

	fanout Publisher
	log    zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		byID:        make(map[string]*Client),
		rooms:       make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan membership),
		unsubscribe: make(chan membership),
		broadcast:   make(chan roomFrame),
		direct:      make(chan directFrame),
		done:        make(chan struct{}),
		log:         log.With().Str("component", "realtime").Logger(),
	}
}

// UseFanout makes Broadcast also publish through p. Call before Run.
func (h *Hub) UseFanout(p Publisher) {
	h.fanout = p
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.byID[c.id] = c

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case m := <-h.subscribe:
			c, ok := h.byID[m.connID]
			if !ok {
				continue
			}
			if h.rooms[m.code] == nil {
				h.rooms[m.code] = make(map[*Client]bool)
			}
			h.rooms[m.code][c] = true

		case m := <-h.unsubscribe:
			if c, ok := h.byID[m.connID]; ok {
				h.leaveRoom(m.code, c)
			}

		case f := <-h.broadcast:
			for c := range h.rooms[f.code] {
				h.push(c, f.data)
			}

		case f := <-h.direct:
			if c, ok := h.byID[f.connID]; ok {
				h.push(c, f.data)
			}
		}
	}
}

func (h *Hub) push(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn().Str("conn", c.id).Msg("send buffer full, dropping connection")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	delete(h.byID, c.id)
	for code := range h.rooms {
		h.leaveRoom(code, c)
	}
	close(c.send)
	_ = c.conn.Close()
}

func (h *Hub) leaveRoom(code string, c *Client) {
	members := h.rooms[code]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, code)
	}
}

// enqueue hands v to Run, giving up once Run has returned.
func enqueue[T any](h *Hub, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.done:
	}
}

func (h *Hub) Register(c *Client)   { enqueue(h, h.register, c) }
func (h *Hub) Unregister(c *Client) { enqueue(h, h.unregister, c) }

func (h *Hub) Subscribe(code, connID string) {
	enqueue(h, h.subscribe, membership{code: code, connID: connID})
}

func (h *Hub) Unsubscribe(code, connID string) {
	enqueue(h, h.unsubscribe, membership{code: code, connID: connID})
}

// Broadcast delivers ev to every local subscriber of code and, with a fan-out
// configured, to the other instances.
func (h *Hub) Broadcast(code string, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("event", ev.Type).Msg("encode event")
		return
	}
	h.deliver(code, data)

	if h.fanout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.fanout.Publish(ctx, code, data); err != nil {
		h.log.Warn().Err(err).Str("room", code).Msg("fan-out publish")
	}
}

// deliver fans an encoded frame out to local subscribers only.
func (h *Hub) deliver(code string, data []byte) {
	enqueue(h, h.broadcast, roomFrame{code: code, data: data})
}

func (h *Hub) Send(connID string, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("event", ev.Type).Msg("encode event")
		return
	}
	enqueue(h, h.direct, directFrame{connID: connID, data: data})
}
