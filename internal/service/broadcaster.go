package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay-netctl/internal/core"
)

const (
	DefaultBroadcastInterval = time.Second
	wsSendQueue              = 16
	wsWriteTimeout           = 2 * time.Second
)

// Message is one WebSocket frame: a status snapshot or a network event.
type Message struct {
	Type    string `json:"type"` // "status" or "event"
	Payload any    `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Broadcaster fans status and events out to WebSocket clients. Sends never
// block the producer: a client whose queue is full is dropped.
type Broadcaster struct {
	status   func(ctx context.Context) Status
	events   *core.EventLog
	interval time.Duration
	upgrader websocket.Upgrader
	nudge    chan struct{}

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewBroadcaster creates a broadcaster sampling status every interval.
func NewBroadcaster(status func(ctx context.Context) Status, events *core.EventLog, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &Broadcaster{
		status:   status,
		events:   events,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the API listens on loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		nudge:   make(chan struct{}, 1),
		clients: make(map[*wsClient]struct{}),
	}
}

// Follow subscribes to bus. A path switch or a config change pushes a status
// right away instead of at the next interval; shutdown closes every client.
func (b *Broadcaster) Follow(bus *core.EventBus) {
	push := func(core.Event) {
		select {
		case b.nudge <- struct{}{}:
		default:
		}
	}
	bus.Subscribe(core.EventPathSwitched, push)
	bus.Subscribe(core.EventConfigReloaded, push)
	bus.Subscribe(core.EventShutdown, func(core.Event) { b.closeAll() })
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		core.Log.Debugf("API", "WebSocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan Message, wsSendQueue)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	core.Log.Debugf("API", "WebSocket client %s connected", conn.RemoteAddr())

	go b.writePump(c)
	go b.readPump(c)
}

// readPump discards client input and notices disconnects.
func (b *Broadcaster) readPump(c *wsClient) {
	defer b.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			b.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
}

func (b *Broadcaster) drop(c *wsClient) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if ok {
		c.close()
		_ = c.conn.Close()
	}
}

// Broadcast queues msg for every client without blocking.
func (b *Broadcaster) Broadcast(msg Message) {
	b.mu.Lock()
	var slow []*wsClient
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.Unlock()

	for _, c := range slow {
		core.Log.Debugf("API", "Dropping slow WebSocket client %s", c.conn.RemoteAddr())
		b.drop(c)
	}
}

// Run broadcasts status every interval and events as they are appended,
// until ctx is cancelled. Status is only assembled when clients exist.
func (b *Broadcaster) Run(ctx context.Context) {
	var events <-chan core.NetworkEvent
	if b.events != nil {
		sub := b.events.Subscribe()
		defer b.events.Unsubscribe(sub)
		events = sub.C
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.Broadcast(Message{Type: "event", Payload: e})
		case <-ticker.C:
			b.pushStatus(ctx)
		case <-b.nudge:
			b.pushStatus(ctx)
		}
	}
}

func (b *Broadcaster) pushStatus(ctx context.Context) {
	if b.Clients() == 0 {
		return
	}
	b.Broadcast(Message{Type: "status", Payload: b.status(ctx)})
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*wsClient]struct{})
	b.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
